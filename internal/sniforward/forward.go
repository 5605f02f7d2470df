// Package sniforward implements the SNI-only TLS forwarder: it peeks a
// ClientHello's SNI extension without terminating TLS, picks a backend from
// a static route table, and copies bytes bidirectionally. Grounded on
// spec.md §4.8 directly — nothing in the example corpus parses a raw
// ClientHello, so this is hand-written from the wire format in RFC 8446 §4.1.2.
package sniforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dance-edge/cdn/internal/metrics"
)

// helloReadBudget bounds how many bytes are read while looking for a
// ClientHello's SNI extension, guarding against non-TLS connections that
// never produce one.
const helloReadBudget = 8 * 1024

// copyBufferSize is the bidirectional copy chunk size spec.md §4.8 names.
const copyBufferSize = 8 * 1024

var errNoSNI = errors.New("sniforward: could not extract SNI from ClientHello")

// Route maps a TLS SNI host to one or more backend addresses.
type Route struct {
	Host     string
	Backends []string

	next uint32 // atomic round-robin cursor
}

func (rt *Route) pick() string {
	if len(rt.Backends) == 1 {
		return rt.Backends[0]
	}
	i := atomic.AddUint32(&rt.next, 1)
	return rt.Backends[int(i)%len(rt.Backends)]
}

// Forwarder accepts TCP connections and forwards them by SNI host.
type Forwarder struct {
	Addr   string
	Routes map[string]*Route

	// DialTimeout bounds connecting to the chosen backend.
	DialTimeout time.Duration
}

// New builds a Forwarder from a flat host->backend list, merging entries
// that repeat the same host into one round-robin Route.
func New(addr string, routes []RouteSpec) *Forwarder {
	byHost := make(map[string]*Route)
	for _, spec := range routes {
		r, ok := byHost[spec.Host]
		if !ok {
			r = &Route{Host: spec.Host}
			byHost[spec.Host] = r
		}
		r.Backends = append(r.Backends, spec.Backend)
	}
	return &Forwarder{Addr: addr, Routes: byHost, DialTimeout: 10 * time.Second}
}

// RouteSpec is one (host, backend) pair as parsed from configuration.
type RouteSpec struct {
	Host    string
	Backend string
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (f *Forwarder) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", f.Addr)
	if err != nil {
		return fmt.Errorf("sniforward: listen: %w", err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("sniforward: accept: %w", err)
		}
		go f.handle(conn)
	}
}

func (f *Forwarder) handle(conn net.Conn) {
	defer conn.Close()

	host, peeked, err := peekSNI(conn)
	if err != nil {
		metrics.SniConnectionsTotal.WithLabelValues("parse_error").Inc()
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("sniforward: dropping connection, no SNI")
		return
	}

	route, ok := f.Routes[host]
	if !ok {
		metrics.SniConnectionsTotal.WithLabelValues("unknown_host").Inc()
		log.Debug().Str("host", host).Msg("sniforward: dropping connection, unknown SNI host")
		return
	}

	backend := route.pick()
	upstream, err := net.DialTimeout("tcp", backend, f.DialTimeout)
	if err != nil {
		metrics.SniConnectionsTotal.WithLabelValues("dial_error").Inc()
		log.Warn().Err(err).Str("backend", backend).Msg("sniforward: dial failed")
		return
	}
	defer upstream.Close()

	if tcpConn, ok := upstream.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	metrics.SniConnectionsTotal.WithLabelValues("forwarded").Inc()
	metrics.SniActiveConnections.Inc()
	defer metrics.SniActiveConnections.Dec()

	if _, err := upstream.Write(peeked); err != nil {
		return
	}

	pump(conn, upstream)
}

// pump copies bidirectionally and performs a full (read+write) shutdown on
// the peer once either direction hits EOF, per spec.md §4.8 step 4 — a
// write-half close alone leaves many TLS stacks in CLOSE_WAIT/FIN_WAIT.
func pump(a, b net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		n, _ := io.CopyBuffer(b, a, make([]byte, copyBufferSize))
		metrics.SniBytesTotal.WithLabelValues("inbound").Add(float64(n))
		closeRead(b)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.CopyBuffer(a, b, make([]byte, copyBufferSize))
		metrics.SniBytesTotal.WithLabelValues("outbound").Add(float64(n))
		closeRead(a)
		done <- struct{}{}
	}()

	<-done
	<-done
}

// closeRead shuts down both halves of conn's socket, preferring the
// TCPConn-specific half-close API when available but always falling back to
// a full Close so neither side lingers.
func closeRead(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.CloseRead()
		tcpConn.CloseWrite()
		return
	}
	conn.Close()
}
