// Package router dispatches the edge's four HTTP surfaces (spec.md §6) onto
// CacheIndex, TokenCodec, RangeServer, Fetcher, and CompensatedDerivativeCache.
// Its own job is purely argument validation and wiring; every decision of
// substance belongs to the component it calls.
package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dance-edge/cdn/internal/cache"
	"github.com/dance-edge/cdn/internal/config"
	"github.com/dance-edge/cdn/internal/derivative"
	"github.com/dance-edge/cdn/internal/fetcher"
	"github.com/dance-edge/cdn/internal/metrics"
	"github.com/dance-edge/cdn/internal/rangeserve"
	"github.com/dance-edge/cdn/internal/token"
)

// originFallbackURL is where a client is redirected when CacheIndex cannot
// resolve an id, per spec.md §6's HTTP surfaces table — both redirecting
// surfaces share the same origin fallback.
const originFallbackURL = "https://api.udon.dance/Api/Songs/play?id=%d"

// Router wires the edge's components into net/http handlers.
type Router struct {
	Index      *cache.Index
	Tokens     *token.Codec
	Range      *rangeserve.Server
	Fetcher    *fetcher.Fetcher
	Derivative *derivative.Cache

	UpstreamDomestic config.Upstream
	UpstreamOverseas config.Upstream

	// AudioOffsetSeconds, when non-zero, is applied to every /v/ delivery
	// via CompensatedDerivativeCache; zero serves the original untouched.
	AudioOffsetSeconds float64
}

// Mux builds the top-level handler: the four HTTP surfaces wrapped in a
// per-route request counter/timer, matching the teacher's Logging
// middleware's event-by-status pattern but scoped per route for metrics.
func (rt *Router) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /api/{version}/videos/{id}", rt.instrument("videos", rt.handleVideos))
	mux.Handle("GET /Api/Songs/play", rt.instrument("songs_play", rt.handleSongsPlay))
	mux.Handle("GET /v/{idChecksum}", rt.instrument("deliver", rt.handleDeliver))
	mux.Handle("GET /files/{date}/{basename}", rt.instrument("files", rt.handleFiles))
	return mux
}

func (rt *Router) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.RouterRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		metrics.RouterRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// handleVideos implements GET /api/{v}/videos/{id}.mp4.
func (rt *Router) handleVideos(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimSuffix(r.PathValue("id"), ".mp4")
	rt.redirectToDelivery(w, r, idStr)
}

// handleSongsPlay implements GET /Api/Songs/play?id={id}. It shares the
// videos surface's semantics; only the id's source differs (query
// parameter rather than path segment).
func (rt *Router) handleSongsPlay(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("id")
	rt.redirectToDelivery(w, r, idStr)
}

// redirectToDelivery is the shared body of handleVideos and handleSongsPlay:
// issue a token and redirect to the /v/ delivery surface on a cache hit,
// else fall through to the origin, per spec.md §6.
func (rt *Router) redirectToDelivery(w http.ResponseWriter, r *http.Request, idStr string) {
	id, err := parseSongID(idStr)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	clientIP, ok := clientIP(r)
	if !ok {
		http.Error(w, "no client ip", http.StatusBadRequest)
		return
	}

	resolved, err := rt.Index.Resolve(id)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	if !resolved.Available {
		http.Redirect(w, r, fmt.Sprintf(originFallbackURL, uint32(id)), http.StatusFound)
		return
	}

	checksum, err := rt.Index.Checksum(resolved.Video)
	if err != nil {
		log.Warn().Err(err).Uint32("id", uint32(id)).Msg("router: resolved entry has unreadable checksum")
		http.Redirect(w, r, fmt.Sprintf(originFallbackURL, uint32(id)), http.StatusFound)
		return
	}

	tok := rt.Tokens.Encode(uint32(id), string(checksum), r.UserAgent(), clientIP)
	location := fmt.Sprintf("/v/%d-%s.mp4?auth=%s&t=aya&auth_key=%s", uint32(id), checksum, tok, tok)
	http.Redirect(w, r, location, http.StatusFound)
}

// handleDeliver implements GET /v/{id}-{checksum}.mp4?auth={token}.
func (rt *Router) handleDeliver(w http.ResponseWriter, r *http.Request) {
	idChecksum := strings.TrimSuffix(r.PathValue("idChecksum"), ".mp4")
	id, checksum, err := splitIDChecksum(idChecksum)
	if err != nil {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}

	auth := r.URL.Query().Get("auth")
	if auth == "" {
		http.Error(w, "missing auth", http.StatusBadRequest)
		return
	}
	if err := rt.Tokens.Verify(auth, uint32(id), checksum); err != nil {
		http.Error(w, "bad auth", http.StatusBadRequest)
		return
	}

	resolved, err := rt.Index.Resolve(id)
	if err != nil || !resolved.Available {
		log.Warn().Uint32("id", uint32(id)).Msg("router: suspected abuse — valid token but file now absent")
		http.Error(w, "gone", http.StatusBadRequest)
		return
	}

	servePath := resolved.Video.VideoPath
	if rt.Derivative != nil && rt.AudioOffsetSeconds != 0 && resolved.Video.Kind == cache.Canonical {
		if derived, err := rt.Derivative.Resolve(r.Context(), uint32(id), resolved.Video.VideoPath, checksum, rt.AudioOffsetSeconds); err == nil {
			servePath = derived
		} else {
			log.Warn().Err(err).Uint32("id", uint32(id)).Msg("router: serving uncompensated original")
		}
	}

	rt.Range.ServeFile(w, r, servePath, "video/mp4")
}

// handleFiles implements GET /files/{date}/{basename}?e={etag}&s={size}.
func (rt *Router) handleFiles(w http.ResponseWriter, r *http.Request) {
	basename := r.PathValue("basename")
	idStr, _, found := strings.Cut(basename, "-")
	if !found {
		http.Error(w, "bad basename", http.StatusBadRequest)
		return
	}
	id, err := parseSongID(idStr)
	if err != nil {
		http.Error(w, "bad basename", http.StatusBadRequest)
		return
	}

	expectedSize, err := strconv.ParseInt(r.URL.Query().Get("s"), 10, 64)
	if err != nil {
		http.Error(w, "bad size", http.StatusBadRequest)
		return
	}
	expectedETag := r.URL.Query().Get("e")

	port, ok := clientPort(r)
	if !ok {
		http.Error(w, "no client ip", http.StatusBadRequest)
		return
	}

	status, err := rt.Index.LocalCacheStatus(id, basename, expectedSize, expectedETag, port)
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}

	if status.Satisfied {
		rt.Range.ServeFile(w, r, status.VideoPath, "video/mp4")
		return
	}

	upstream := rt.selectUpstream(r)
	scheme := upstream.Scheme
	if scheme == "" {
		scheme = "https"
	}
	upstreamURL := fmt.Sprintf("%s://%s%s", scheme, upstream.Host, r.URL.Path)
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	session := &fetcher.Session{
		ID:           uint32(id),
		DownloadTmp:  status.DownloadTmp,
		ExpectedSize: expectedSize,
		ExpectedETag: expectedETag,
		CachePath:    status.VideoPath,
		MetadataPath: status.MetadataPath,
	}

	// The upstream fetch is detached from the client's cancellation so a
	// disconnect mid-download still lets Fetcher finish filling the cache.
	if err := rt.Fetcher.Fetch(context.WithoutCancel(r.Context()), w, r, upstreamURL, session); err != nil {
		log.Warn().Err(err).Str("upstream", upstream.Name).Uint32("id", uint32(id)).Msg("router: fetch failed")
	}
}

// selectUpstream picks between the two fixed upstreams by the incoming
// request's Host header, per spec.md §6; unrecognised hosts fall through to
// the domestic upstream.
func (rt *Router) selectUpstream(r *http.Request) config.Upstream {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == rt.UpstreamOverseas.Host {
		return rt.UpstreamOverseas
	}
	return rt.UpstreamDomestic
}

func parseSongID(s string) (cache.SongId, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	id := cache.SongId(n)
	return id, nil
}

func splitIDChecksum(s string) (cache.SongId, cache.Checksum, error) {
	idStr, checksum, found := strings.Cut(s, "-")
	if !found || checksum == "" {
		return 0, "", fmt.Errorf("router: malformed id-checksum %q", s)
	}
	id, err := parseSongID(idStr)
	if err != nil {
		return 0, "", err
	}
	return id, cache.Checksum(checksum), nil
}

// clientIP extracts the requesting client's address per spec.md §4.7: the
// first X-Forwarded-For entry, else X-Real-IP, else the TCP peer address.
// Grounded on the teacher's handlers.getClientIP.
func clientIP(r *http.Request) (string, bool) {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		first = strings.TrimSpace(first)
		if first != "" {
			return first, true
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP, true
	}
	if r.RemoteAddr == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host, true
	}
	return r.RemoteAddr, true
}

// clientPort extracts the TCP peer's ephemeral port, used to disambiguate
// concurrent download_tmp paths for the same id (spec.md §4.3).
func clientPort(r *http.Request) (string, bool) {
	_, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", false
	}
	return port, true
}
