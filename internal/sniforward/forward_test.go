package sniforward

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// buildClientHello constructs a minimal, syntactically valid TLS 1.2
// ClientHello record carrying a single server_name extension, enough for
// parseClientHelloSNI to extract host.
func buildClientHello(host string) []byte {
	var body bytes.Buffer
	body.Write([]byte{0x03, 0x03})     // client_version: TLS 1.2
	body.Write(make([]byte, 32))       // random
	body.WriteByte(0)                  // session_id_length
	body.Write([]byte{0x00, 0x02})     // cipher_suites_length
	body.Write([]byte{0x00, 0x2f})     // one cipher suite
	body.WriteByte(1)                  // compression_methods_length
	body.WriteByte(0)                  // null compression

	var serverNameList bytes.Buffer
	serverNameList.WriteByte(0) // name_type: host_name
	nameLen := make([]byte, 2)
	binary.BigEndian.PutUint16(nameLen, uint16(len(host)))
	serverNameList.Write(nameLen)
	serverNameList.WriteString(host)

	var sniExt bytes.Buffer
	listLen := make([]byte, 2)
	binary.BigEndian.PutUint16(listLen, uint16(serverNameList.Len()))
	sniExt.Write(listLen)
	sniExt.Write(serverNameList.Bytes())

	var extensions bytes.Buffer
	extensions.Write([]byte{0x00, 0x00}) // extension type: server_name
	extLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extLen, uint16(sniExt.Len()))
	extensions.Write(extLen)
	extensions.Write(sniExt.Bytes())

	extTotalLen := make([]byte, 2)
	binary.BigEndian.PutUint16(extTotalLen, uint16(extensions.Len()))
	body.Write(extTotalLen)
	body.Write(extensions.Bytes())

	var handshake bytes.Buffer
	handshake.WriteByte(0x01) // handshake type: ClientHello
	hsLen := make([]byte, 4)
	binary.BigEndian.PutUint32(hsLen, uint32(body.Len()))
	handshake.Write(hsLen[1:]) // 3-byte length
	handshake.Write(body.Bytes())

	var record bytes.Buffer
	record.WriteByte(0x16)         // content type: handshake
	record.Write([]byte{0x03, 0x01}) // record version
	recLen := make([]byte, 2)
	binary.BigEndian.PutUint16(recLen, uint16(handshake.Len()))
	record.Write(recLen)
	record.Write(handshake.Bytes())

	return record.Bytes()
}

func TestParseClientHelloSNIExtractsHost(t *testing.T) {
	hello := buildClientHello("cdn.example.com")
	host, done := parseClientHelloSNI(hello)
	if !done {
		t.Fatal("parseClientHelloSNI() not done on a complete record")
	}
	if host != "cdn.example.com" {
		t.Fatalf("host = %q; want cdn.example.com", host)
	}
}

func TestParseClientHelloSNIWaitsForMoreData(t *testing.T) {
	hello := buildClientHello("cdn.example.com")
	_, done := parseClientHelloSNI(hello[:10])
	if done {
		t.Fatal("parseClientHelloSNI() should not be done on a truncated record")
	}
}

// echoServer accepts one connection and copies everything it reads back to
// the same connection, for byte-identical pass-through verification.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestForwarderPassesBytesThroughUnmodified(t *testing.T) {
	backend := echoServer(t)

	fwd := New("127.0.0.1:0", []RouteSpec{{Host: "cdn.example.com", Backend: backend}})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fwd.Addr = ln.Addr().String()
	ln.Close() // release the port so Serve can rebind it

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- fwd.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", fwd.Addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	payload := append(buildClientHello("cdn.example.com"), []byte("hello upstream")...)
	if _, err := conn.Write(payload); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 0, len(payload))
	buf := make([]byte, 4096)
	for len(got) < len(payload) {
		n, err := conn.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("echoed %d bytes != sent %d bytes", len(got), len(payload))
	}
}

func TestForwarderDropsUnknownSNIHost(t *testing.T) {
	backend := echoServer(t)
	fwd := New("127.0.0.1:0", []RouteSpec{{Host: "known.example.com", Backend: backend}})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fwd.Addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", fwd.Addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write(buildClientHello("unknown.example.com"))
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err == nil && n > 0 {
		t.Fatalf("expected connection to be dropped, got %d bytes", n)
	}
}
