package fetcher

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dance-edge/cdn/internal/cache"
)

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func newSession(t *testing.T, content []byte) (*Session, string) {
	t.Helper()
	root := t.TempDir()
	session := &Session{
		ID:           7,
		DownloadTmp:  filepath.Join(root, "tmp", "51000_video.mp4"),
		ExpectedSize: int64(len(content)),
		ExpectedETag: md5Hex(content),
		CachePath:    filepath.Join(root, "videos", "7", "video.mp4"),
		MetadataPath: filepath.Join(root, "videos", "7", "metadata.json"),
	}
	return session, root
}

func TestFetchPublishesOnMatchingChecksum(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer upstream.Close()

	session, _ := newSession(t, content)

	req := httptest.NewRequest(http.MethodGet, "/files/2024-01-01/video.mp4", nil)
	rec := httptest.NewRecorder()

	f := New(upstream.Client())
	if err := f.Fetch(req.Context(), rec, req, upstream.URL, session); err != nil {
		t.Fatalf("Fetch() = %v; want nil", err)
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("downstream status = %d; want 200", rec.Code)
	}
	if rec.Body.String() != string(content) {
		t.Fatalf("downstream body = %q; want %q", rec.Body.String(), content)
	}

	published, err := os.ReadFile(session.CachePath)
	if err != nil {
		t.Fatalf("cache file not published: %v", err)
	}
	if string(published) != string(content) {
		t.Fatalf("published content = %q; want %q", published, content)
	}

	if _, err := os.Stat(session.DownloadTmp); !os.IsNotExist(err) {
		t.Fatal("expected download_tmp to be removed after successful publish")
	}

	metaBytes, err := os.ReadFile(session.MetadataPath)
	if err != nil {
		t.Fatalf("metadata.json not written: %v", err)
	}
	var meta cache.Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.Checksum != session.ExpectedETag {
		t.Fatalf("metadata checksum = %q; want %q", meta.Checksum, session.ExpectedETag)
	}
	if meta.ID != session.ID {
		t.Fatalf("metadata id = %d; want %d", meta.ID, session.ID)
	}
}

func TestFetchDoesNotPublishOnChecksumMismatch(t *testing.T) {
	content := []byte("real content")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer upstream.Close()

	session, _ := newSession(t, content)
	session.ExpectedETag = md5Hex([]byte("different content, wrong etag"))

	req := httptest.NewRequest(http.MethodGet, "/files/2024-01-01/video.mp4", nil)
	rec := httptest.NewRecorder()

	f := New(upstream.Client())
	err := f.Fetch(req.Context(), rec, req, upstream.URL, session)
	if err == nil {
		t.Fatal("expected an error on checksum mismatch")
	}

	if _, statErr := os.Stat(session.CachePath); !os.IsNotExist(statErr) {
		t.Fatal("cache file must not exist after a checksum mismatch")
	}
	// Temp file is left in place for debugging.
	if _, statErr := os.Stat(session.DownloadTmp); statErr != nil {
		t.Fatal("download_tmp should remain for debugging after mismatch")
	}
}

func TestFetchUpstreamErrorDoesNotPublish(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Close the connection mid-response without completing the body.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Skip("ResponseWriter does not support hijacking in this environment")
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Fatal(err)
		}
		conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort"))
		conn.Close()
	}))
	defer upstream.Close()

	session, _ := newSession(t, []byte("0123456789"))
	session.ExpectedSize = 100

	req := httptest.NewRequest(http.MethodGet, "/files/2024-01-01/video.mp4", nil)
	rec := httptest.NewRecorder()

	f := New(upstream.Client())
	f.Fetch(req.Context(), rec, req, upstream.URL, session)

	if _, statErr := os.Stat(session.CachePath); !os.IsNotExist(statErr) {
		t.Fatal("cache file must not exist after an upstream read error")
	}
}

func TestFetchStripsConditionalHeadersByDefault(t *testing.T) {
	var sawIfNoneMatch, sawIfModifiedSince bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawIfNoneMatch = r.Header.Get("If-None-Match") != ""
		sawIfModifiedSince = r.Header.Get("If-Modified-Since") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
	req.Header.Set("If-None-Match", `"abc"`)
	req.Header.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")
	rec := httptest.NewRecorder()

	f := New(upstream.Client())
	if err := f.Fetch(req.Context(), rec, req, upstream.URL, nil); err != nil {
		t.Fatal(err)
	}

	if sawIfNoneMatch || sawIfModifiedSince {
		t.Fatal("conditional headers must be stripped when ConditionalRequestsEnabled is false")
	}
}

func TestFetchDisablesRedirects(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer redirecting.Close()

	req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
	rec := httptest.NewRecorder()

	f := New(redirecting.Client())
	if err := f.Fetch(req.Context(), rec, req, redirecting.URL, nil); err != nil {
		t.Fatal(err)
	}

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d; want 302 (redirect exposed verbatim)", rec.Code)
	}
}

func TestFetchRewritesHostAndUserAgent(t *testing.T) {
	var gotHost, gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
	req.Header.Set("User-Agent", "secondlife-client/1.0")
	rec := httptest.NewRecorder()

	f := New(upstream.Client())
	f.HostOverride = "internal.upstream.example"
	f.UserAgentSuffix = " edge-cache/1.0"
	if err := f.Fetch(req.Context(), rec, req, upstream.URL, nil); err != nil {
		t.Fatal(err)
	}

	if gotHost != "internal.upstream.example" {
		t.Fatalf("Host = %q; want override", gotHost)
	}
	if gotUA != "secondlife-client/1.0 edge-cache/1.0" {
		t.Fatalf("User-Agent = %q; want suffixed", gotUA)
	}
}

func TestFetchIsolatesConcurrentDownloadsByClientPort(t *testing.T) {
	content := []byte("shared content for two concurrent fetches")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer upstream.Close()

	root := t.TempDir()
	mk := func(port string) *Session {
		return &Session{
			ID:           1,
			DownloadTmp:  filepath.Join(root, "cache", port+"_video.mp4"),
			ExpectedSize: int64(len(content)),
			ExpectedETag: md5Hex(content),
			CachePath:    filepath.Join(root, "videos", "1", "video.mp4"),
			MetadataPath: filepath.Join(root, "videos", "1", "metadata.json"),
		}
	}

	s1, s2 := mk("51000"), mk("51001")
	if s1.DownloadTmp == s2.DownloadTmp {
		t.Fatal("distinct client ports must produce distinct download_tmp paths")
	}

	f := New(upstream.Client())
	errs := make(chan error, 2)
	for _, s := range []*Session{s1, s2} {
		go func(s *Session) {
			req := httptest.NewRequest(http.MethodGet, "/files/x", nil)
			rec := httptest.NewRecorder()
			errs <- f.Fetch(req.Context(), rec, req, upstream.URL, s)
		}(s)
	}
	for range 2 {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
}
