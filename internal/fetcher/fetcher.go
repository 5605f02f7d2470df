// Package fetcher implements the stream-through proxy: it issues an
// upstream request, mirrors the response to the client, tees the body to a
// temp file, and atomically publishes the file into the cache once its MD5
// checksum has been verified.
package fetcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dance-edge/cdn/internal/cache"
	"github.com/dance-edge/cdn/internal/metrics"
)

// hopByHopHeaders are never forwarded in either direction, matching the
// teacher's owncast proxy's skip list.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Fetcher streams an upstream response through to the client while
// optionally capturing it into the cache.
type Fetcher struct {
	Client *http.Client

	// HostOverride replaces the Host header on every upstream request,
	// because upstreams are addressed by IP or an alternate DNS name.
	HostOverride string

	// UserAgentSuffix is appended to the client's User-Agent before
	// dispatch, so the edge self-identifies to upstream.
	UserAgentSuffix string

	// ConditionalRequestsEnabled, when false (the default), strips
	// If-None-Match and If-Modified-Since before dispatch so every fetch
	// runs as a full GET the edge can capture.
	ConditionalRequestsEnabled bool

	// MaxPublishSize bounds how much of an in-flight download is completed
	// after the downstream client has disconnected (Open Question #1's
	// policy (b)); zero means unbounded.
	MaxPublishSize int64

	// ProgressLogInterval controls how often a Streaming chunk is logged at
	// debug level; zero logs every chunk.
	ProgressLogInterval time.Duration
}

// New builds a Fetcher with the given upstream client. Fetch uses a copy of
// the client whose CheckRedirect policy is replaced by noRedirect, so the
// caller need not disable redirects itself.
func New(client *http.Client) *Fetcher {
	return &Fetcher{Client: client}
}

// noRedirect is the CheckRedirect policy Fetcher requires: upstream
// redirects are exposed verbatim to the client rather than followed.
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Fetch issues the upstream request for r against upstreamURL, streams the
// response to w, and — if session is non-nil — tees the body into
// session.DownloadTmp and publishes it on completion. It returns once the
// response has been fully relayed (or the upstream/downstream failed).
func (f *Fetcher) Fetch(ctx context.Context, w http.ResponseWriter, r *http.Request, upstreamURL string, session *Session) error {
	st := stateInit

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, nil)
	if err != nil {
		return fmt.Errorf("fetcher: build upstream request: %w", err)
	}
	f.rewriteHeaders(upstreamReq, r)

	client := f.client()

	upstreamHost := upstreamReq.Host
	if upstreamHost == "" {
		if u, err := url.Parse(upstreamURL); err == nil {
			upstreamHost = u.Host
		}
	}

	st = stateDispatched
	start := time.Now()
	resp, err := client.Do(upstreamReq)
	if err != nil {
		st = stateUpstreamError
		metrics.FetcherPublishTotal.WithLabelValues("upstream_error").Inc()
		return fmt.Errorf("fetcher: upstream request (%s): %w", st, err)
	}
	defer resp.Body.Close()

	f.mirrorResponse(w, resp)

	var tmp *os.File
	if session != nil {
		tmp, err = f.openDownloadTmp(session)
		if err != nil {
			log.Warn().Err(err).Str("path", session.DownloadTmp).Msg("fetcher: could not open download_tmp, streaming without capture")
			session = nil
		} else {
			defer tmp.Close()
		}
	}

	st = stateStreaming
	written, streamErr := f.stream(w, resp.Body, tmp, session)
	metrics.FetcherBytesTotal.WithLabelValues(upstreamHost).Add(float64(written))
	if streamErr != nil {
		st = stateUpstreamError
		metrics.FetcherPublishTotal.WithLabelValues("upstream_error").Inc()
		log.Warn().Err(streamErr).Str("url", upstreamURL).Int64("written", written).Msg("fetcher: upstream read error mid-stream, no publish")
		return fmt.Errorf("fetcher: stream (%s): %w", st, streamErr)
	}

	log.Info().Str("url", upstreamURL).Int64("bytes", written).Str("throughput", humanRate(written, time.Since(start))).Msg("fetcher: fetch complete")

	if session == nil || tmp == nil {
		return nil
	}
	if session.ExpectedSize > 0 && written < session.ExpectedSize {
		// Downstream or upstream ended before the expected size was reached;
		// nothing to publish.
		return nil
	}

	if err := f.publish(tmp, session); err != nil {
		outcome := "upstream_error"
		if errors.Is(err, ErrChecksumMismatch) {
			outcome = "checksum_mismatch"
		}
		metrics.FetcherPublishTotal.WithLabelValues(outcome).Inc()
		return err
	}
	metrics.FetcherPublishTotal.WithLabelValues("published").Inc()
	return nil
}

func (f *Fetcher) client() *http.Client {
	if f.Client == nil {
		return &http.Client{CheckRedirect: noRedirect}
	}
	c := *f.Client
	c.CheckRedirect = noRedirect
	return &c
}

// rewriteHeaders copies r's headers onto upstreamReq with the rewrites
// spec.md §4.5 step 1 requires.
func (f *Fetcher) rewriteHeaders(upstreamReq, r *http.Request) {
	for key, values := range r.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			upstreamReq.Header.Add(key, v)
		}
	}

	if f.HostOverride != "" {
		upstreamReq.Host = f.HostOverride
		upstreamReq.Header.Set("Host", f.HostOverride)
	}

	if f.UserAgentSuffix != "" {
		ua := r.Header.Get("User-Agent")
		upstreamReq.Header.Set("User-Agent", ua+f.UserAgentSuffix)
	}

	if !f.ConditionalRequestsEnabled {
		upstreamReq.Header.Del("If-None-Match")
		upstreamReq.Header.Del("If-Modified-Since")
	}
}

// mirrorResponse copies the upstream status and headers to w verbatim.
func (f *Fetcher) mirrorResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if hopByHopHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
}

func (f *Fetcher) openDownloadTmp(session *Session) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(session.DownloadTmp), 0o755); err != nil {
		return nil, fmt.Errorf("fetcher: create download_tmp dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(session.CachePath), 0o755); err != nil {
		return nil, fmt.Errorf("fetcher: create cache dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(session.MetadataPath), 0o755); err != nil {
		return nil, fmt.Errorf("fetcher: create metadata dir: %w", err)
	}
	return os.Create(session.DownloadTmp)
}

const streamChunkSize = 16 * 1024

// stream splits the response body: every chunk is written to w and, if tmp
// is non-nil, appended to the temp file. It returns the total bytes written
// downstream, capped by MaxPublishSize once the downstream client is gone.
func (f *Fetcher) stream(w http.ResponseWriter, body io.Reader, tmp *os.File, session *Session) (int64, error) {
	buf := make([]byte, streamChunkSize)
	var written int64
	flusher, _ := w.(http.Flusher)
	lastLog := time.Now()
	downstreamDead := false

	for {
		if f.MaxPublishSize > 0 && downstreamDead && written >= f.MaxPublishSize {
			break
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !downstreamDead {
				if _, werr := w.Write(chunk); werr != nil {
					// Downstream disconnected. Policy (b): keep draining
					// upstream into the temp file (bounded by
					// MaxPublishSize) so the cache still gets filled; stop
					// mirroring to the dead connection.
					downstreamDead = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
			if tmp != nil {
				if _, werr := tmp.Write(chunk); werr != nil {
					return written, fmt.Errorf("write download_tmp: %w", werr)
				}
			}
			written += int64(n)
			if session != nil && time.Since(lastLog) > f.progressInterval() {
				log.Debug().Int64("written", written).Int64("expected", session.ExpectedSize).Msg("fetcher: streaming")
				lastLog = time.Now()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			return written, rerr
		}
	}
	return written, nil
}

func (f *Fetcher) progressInterval() time.Duration {
	if f.ProgressLogInterval > 0 {
		return f.ProgressLogInterval
	}
	return time.Second
}

// publish fsyncs the temp file, verifies its MD5 against session's expected
// checksum, and on success copies it into the cache (copy, not rename,
// since the cache path may be a different volume) along with a synthetic
// metadata.json. Failure to remove the temp file afterward is logged, not
// fatal.
func (f *Fetcher) publish(tmp *os.File, session *Session) error {
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fetcher: fsync download_tmp (%s): %w", stateFsynced, err)
	}

	sum, err := md5File(session.DownloadTmp)
	if err != nil {
		return fmt.Errorf("fetcher: md5 download_tmp: %w", err)
	}

	if session.ExpectedETag != "" && sum != session.ExpectedETag {
		log.Warn().Str("expected", session.ExpectedETag).Str("got", sum).Str("path", session.DownloadTmp).Msg("fetcher: checksum mismatch, not publishing")
		return fmt.Errorf("%w: expected %s got %s (%s)", ErrChecksumMismatch, session.ExpectedETag, sum, stateChecksumMismatch)
	}

	checksum := sum
	if session.ExpectedETag != "" {
		checksum = session.ExpectedETag
	}

	if err := copyFile(session.DownloadTmp, session.CachePath); err != nil {
		return fmt.Errorf("fetcher: publish cache file (%s): %w", statePublished, err)
	}

	meta := cache.Metadata{ID: session.ID, Checksum: checksum, Title: fmt.Sprint(session.ID)}
	if err := writeMetadata(session.MetadataPath, meta); err != nil {
		return fmt.Errorf("fetcher: write metadata.json: %w", err)
	}

	if err := os.Remove(session.DownloadTmp); err != nil {
		log.Warn().Err(err).Str("path", session.DownloadTmp).Msg("fetcher: cleanup of download_tmp failed, non-fatal")
	}

	return nil
}

// ErrChecksumMismatch marks a publish aborted because the downloaded
// content didn't match the expected MD5.
var ErrChecksumMismatch = errors.New("fetcher: checksum mismatch")

func md5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func humanRate(bytes int64, elapsed time.Duration) string {
	rate := float64(bytes)
	if secs := elapsed.Seconds(); secs > 0 {
		rate /= secs
	}
	const unit = 1024
	if rate < unit {
		return fmt.Sprintf("%.0f B/s", rate)
	}
	div, exp := float64(unit), 0
	for n := rate / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB/s", rate/div, "KMGTPE"[exp])
}
