// Package rangeserve serves a single file over HTTP with byte-range
// semantics: full body on a plain GET, 206 partial content for a Range
// request, 400 for anything malformed.
package rangeserve

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/dance-edge/cdn/internal/metrics"
)

// chunkSize bounds how much of the file is read into memory at once.
const chunkSize = 16 * 1024

var errInvalidRange = errors.New("rangeserve: invalid range")

// Server serves cached files with range support.
type Server struct{}

// New creates a Server. It is stateless; a single instance is safe to share.
func New() *Server { return &Server{} }

// ServeFile serves path to w, honoring any Range header on r. contentType is
// emitted verbatim as given by the caller.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		metrics.RangeServerResponsesTotal.WithLabelValues("404").Inc()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		metrics.RangeServerResponsesTotal.WithLabelValues("404").Inc()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	size := info.Size()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		metrics.RangeServerResponsesTotal.WithLabelValues("200").Inc()
		copyChunked(w, f, size)
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		metrics.RangeServerResponsesTotal.WithLabelValues("400").Inc()
		http.Error(w, "invalid range", http.StatusBadRequest)
		return
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		metrics.RangeServerResponsesTotal.WithLabelValues("400").Inc()
		http.Error(w, "invalid range", http.StatusBadRequest)
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	metrics.RangeServerResponsesTotal.WithLabelValues("206").Inc()
	copyChunked(w, f, length)
}

// copyChunked streams exactly n bytes from r to w in chunkSize pieces. A
// write or read error (the client disconnected, or the file shrank or
// disappeared mid-stream) ends the copy silently: there is no way to report
// an error after headers have already been sent.
func copyChunked(w http.ResponseWriter, r io.Reader, n int64) {
	written, _ := io.CopyBuffer(w, io.LimitReader(r, n), make([]byte, chunkSize))
	metrics.RangeServerBytesTotal.Add(float64(written))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// parseByteRange parses a single "bytes=start-end" range header against a
// known file size. It rejects multi-range requests and anything that
// doesn't resolve to exactly one well-formed byte range.
func parseByteRange(value string, size int64) (start, end int64, err error) {
	if size <= 0 {
		return 0, 0, errInvalidRange
	}

	value = strings.TrimSpace(value)
	lower := strings.ToLower(value)
	if !strings.HasPrefix(lower, "bytes=") {
		return 0, 0, errInvalidRange
	}

	spec := strings.TrimSpace(value[len("bytes="):])
	if spec == "" || strings.Contains(spec, ",") {
		return 0, 0, errInvalidRange
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errInvalidRange
	}
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])

	if startStr == "" {
		if endStr == "" {
			return 0, 0, errInvalidRange
		}
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix <= 0 {
			return 0, 0, errInvalidRange
		}
		if suffix > size {
			suffix = size
		}
		return size - suffix, size - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, errInvalidRange
	}

	if endStr == "" {
		return start, size - 1, nil
	}

	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, errInvalidRange
	}
	if end >= size {
		end = size - 1
	}
	return start, end, nil
}
