// Package derivative produces and caches audio-offset-compensated video
// derivatives, deduplicating concurrent requests for the same underlying
// transform.
package derivative

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dance-edge/cdn/internal/cache"
	"github.com/dance-edge/cdn/internal/metrics"
)

// Compensator is the ffmpeg contract: given an input file and an audio
// offset in seconds, produce outputPath deterministically. The two-phase
// decode/resample/encode pipeline itself is an opaque external collaborator
// — only this contract is specified.
type Compensator interface {
	Compensate(ctx context.Context, inputPath, outputPath string, offsetSeconds float64) error
}

// ErrInFlight is returned immediately when a duplicate (id, offset, md5,
// input) submission arrives while a worker is already transforming that
// exact tuple. Unlike golang.org/x/sync/singleflight, callers of this
// package never wait and share the first caller's result — they are
// expected to fall back to serving the uncompensated original.
var ErrInFlight = errors.New("derivative: transform already in flight for this tuple")

type tuple struct {
	id            uint32
	offsetSeconds float64
	md5           cache.Checksum
	inputPath     string
}

// Cache deduplicates and serves compensated derivative files.
type Cache struct {
	root        string
	compensator Compensator

	mu       sync.Mutex
	inFlight map[tuple]struct{}
}

// New creates a Cache rooted at root, using compensator to perform the
// actual transform.
func New(root string, compensator Compensator) *Cache {
	return &Cache{root: root, compensator: compensator, inFlight: make(map[tuple]struct{})}
}

// Path computes the deterministic derivative file path for a tuple, per
// spec.md §4.6: {cache_root}/{id}-{md5}-audio-offset-{offset}.mp4.
func (c *Cache) Path(id uint32, md5 cache.Checksum, offsetSeconds float64) string {
	return filepath.Join(c.root, fmt.Sprintf("%d-%s-audio-offset-%g.mp4", id, md5, offsetSeconds))
}

// Resolve returns the path to a ready derivative for (id, md5, offset),
// computing it if necessary. If the tuple is already being computed by
// another caller, it returns ErrInFlight immediately — the caller is
// expected to fall back to serving the un-compensated original.
func (c *Cache) Resolve(ctx context.Context, id uint32, inputPath string, md5 cache.Checksum, offsetSeconds float64) (string, error) {
	outputPath := c.Path(id, md5, offsetSeconds)

	if _, err := os.Stat(outputPath); err == nil {
		return outputPath, nil
	}

	key := tuple{id: id, offsetSeconds: offsetSeconds, md5: md5, inputPath: inputPath}

	c.mu.Lock()
	if _, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		metrics.DerivativeJobsTotal.WithLabelValues("deduped").Inc()
		return "", ErrInFlight
	}
	c.inFlight[key] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
	}()

	metrics.DerivativeJobsTotal.WithLabelValues("started").Inc()
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		metrics.DerivativeJobsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("derivative: create cache root: %w", err)
	}

	start := time.Now()
	err := c.compensator.Compensate(ctx, inputPath, outputPath, offsetSeconds)
	metrics.DerivativeJobDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DerivativeJobsTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Uint32("id", id).Float64("offset", offsetSeconds).Msg("derivative: ffmpeg compensation failed, falling back to original")
		os.Remove(outputPath) // best-effort, partial output if any
		return "", fmt.Errorf("derivative: compensate: %w", err)
	}

	metrics.DerivativeJobsTotal.WithLabelValues("succeeded").Inc()
	return outputPath, nil
}
