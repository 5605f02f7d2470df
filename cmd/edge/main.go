package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dance-edge/cdn/internal/cache"
	"github.com/dance-edge/cdn/internal/config"
	"github.com/dance-edge/cdn/internal/derivative"
	"github.com/dance-edge/cdn/internal/fetcher"
	"github.com/dance-edge/cdn/internal/metrics"
	"github.com/dance-edge/cdn/internal/middleware"
	"github.com/dance-edge/cdn/internal/rangeserve"
	"github.com/dance-edge/cdn/internal/receipt"
	"github.com/dance-edge/cdn/internal/router"
	"github.com/dance-edge/cdn/internal/sniforward"
	"github.com/dance-edge/cdn/internal/token"
	"github.com/dance-edge/cdn/internal/tracing"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	log.Info().
		Str("http_addr", cfg.HTTPAddr).
		Str("sni_addr", cfg.SNIAddr).
		Str("env", cfg.Environment).
		Msg("starting dance-video caching edge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "dance-edge-cdn", cfg.OTLPEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled: init failed")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer shutdownTracing(context.Background())

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	idx := cache.New(cfg.VideoRoot, cfg.OverrideRoot, cfg.CacheRoot)
	codec := token.New(cfg.TokenSecret, cfg.TokenValidSeconds)
	rangeSrv := rangeserve.New()
	fetch := fetcher.New(&http.Client{Timeout: 0})
	fetch.HostOverride = cfg.UpstreamHost
	fetch.UserAgentSuffix = " dance-edge-cdn"

	var derivCache *derivative.Cache
	if cfg.AudioOffsetSeconds != 0 {
		derivCache = derivative.New(cfg.CacheRoot, &derivative.FFmpegCompensator{BinaryPath: cfg.FFmpegPath})
	}

	rt := &router.Router{
		Index:              idx,
		Tokens:             codec,
		Range:              rangeSrv,
		Fetcher:            fetch,
		Derivative:         derivCache,
		UpstreamDomestic:   cfg.UpstreamDomestic,
		UpstreamOverseas:   cfg.UpstreamOverseas,
		AudioOffsetSeconds: cfg.AudioOffsetSeconds,
	}

	// The receipt facility has no HTTP surface of its own (see
	// internal/receipt's package doc); starting its backend here just owns
	// its lifecycle for whichever future caller is wired to it.
	closeReceipts, err := startReceiptBackend(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize receipt backend")
	}
	defer closeReceipts()

	mux := http.NewServeMux()
	mux.Handle("/", rt.Mux())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	handler := middleware.Recovery(middleware.Logging(tracing.Wrap(mux, "edge")))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // large-file streaming has no fixed upper bound
		IdleTimeout:  60 * time.Second,
	}

	sniRoutes := make([]sniforward.RouteSpec, 0, len(cfg.SniRoutes))
	for _, r := range cfg.SniRoutes {
		sniRoutes = append(sniRoutes, sniforward.RouteSpec{Host: r.Host, Backend: r.Backend})
	}
	sniFwd := sniforward.New(cfg.SNIAddr, sniRoutes)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpServer.Addr).Msg("http listener up")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.SNIAddr).Int("routes", len(sniRoutes)).Msg("sni forwarder up")
		return sniFwd.Serve(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("draining: shutting down http listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("edge exited with error")
		os.Exit(1)
	}

	log.Info().Msg("edge exited cleanly")
}

// startReceiptBackend selects the receipt.Backend implementation based on
// cfg.RedisURL: RedisStore for multi-process deployments, the in-memory
// Store (with its own sweep goroutine) otherwise. The returned func releases
// whatever the chosen backend holds open.
func startReceiptBackend(ctx context.Context, cfg *config.Config) (func(), error) {
	if cfg.RedisURL == "" {
		store := receipt.NewStore(cfg.MaxReceiptsPerSender, cfg.ReceiptTTL)
		store.Sweep(time.Minute)
		return store.Close, nil
	}

	store, err := receipt.NewRedisStore(ctx, cfg.RedisURL, cfg.MaxReceiptsPerSender, cfg.ReceiptTTL)
	if err != nil {
		return nil, fmt.Errorf("receipt redis backend: %w", err)
	}
	return func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("receipt redis backend: close failed")
		}
	}, nil
}
