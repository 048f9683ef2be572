package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/developingchet/geogate/internal/clientip"
	"github.com/developingchet/geogate/internal/config"
	"github.com/developingchet/geogate/internal/links"
	"github.com/developingchet/geogate/internal/notify"
	"github.com/developingchet/geogate/internal/pool"
	"github.com/developingchet/geogate/internal/ratelimit"
	"github.com/developingchet/geogate/internal/storage"
	"github.com/developingchet/geogate/internal/token"
	"github.com/developingchet/geogate/internal/tracker"
	"github.com/developingchet/geogate/internal/verify"
)

// Version is set at startup from the -X main.Version ldflags value.
var Version = "dev"

// Server wires the link store, verification pipeline, notifier, janitor and
// HTTP listeners together.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	backend  ratelimit.Backend
	links    *links.Service
	tracker  *tracker.Tracker
	verifier *verify.Service
	notifier *notify.Notifier // nil when no webhook is configured
	resolver *clientip.Resolver
	throttle *rate.Limiter // nil when HTTP_RATE_LIMIT=0
	janitor  *Janitor
	router   http.Handler
	log      zerolog.Logger
}

// New constructs a fully wired Server. backend holds the verification rate
// limit counters; store holds everything else.
func New(cfg *config.Config, store storage.Store, backend ratelimit.Backend, log zerolog.Logger) (*Server, error) {
	codec, err := token.NewCodec([]byte(cfg.SigningKey))
	if err != nil {
		return nil, fmt.Errorf("create token codec: %w", err)
	}

	trusted, err := clientip.ParseTrusted(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}

	var observers []verify.Observer
	var notifier *notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		notifier, err = notify.New(notify.Config{
			WebhookURL: cfg.NotifyWebhookURL,
			On:         cfg.NotifyOn,
			Timeout:    cfg.NotifyTimeout,
			Version:    Version,
		}, pool.Config{
			Workers:    cfg.PoolWorkers,
			QueueDepth: cfg.PoolQueueDepth,
			MaxRetries: cfg.PoolMaxRetries,
			RetryBase:  cfg.PoolRetryBase,
			MaxBackoff: cfg.PoolMaxBackoff,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("create notifier: %w", err)
		}
		observers = append(observers, notifier)
	}

	tr := tracker.New(store)
	verifier := verify.New(verify.Config{
		MaxAttempts: cfg.RateLimitMaxAttempts,
		Window:      cfg.RateLimitWindow,
	}, codec, ratelimit.New(backend), tr, log.With().Str("component", "verify").Logger(), observers...)

	s := &Server{
		cfg:      cfg,
		store:    store,
		backend:  backend,
		links:    links.New(store, codec),
		tracker:  tr,
		verifier: verifier,
		notifier: notifier,
		resolver: clientip.NewResolver(trusted),
		log:      log,
	}
	if cfg.HTTPRateLimit > 0 {
		s.throttle = rate.NewLimiter(rate.Limit(cfg.HTTPRateLimit), cfg.HTTPRateBurst)
	}

	var queue Queue
	if notifier != nil {
		queue = notifier
	}
	s.janitor = NewJanitor(store, queue, cfg.JanitorInterval, cfg.RateLimitWindow, log.With().Str("component", "janitor").Logger())
	s.router = s.routes()
	return s, nil
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.notifier != nil {
		s.notifier.Start(gctx)
	}

	g.Go(func() error {
		return s.serveAPI(gctx)
	})

	// Prometheus metrics server
	if s.cfg.MetricsEnabled {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	// Health endpoints
	g.Go(func() error {
		return s.serveHealth(gctx)
	})

	g.Go(func() error {
		return s.janitor.Run(gctx)
	})

	err := g.Wait()
	if s.notifier != nil {
		s.notifier.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// serveAPI runs the public and admin API, draining in-flight requests on shutdown.
func (s *Server) serveAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn().Err(err).Msg("API server shutdown incomplete")
		}
	}()

	s.log.Info().Str("addr", s.cfg.ListenAddr).Str("base_url", s.cfg.BaseURL).Msg("API server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server: %w", err)
	}
	return nil
}

// serveMetrics runs the Prometheus HTTP server.
func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// serveHealth runs the health endpoint.
func (s *Server) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HealthAddr,
		Handler:           s.healthHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	s.log.Info().Str("addr", s.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if p, ok := s.backend.(ratelimit.Pinger); ok {
			if err := p.Ping(r.Context()); err != nil {
				http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}
