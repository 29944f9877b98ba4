package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/FACorreiaa/grocery-tracker/pkg/interceptors"
)

// NewRouter builds the HTTP surface. Everything under /api/v1 requires a
// bearer token.
func NewRouter(d *Dependencies) http.Handler {
	httpMetrics := interceptors.NewHTTPMetrics(d.Registry)
	limiter := interceptors.NewRateLimiter(d.Config.Server.RateLimitPerSecond, d.Config.Server.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   d.Config.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	r.Use(httpMetrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.DB != nil {
			if err := d.DB.Pool.Ping(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(interceptors.Auth(d.TokenManager, d.Logger))
		r.Use(limiter.Middleware)
		r.Mount("/products", d.GroupingHandler.Routes())
	})

	return r
}

// Serve runs the API server and, when enabled, the metrics listener until ctx
// is cancelled, then drains both.
func Serve(ctx context.Context, d *Dependencies) error {
	srv := &http.Server{
		Addr:              d.Config.Server.Addr(),
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	servers := []*http.Server{srv}
	if d.Config.Observability.MetricsEnabled {
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", d.Config.Observability.MetricsPort),
			Handler:           promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{Registry: d.Registry}),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	if err := d.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			d.Logger.Info("listening", slog.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", s.Addr, err)
			}
		}(s)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		d.Logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		d.Logger.Error("server failed", slog.Any("error", serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.Config.Server.ShutdownTimeout)
	defer cancel()

	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			d.Logger.Error("server shutdown failed", slog.String("addr", s.Addr), slog.Any("error", err))
		}
	}

	select {
	case <-d.Scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		d.Logger.Warn("scheduler did not stop before the shutdown deadline")
	}

	return serveErr
}
