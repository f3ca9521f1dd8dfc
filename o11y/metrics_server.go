package o11y

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// metricsServerShutdownTimeout is the grace period given to the metrics
// server to finish in-flight scrapes and health probes when Serve's context
// is cancelled.
const metricsServerShutdownTimeout = 10 * time.Second

// MetricsServer exposes the process's OTel-recorded metrics (see the
// metrics package) as a Prometheus text endpoint, plus a JSON health
// endpoint backed by a HealthRegistry, per the metrics surface design's
// single text-format export per pipeline process.
type MetricsServer struct {
	health *HealthRegistry
	logger *Logger

	mu  sync.RWMutex
	srv *http.Server
}

// NewMetricsServer installs a Prometheus exporter as the process's global
// OTel MeterProvider and returns a server ready to expose it. health may be
// nil, in which case /healthz always reports healthy.
func NewMetricsServer(health *HealthRegistry) (*MetricsServer, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if health == nil {
		health = NewHealthRegistry()
	}
	return &MetricsServer{health: health, logger: FromContext(context.Background()).With("component", "metrics_server")}, nil
}

// Serve listens on addr, serving /metrics (Prometheus text format) and
// /healthz (aggregated JSON health), until ctx is cancelled. When ctx is
// cancelled, Serve gives in-flight requests metricsServerShutdownTimeout to
// finish before returning ctx.Err(). When the server closes on its own
// (http.ErrServerClosed), Serve returns nil.
func (s *MetricsServer) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info(ctx, "metrics server listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsServerShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "metrics server shutdown error", "addr", addr, "error", err)
			return fmt.Errorf("o11y/metrics_server: shutdown error: %w", err)
		}
		s.logger.Info(context.Background(), "metrics server stopped", "addr", addr)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		s.logger.Error(ctx, "metrics server exited", "addr", addr, "error", err)
		return fmt.Errorf("o11y/metrics_server: %w", err)
	}
}

// Shutdown gracefully shuts down the server started by the most recent call
// to Serve. If Serve has not been called yet, Shutdown is a no-op.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("o11y/metrics_server: shutdown error: %w", err)
	}
	return nil
}

func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	results := s.health.CheckAll(r.Context())

	status := Healthy
	for _, res := range results {
		if res.Status == Unhealthy {
			status = Unhealthy
			break
		}
		if res.Status == Degraded && status == Healthy {
			status = Degraded
		}
	}

	totalQueueDepth, totalActiveCancellations := s.health.PipelineSummary(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status == Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":              status,
		"components":          results,
		"total_queue_depth":   totalQueueDepth,
		"total_cancellations": totalActiveCancellations,
	})
}
