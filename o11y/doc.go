// Package o11y provides the executor's observability primitives:
// structured logging via slog, health checks, and a Prometheus metrics
// endpoint.
//
// # Logging
//
// [Logger] wraps slog.Logger with context-aware convenience methods and
// functional options for configuration:
//
//	logger := o11y.NewLogger(
//	    o11y.WithLogLevel("debug"),
//	    o11y.WithJSON(),
//	)
//	logger.Info(ctx, "node invoked",
//	    "node_id", "tts-1",
//	    "session_id", sessionID,
//	)
//
// Loggers propagate through context via [WithLogger] and [FromContext].
//
// # Health Checks
//
// The [HealthChecker] interface provides health probes for components.
// [HealthRegistry] aggregates named checkers and runs them concurrently
// via [HealthRegistry.CheckAll]:
//
//	registry := o11y.NewHealthRegistry()
//	registry.Register("tts-1", breakerChecker)
//	results := registry.CheckAll(ctx)
//
// [HealthCheckerFunc] adapts plain functions to the HealthChecker interface.
//
// # Metrics Server
//
// [NewMetricsServer] configures the process-wide OTel meter provider with a
// Prometheus exporter and serves it, along with an aggregated /healthz
// endpoint backed by a [HealthRegistry], over HTTP:
//
//	srv, err := o11y.NewMetricsServer(scheduler.Health())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Serve(ctx, ":9090")
package o11y
