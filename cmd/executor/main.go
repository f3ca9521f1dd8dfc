// Command executor runs one pipeline session end to end: it registers a
// small set of demo node types, builds a scheduler from a manifest, serves
// the Prometheus metrics and health endpoints, and drives the pipeline
// until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/node"
	"github.com/remotemedia/executor/o11y"
	"github.com/remotemedia/executor/pipeline/manifest"
	"github.com/remotemedia/executor/scheduler"
)

func main() {
	logger := o11y.NewLogger(o11y.WithJSON())
	ctx := o11y.WithLogger(context.Background(), logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info(ctx, "shutdown signal received")
		cancel()
	}()

	registry := node.GetRegistry()
	registerDemoNodes(registry)

	m := manifest.Manifest{
		Version: "1",
		Nodes: []manifest.NodeEntry{
			{ID: "source", NodeType: "demo.clock_source"},
			{ID: "sink", NodeType: "demo.log_sink"},
		},
		Edges: []manifest.EdgeEntry{{From: "source", To: "sink"}},
		Config: manifest.Config{
			RetryPolicyMaxAttempts:  3,
			CircuitBreakerThreshold: 5,
			EnableMetrics:           true,
			MetricsPort:             9090,
		},
	}

	sched, err := scheduler.Build("session-1", m, registry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build failed:", err)
		os.Exit(1)
	}

	metricsSrv, err := o11y.NewMetricsServer(sched.Health())
	if err != nil {
		fmt.Fprintln(os.Stderr, "metrics server init failed:", err)
		os.Exit(1)
	}
	go func() {
		addr := fmt.Sprintf(":%d", m.Config.MetricsPort)
		if err := metricsSrv.Serve(ctx, addr); err != nil && ctx.Err() == nil {
			logger.Error(ctx, "metrics server exited", "error", err)
		}
	}()

	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "run failed:", err)
		os.Exit(1)
	}
}

// registerDemoNodes registers the small source/sink pair this binary runs
// by default; a real deployment registers its actual node types here
// instead (or in an init() of an imported provider package, following the
// registry pattern used throughout the node-type ecosystem).
func registerDemoNodes(registry *node.Registry) {
	registry.Register("demo.clock_source", node.Capabilities{}, func(c node.Capabilities) (node.Node, error) {
		return &clockSourceNode{}, nil
	})
	registry.Register("demo.log_sink", node.Capabilities{}, func(c node.Capabilities) (node.Node, error) {
		return &logSinkNode{logger: slog.Default()}, nil
	})
}

// clockSourceNode emits one text item per tick, pacing itself by sleeping
// inside Process per the scheduler's source-node contract.
type clockSourceNode struct{}

func (n *clockSourceNode) Init(ctx context.Context) error    { return nil }
func (n *clockSourceNode) Cleanup(ctx context.Context) error { return nil }
func (n *clockSourceNode) Process(ctx context.Context, in node.Ports) (node.Ports, error) {
	select {
	case <-time.After(time.Second):
	case <-ctx.Done():
		return node.Ports{}, ctx.Err()
	}
	item := data.NewText("session-1", time.Now().UTC().Format(time.RFC3339))
	return node.Ports{"item": item}, nil
}

// logSinkNode logs every item it receives.
type logSinkNode struct {
	logger *slog.Logger
}

func (n *logSinkNode) Init(ctx context.Context) error    { return nil }
func (n *logSinkNode) Cleanup(ctx context.Context) error { return nil }
func (n *logSinkNode) Process(ctx context.Context, in node.Ports) (node.Ports, error) {
	item, ok := in["item"]
	if !ok {
		return node.Ports{}, nil
	}
	n.logger.Info("item received", "text", item.Text.Text)
	return node.Ports{}, nil
}
