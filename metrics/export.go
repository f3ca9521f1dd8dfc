package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meter is the package-level OTel meter; a Prometheus exporter is wired to
// its MeterProvider by the caller (see o11y.NewMetricsServer), giving a
// single text-format surface per pipeline as required by the metrics
// surface design.
var meter = otel.Meter("github.com/remotemedia/executor/metrics")

var (
	nodeLatencyUs      metric.Int64Gauge
	nodeQueueDepth     metric.Int64Gauge
	nodeBatchSizeAvg   metric.Float64Gauge
	nodeSpecAcceptance metric.Float64Gauge

	streamLeadUs       metric.Float64Gauge
	streamDriftSlope   metric.Float64Gauge
	streamAVSkewUs     metric.Float64Gauge
	streamCadenceUs    metric.Int64Gauge
	streamCadenceCV    metric.Float64Gauge
	streamFreezeUs     metric.Int64Gauge
	streamHealthScore  metric.Float64Gauge
	streamAlertBit     metric.Int64Gauge
	streamTotalSamples metric.Int64Gauge

	instrumentsOnce sync.Once
	instrumentsErr  error
)

func initInstruments() error {
	instrumentsOnce.Do(func() {
		var err error
		nodeLatencyUs, err = meter.Int64Gauge("node_latency_us", metric.WithDescription("Per-node process latency"), metric.WithUnit("us"))
		if err != nil {
			instrumentsErr = err
			return
		}
		nodeQueueDepth, err = meter.Int64Gauge("node_queue_depth", metric.WithDescription("Current per-node input queue depth"))
		if err != nil {
			instrumentsErr = err
			return
		}
		nodeBatchSizeAvg, err = meter.Float64Gauge("node_batch_size_avg", metric.WithDescription("EMA-smoothed batch size"))
		if err != nil {
			instrumentsErr = err
			return
		}
		nodeSpecAcceptance, err = meter.Float64Gauge("node_speculation_acceptance_rate", metric.WithDescription("Fraction of speculative forwards later confirmed"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamLeadUs, err = meter.Float64Gauge("stream_lead_us", metric.WithDescription("Arrival-vs-media lead"), metric.WithUnit("us"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamDriftSlope, err = meter.Float64Gauge("stream_drift_slope_us_per_s", metric.WithDescription("Lead regression slope"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamAVSkewUs, err = meter.Float64Gauge("stream_av_skew_us", metric.WithDescription("Video-minus-audio media timestamp skew"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamCadenceUs, err = meter.Int64Gauge("stream_cadence_p_us", metric.WithDescription("Cadence mean, repeated under each quantile label"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamCadenceCV, err = meter.Float64Gauge("stream_cadence_cv", metric.WithDescription("Coefficient of variation of cadence"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamFreezeUs, err = meter.Int64Gauge("stream_freeze_duration_us", metric.WithDescription("Cumulative frozen-frame duration"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamHealthScore, err = meter.Float64Gauge("stream_health_score", metric.WithDescription("Composite stream health score in [0,1]"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamAlertBit, err = meter.Int64Gauge("stream_alert_bits", metric.WithDescription("Active alert bitfield"))
		if err != nil {
			instrumentsErr = err
			return
		}
		streamTotalSamples, err = meter.Int64Gauge("stream_total_samples", metric.WithDescription("Total samples observed by the drift tracker"))
		if err != nil {
			instrumentsErr = err
		}
	})
	return instrumentsErr
}

// ExportNode publishes one node's latency/queue/batch/speculation metrics
// under the node_id and window labels named in the metrics surface design.
func ExportNode(ctx context.Context, m *LatencyMetrics) {
	if err := initInstruments(); err != nil {
		return
	}
	nodeAttr := attribute.String("node_id", m.NodeID)

	for _, window := range []string{"1m", "5m", "15m"} {
		for _, q := range []float64{0.5, 0.95, 0.99} {
			nodeLatencyUs.Record(ctx, m.Percentile(window, q),
				metric.WithAttributes(nodeAttr,
					attribute.String("window", window),
					attribute.Float64("quantile", q)))
		}
	}
	nodeQueueDepth.Record(ctx, m.QueueDepth(), metric.WithAttributes(nodeAttr))
	nodeBatchSizeAvg.Record(ctx, m.AvgBatchSize(), metric.WithAttributes(nodeAttr))
	nodeSpecAcceptance.Record(ctx, m.SpeculationAcceptanceRate(), metric.WithAttributes(nodeAttr))
}

// ExportStream publishes one stream's drift-tracker snapshot under the
// stream_id label.
func ExportStream(ctx context.Context, streamID string, snap Snapshot) {
	if err := initInstruments(); err != nil {
		return
	}
	streamAttr := attribute.String("stream_id", streamID)

	streamLeadUs.Record(ctx, snap.LeadUs, metric.WithAttributes(streamAttr))
	streamDriftSlope.Record(ctx, snap.DriftSlopeUsPerS, metric.WithAttributes(streamAttr))
	streamAVSkewUs.Record(ctx, snap.AVSkewUs, metric.WithAttributes(streamAttr))
	// No cadence percentiles are tracked: the cadence mean is recorded under
	// each quantile label.
	for _, q := range []float64{0.5, 0.95, 0.99} {
		streamCadenceUs.Record(ctx, int64(snap.CadenceMeanUs),
			metric.WithAttributes(streamAttr, attribute.Float64("quantile", q)))
	}
	streamCadenceCV.Record(ctx, snap.CadenceCV, metric.WithAttributes(streamAttr))
	streamFreezeUs.Record(ctx, snap.FreezeDurationUs, metric.WithAttributes(streamAttr))
	streamHealthScore.Record(ctx, snap.HealthScore, metric.WithAttributes(streamAttr))
	streamAlertBit.Record(ctx, int64(snap.Alerts), metric.WithAttributes(streamAttr))
	streamTotalSamples.Record(ctx, snap.TotalSamples, metric.WithAttributes(streamAttr))
}
