// Package buffered implements the Buffered Processor wrapper: batching for
// nodes declared non-parallelizable and batch-aware, per the pipeline's
// BufferingPolicy and merge-strategy contract.
package buffered

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/data"
	"github.com/remotemedia/executor/node"
)

// MergeKind discriminates the BufferingPolicy.merge_strategy union.
type MergeKind int

const (
	MergeConcatenateText MergeKind = iota + 1
	MergeConcatenateAudio
	MergeKeepSeparate
	MergeCustom
)

// CustomMergeFunc is a runtime-only merge function; it is never serialized
// across a process boundary.
type CustomMergeFunc func(batch []data.Item) (data.Item, error)

// RunnableMerge adapts a core.Runnable into a CustomMergeFunc, so a merge
// strategy can be assembled from core.Pipe/core.Parallel composition (e.g. a
// resample step chained into a concatenation step) instead of a bespoke
// function. r.Invoke receives the batch as its input and must return a
// single data.Item.
func RunnableMerge(r core.Runnable) CustomMergeFunc {
	return func(batch []data.Item) (data.Item, error) {
		out, err := r.Invoke(context.Background(), batch)
		if err != nil {
			return data.Item{}, err
		}
		item, ok := out.(data.Item)
		if !ok {
			return data.Item{}, core.NewError("buffered.runnable_merge", core.KindNodeExecutionError, "runnable merge must return a data.Item", nil)
		}
		return item, nil
	}
}

// MergeStrategy selects and parameterizes one merge behavior.
type MergeStrategy struct {
	Kind MergeKind

	// Used by MergeConcatenateText.
	Separator string

	// Used by MergeConcatenateAudio.
	RequireContinuity bool
	MaxGapMs          int64

	// Used by MergeCustom.
	Custom CustomMergeFunc
}

// Policy is the BufferingPolicy governing one buffered node.
type Policy struct {
	MinBatchSize  int
	MaxWaitUs     int64
	MaxBufferSize int
	Merge         MergeStrategy
}

// mergeOverflowWatermark is the fraction of MaxBufferSize at which a
// MergeOnOverflow-policy wrapper collapses its queue immediately instead of
// waiting for the flush timer.
const mergeOverflowWatermark = 0.8

// Processor wraps an inner node with input batching. It transparently
// implements node.Node: callers Init/Process/Cleanup it exactly like any
// other node.
type Processor struct {
	inner  node.Node
	policy Policy

	overflowPolicy node.OverflowPolicy

	mu          sync.Mutex
	queue       []data.Item
	firstQueued time.Time
}

// New wraps inner with the given BufferingPolicy and the containing node
// slot's overflow policy (consulted only for MergeOnOverflow watermark
// behavior).
func New(inner node.Node, policy Policy, overflowPolicy node.OverflowPolicy) *Processor {
	return &Processor{
		inner:          inner,
		policy:         policy,
		overflowPolicy: overflowPolicy,
	}
}

// Init delegates to the inner node.
func (p *Processor) Init(ctx context.Context) error {
	return p.inner.Init(ctx)
}

// Cleanup delegates to the inner node.
func (p *Processor) Cleanup(ctx context.Context) error {
	return p.inner.Cleanup(ctx)
}

// Process accepts one RuntimeData item under the "item" port, buffers it,
// and flushes when a flush condition fires. Only the invocation that
// triggers a flush returns outputs: the inner node's outputs, or, under
// KeepSeparate, the wrapped batch under the "batch" port without invoking
// the inner node. Other invocations return an empty Ports with no error, having merely
// accepted the item into the buffer.
func (p *Processor) Process(ctx context.Context, inputs node.Ports) (node.Ports, error) {
	item, ok := inputs["item"]
	if !ok {
		return nil, core.NewError("buffered.process", core.KindNodeExecutionError, "missing required 'item' port input", nil)
	}

	batch, flush := p.enqueue(item)
	if !flush {
		return node.Ports{}, nil
	}
	return p.flush(ctx, batch)
}

// enqueue appends item to the buffer and reports whether a flush condition
// now holds: min_batch_size reached, max_buffer_size hard cap reached, or
// (checked by the caller's background timer, not here) max_wait_us expiry.
func (p *Processor) enqueue(item data.Item) ([]data.Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		p.firstQueued = time.Now()
	}
	p.queue = append(p.queue, item)

	watermark := int(float64(p.policy.MaxBufferSize) * mergeOverflowWatermark)
	mergeOnOverflow := p.overflowPolicy == node.OverflowMergeOnOverflow && len(p.queue) >= watermark

	if len(p.queue) >= p.policy.MaxBufferSize || len(p.queue) >= p.policy.MinBatchSize || mergeOnOverflow {
		batch := p.queue
		p.queue = nil
		return batch, true
	}
	return nil, false
}

// CheckTimeout is called by the scheduler's per-node ticking to enforce
// max_wait_us: "a timer started on the first queued input since the last
// flush expires at max_wait_us". If the timer has expired and the queue is
// non-empty, it returns the batch to flush.
func (p *Processor) CheckTimeout(now time.Time) ([]data.Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil, false
	}
	elapsed := now.Sub(p.firstQueued)
	if elapsed.Microseconds() < p.policy.MaxWaitUs {
		return nil, false
	}
	batch := p.queue
	p.queue = nil
	return batch, true
}

// ProcessTimeout checks the max_wait_us timer and, if it has expired on a
// non-empty buffer, flushes the same way a triggering Process call would.
// The scheduler calls this periodically so a node that never receives
// enough input to reach min_batch_size still flushes on schedule. ok is
// false when no flush occurred.
func (p *Processor) ProcessTimeout(ctx context.Context, now time.Time) (node.Ports, bool, error) {
	batch, flush := p.CheckTimeout(now)
	if !flush {
		return nil, false, nil
	}
	out, err := p.flush(ctx, batch)
	return out, true, err
}

// ForceFlush flushes the buffer immediately regardless of min_batch_size or
// the max_wait_us timer. The scheduler calls this once per buffered node
// during shutdown, after its goroutines have stopped and before Cleanup, so
// a partially filled batch that never reached min_batch_size or its
// max_wait_us deadline is still routed downstream instead of silently
// discarded.
func (p *Processor) ForceFlush(ctx context.Context) (node.Ports, bool, error) {
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return nil, false, nil
	}
	out, err := p.flush(ctx, batch)
	return out, true, err
}

func (p *Processor) flush(ctx context.Context, batch []data.Item) (node.Ports, error) {
	merged, err := Merge(p.policy.Merge, batch)
	if err != nil {
		return nil, err
	}

	if p.policy.Merge.Kind == MergeKeepSeparate {
		return node.Ports{"batch": merged}, nil
	}

	return p.inner.Process(ctx, node.Ports{"item": merged})
}

// Merge applies strategy to an arrival-ordered batch, producing a single
// logical RuntimeData item (except KeepSeparate, whose contract forwards
// the batch wrapped as a lazy sequence rather than merging).
func Merge(strategy MergeStrategy, batch []data.Item) (data.Item, error) {
	if len(batch) == 0 {
		return data.Item{}, core.NewError("buffered.merge", core.KindNodeExecutionError, "empty batch", nil)
	}

	switch strategy.Kind {
	case MergeConcatenateText:
		return mergeConcatenateText(strategy, batch)
	case MergeConcatenateAudio:
		return mergeConcatenateAudio(strategy, batch)
	case MergeKeepSeparate:
		return wrapAsSequence(batch), nil
	case MergeCustom:
		if strategy.Custom == nil {
			return data.Item{}, core.NewError("buffered.merge", core.KindNodeExecutionError, "custom merge strategy has no function", nil)
		}
		return strategy.Custom(batch)
	default:
		return data.Item{}, core.NewError("buffered.merge", core.KindNodeExecutionError, "unknown merge strategy", nil)
	}
}

func mergeConcatenateText(strategy MergeStrategy, batch []data.Item) (data.Item, error) {
	parts := make([]string, 0, len(batch))
	var sessionID string
	for _, item := range batch {
		if item.Text == nil {
			continue // discard non-text fields per the merge rule
		}
		sessionID = item.SessionID
		parts = append(parts, item.Text.Text)
	}
	merged := data.NewText(sessionID, strings.Join(parts, strategy.Separator))
	merged = merged.WithArrivalTimestamp(firstArrival(batch))
	return merged, nil
}

func mergeConcatenateAudio(strategy MergeStrategy, batch []data.Item) (data.Item, error) {
	var sessionID string
	var sampleRate, channels int
	var format data.SampleFormat
	var samples []byte
	totalSamples := 0

	var lastEndArrivalUs int64
	first := true

	for _, item := range batch {
		if item.Audio == nil {
			continue
		}
		if first {
			sessionID = item.SessionID
			sampleRate = item.Audio.SampleRateHz
			channels = item.Audio.Channels
			format = item.Audio.Format
		} else if strategy.RequireContinuity {
			if item.Audio.SampleRateHz != sampleRate || item.Audio.Channels != channels {
				return data.Item{}, core.NewError("buffered.merge_audio", core.KindNodeExecutionError,
					"sample rate or channel count mismatch across batch", nil)
			}
			if item.HasArrivalTimestamp {
				gapMs := (item.ArrivalTimestampUs - lastEndArrivalUs) / 1000
				if gapMs > strategy.MaxGapMs {
					break // gap exceeds max_gap_ms: stop this batch, caller starts a new one
				}
			}
		}

		samples = append(samples, item.Audio.Samples...)
		totalSamples += item.Audio.SampleCount
		if item.HasArrivalTimestamp && sampleRate > 0 {
			lastEndArrivalUs = item.ArrivalTimestampUs + int64(item.Audio.SampleCount)*1_000_000/int64(sampleRate)
		}
		first = false
	}

	merged := data.NewAudio(sessionID, data.AudioPayload{
		SampleRateHz: sampleRate,
		Channels:     channels,
		Format:       format,
		SampleCount:  totalSamples,
		Samples:      samples,
	})
	merged = merged.WithArrivalTimestamp(firstArrival(batch))
	return merged, nil
}

// wrapAsSequence represents KeepSeparate as one JSON item whose value is
// the whole batch slice, under the first item's session id; the node
// contract that accepts lazy sequences reads the batch back out rather than
// a merged payload.
func wrapAsSequence(batch []data.Item) data.Item {
	return data.NewJSON(batch[0].SessionID, batch)
}

func firstArrival(batch []data.Item) int64 {
	for _, item := range batch {
		if item.HasArrivalTimestamp {
			return item.ArrivalTimestampUs
		}
	}
	return 0
}
