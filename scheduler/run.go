package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/remotemedia/executor/control"
	"github.com/remotemedia/executor/core"
	"github.com/remotemedia/executor/node"
	"github.com/remotemedia/executor/resilience"
)

// bufferedPollInterval is how often Run checks a buffered node's
// max_wait_us timer. It is well under any realistic max_wait_us so the
// timeout fires close to its configured deadline rather than one poll tick
// late.
const bufferedPollInterval = 10 * time.Millisecond

// Run drives every node in one cooperative goroutine per node until ctx is
// cancelled; source nodes finishing does not end it. It then closes every
// input queue, waits for the node goroutines to exit, force-flushes each
// Buffered Processor and calls every node's Cleanup in topological order.
// Items still queued when ctx is cancelled are not processed. It blocks
// until shutdown is complete and returns the first Cleanup error, if any,
// otherwise ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	inDegree := make(map[string]int)
	for _, id := range s.order {
		inDegree[id] = 0
	}
	for _, rt := range s.nodes {
		for _, e := range rt.outEdges {
			inDegree[e.toNode]++
		}
	}

	var wg sync.WaitGroup
	for _, id := range s.order {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.runNode(ctx, s.nodes[id], inDegree[id] == 0)
		}(id)

		if s.nodes[id].bufferedProc != nil {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.pollBufferedTimeout(ctx, s.nodes[id])
			}(id)
		}
	}

	<-ctx.Done()
	s.logger.Info(context.Background(), "scheduler shutting down", "session_id", s.sessionID)
	close(s.stop)
	for _, id := range s.order {
		s.nodes[id].queue.Close()
	}
	wg.Wait()

	var cleanupErr error
	for _, id := range s.order {
		rt := s.nodes[id]
		if rt.bufferedProc != nil {
			if out, flushed, err := rt.bufferedProc.ForceFlush(context.Background()); err != nil {
				s.logger.Error(context.Background(), "shutdown force-flush failed", "node_id", id, "error", err)
			} else if flushed {
				s.route(context.Background(), rt, out)
			}
		}
		if err := rt.inst.Cleanup(context.Background()); err != nil {
			s.logger.Error(context.Background(), "node cleanup failed", "node_id", id, "error", err)
			if cleanupErr == nil {
				cleanupErr = err
			}
		}
	}
	if cleanupErr != nil {
		return cleanupErr
	}
	return ctx.Err()
}

func (s *Scheduler) runNode(ctx context.Context, rt *nodeRuntime, isSource bool) {
	if err := rt.inst.Init(ctx); err != nil {
		s.logger.Error(ctx, "node init failed", "node_id", rt.id, "error", err)
		return
	}

	for {
		s.drainControl(ctx, rt)

		var input node.Ports
		if isSource {
			// A source node (in-degree 0) is called with no input on every
			// iteration; it is expected to pace itself by blocking inside
			// Process (e.g. on a device read or socket recv) rather than
			// returning immediately, since nothing here throttles the loop.
			select {
			case <-ctx.Done():
				return
			default:
			}
			input = node.Ports{}
		} else {
			item, ok := rt.queue.Pop(ctx)
			if !ok {
				return
			}
			// Control that arrived while Pop was blocked still goes first.
			s.drainControl(ctx, rt)
			if rt.isCancelled(item.ArrivalTimestampUs, item.HasArrivalTimestamp) {
				continue
			}
			input = node.Ports{"item": item}
		}

		outputs, err := s.invoke(ctx, rt, input)
		if err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				s.logger.Warn(ctx, "invocation rejected, circuit open", "node_id", rt.id)
			} else {
				s.logger.Error(ctx, "node invocation failed", "node_id", rt.id, "error", err)
			}
			continue // a failed invocation drops this input; the node's own circuit breaker/retry already ran
		}
		s.route(ctx, rt, outputs)

		if isSource {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}
}

// pollBufferedTimeout periodically checks rt's Buffered Processor for an
// expired max_wait_us timer and routes whatever it flushes, so a node that
// never accumulates min_batch_size still emits on schedule. It exits when
// ctx is done.
func (s *Scheduler) pollBufferedTimeout(ctx context.Context, rt *nodeRuntime) {
	ticker := time.NewTicker(bufferedPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			out, flushed, err := rt.bufferedProc.ProcessTimeout(ctx, now)
			if err != nil || !flushed {
				continue
			}
			s.route(ctx, rt, out)
		}
	}
}

// drainControl delivers every control message currently queued for rt's
// node before the next Process call, per the priority-over-data contract.
// CancelSpeculation messages are recorded for invocation-dropping
// regardless of whether the node implements control handling; other
// messages are also forwarded to the node if it implements
// node.ControlMessageHandler.
func (s *Scheduler) drainControl(ctx context.Context, rt *nodeRuntime) {
	if rt.controlIn == nil {
		return
	}
	for {
		select {
		case msg := <-rt.controlIn.Receive():
			if msg.Type == control.TypeCancelSpeculation {
				rt.addCancellation(msg.CancelFromUs, msg.CancelToUs)
			}
			if handler, ok := rt.inst.(node.ControlMessageHandler); ok {
				_ = handler.ProcessControlMessage(ctx, msg)
			}
			// A message delivered along this edge is also forwarded to
			// every downstream edge, per the control plane's
			// breadth-first propagation scope.
			_ = s.broadcaster.Publish(rt.id, msg)
		default:
			return
		}
	}
}

// invoke runs the node's Process call guarded by its circuit breaker and
// retry policy, recovering a panic as a NodeExecutionError per the
// contract that a node must never panic the pipeline.
func (s *Scheduler) invoke(ctx context.Context, rt *nodeRuntime, input node.Ports) (outputs node.Ports, err error) {
	if s.hooks.BeforeInvoke != nil {
		if err := s.hooks.BeforeInvoke(ctx, rt.id, input); err != nil {
			return nil, err
		}
	}

	result, breakerErr := rt.breaker.Execute(ctx, func(ctx context.Context) (result any, errOut error) {
		return resilience.Retry(ctx, rt.retryPolicy, func(ctx context.Context) (out node.Ports, errOut error) {
			defer func() {
				if r := recover(); r != nil {
					errOut = node.ClassifyPanic(rt.id, r)
				}
			}()
			out, errOut = rt.inst.Process(ctx, input)
			if errOut != nil {
				if e, ok := core.AsError(errOut); ok {
					errOut = e.WithNode(rt.id)
				}
			}
			return out, errOut
		})
	})
	if breakerErr != nil {
		if errors.Is(breakerErr, resilience.ErrCircuitOpen) {
			breakerErr = core.NewError("scheduler.invoke", core.KindCircuitBreakerTripped,
				"circuit breaker open, invocation short-circuited", breakerErr).WithNode(rt.id)
		}
		if s.hooks.OnError != nil {
			s.hooks.OnError(ctx, rt.id, breakerErr)
		}
		if s.hooks.AfterInvoke != nil {
			s.hooks.AfterInvoke(ctx, rt.id, nil, breakerErr)
		}
		return nil, breakerErr
	}
	outputs, _ = result.(node.Ports)
	if s.hooks.AfterInvoke != nil {
		s.hooks.AfterInvoke(ctx, rt.id, outputs, nil)
	}
	return outputs, nil
}

// route delivers each output port to every downstream edge it feeds,
// enqueuing on the destination node's bounded input queue.
func (s *Scheduler) route(ctx context.Context, rt *nodeRuntime, outputs node.Ports) {
	if outputs == nil {
		return
	}
	for _, e := range rt.outEdges {
		port := e.fromPort
		if port == "" {
			port = "item"
		}
		item, ok := outputs[port]
		if !ok {
			continue
		}
		dst := s.nodes[e.toNode]
		if dst == nil {
			continue
		}
		_ = dst.queue.Push(ctx, item)
		if s.hooks.OnRoute != nil {
			s.hooks.OnRoute(ctx, rt.id, e.toNode)
		}
	}
}
