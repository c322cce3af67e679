package bunmap

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// bufferedOp is one queued operation with the waiter listening for its
// result. Exactly one side claims the entry: the flusher to run it, or the
// waiter to abandon it on timeout or cancellation.
type bufferedOp struct {
	op      string
	model   string
	ctx     context.Context
	run     func(context.Context) error
	done    chan error
	claimed atomic.Bool
}

func (e *bufferedOp) claim() bool { return e.claimed.CompareAndSwap(false, true) }

// opBuffer gates operations on connection readiness. Before the gate opens
// it queues them in arrival order (or fails them immediately when buffering
// is disabled); flush replays the queue and opens the gate, after which
// submit runs operations directly.
type opBuffer struct {
	enabled bool
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	open   bool
	failed bool
	queue  []*bufferedOp
}

func newOpBuffer(enabled bool, timeout time.Duration, log *slog.Logger) *opBuffer {
	return &opBuffer{enabled: enabled, timeout: timeout, log: log}
}

// submit runs fn once the connection is ready. Ready already, fn runs
// inline. Not ready, the operation queues until flush replays it, the
// timeout elapses, or ctx is done. With buffering disabled or the
// connection failed, submit returns NotConnectedError immediately.
func (b *opBuffer) submit(ctx context.Context, op, model string, fn func(context.Context) error) error {
	b.mu.Lock()
	if b.failed {
		b.mu.Unlock()
		return &NotConnectedError{Op: op}
	}
	if b.open {
		b.mu.Unlock()
		return fn(ctx)
	}
	if !b.enabled {
		b.mu.Unlock()
		return &NotConnectedError{Op: op}
	}
	e := &bufferedOp{op: op, model: model, ctx: ctx, run: fn, done: make(chan error, 1)}
	b.queue = append(b.queue, e)
	depth := len(b.queue)
	b.mu.Unlock()
	b.log.Debug("operation buffered", "op", op, "model", model, "depth", depth)

	var timeoutC <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case err := <-e.done:
		return err
	case <-timeoutC:
		if e.claim() {
			return &NotConnectedError{Op: op, TimedOut: true}
		}
		return <-e.done
	case <-ctx.Done():
		if e.claim() {
			return ctx.Err()
		}
		return <-e.done
	}
}

// flush replays queued operations in arrival order, then opens the gate.
// Operations arriving during the replay keep queueing and are replayed too;
// the gate opens only once the queue is observed empty, so nothing submitted
// after readiness can overtake a buffered operation.
func (b *opBuffer) flush() {
	for {
		b.mu.Lock()
		if b.failed {
			b.mu.Unlock()
			return
		}
		if len(b.queue) == 0 {
			b.open = true
			b.mu.Unlock()
			return
		}
		q := b.queue
		b.queue = nil
		b.mu.Unlock()
		b.log.Debug("replaying buffered operations", "count", len(q))
		for _, e := range q {
			if !e.claim() {
				continue
			}
			e.done <- e.run(e.ctx)
		}
	}
}

// reject fails every queued operation with NotConnectedError, closes the
// gate for good, and makes all later submits fail immediately. cause is the
// connection failure being reported and shows up in the log only.
func (b *opBuffer) reject(cause error) {
	b.mu.Lock()
	b.failed = true
	b.open = false
	q := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(q) > 0 {
		b.log.Warn("rejecting buffered operations", "count", len(q), "cause", cause)
	}
	for _, e := range q {
		if !e.claim() {
			continue
		}
		e.done <- &NotConnectedError{Op: e.op}
	}
}

// depth reports how many operations are waiting.
func (b *opBuffer) depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
