package bunmap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kartikbazzad/bunmap/internal/logger"
)

func waitDepth(t *testing.T, b *opBuffer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.depth() != n {
		if time.Now().After(deadline) {
			t.Fatalf("buffer depth stuck at %d, want %d", b.depth(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOpBuffer_FlushReplaysInArrivalOrder(t *testing.T) {
	b := newOpBuffer(true, 0, logger.Discard())
	ctx := context.Background()

	var mu sync.Mutex
	var ran []int
	record := func(i int) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			ran = append(ran, i)
			return nil
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.submit(ctx, "op", "m", record(i)); err != nil {
				t.Errorf("submit %d: %v", i, err)
			}
		}()
		// Arrival order is fixed by waiting for each enqueue before the
		// next submission starts.
		waitDepth(t, b, i+1)
	}

	b.flush()
	wg.Wait()

	// Once the gate is open, submissions run inline in calling order.
	if err := b.submit(ctx, "op", "m", record(3)); err != nil {
		t.Fatalf("direct submit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 2, 3}
	if len(ran) != len(want) {
		t.Fatalf("ran = %v, want %v", ran, want)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("ran = %v, want %v", ran, want)
		}
	}
}

func TestOpBuffer_DisabledFailsImmediately(t *testing.T) {
	b := newOpBuffer(false, time.Second, logger.Discard())

	start := time.Now()
	err := b.submit(context.Background(), "save", "m", func(context.Context) error {
		t.Error("operation ran before the gate opened")
		return nil
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	var nce *NotConnectedError
	if !errors.As(err, &nce) || nce.TimedOut || nce.Op != "save" {
		t.Errorf("error detail = %+v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("disabled submit waited instead of failing fast")
	}
}

func TestOpBuffer_Timeout(t *testing.T) {
	b := newOpBuffer(true, 20*time.Millisecond, logger.Discard())

	ran := false
	err := b.submit(context.Background(), "save", "m", func(context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	var nce *NotConnectedError
	if !errors.As(err, &nce) || !nce.TimedOut {
		t.Fatalf("error detail = %+v, want TimedOut", err)
	}

	// The waiter claimed the entry; a late flush must not run it.
	b.flush()
	if ran {
		t.Error("abandoned operation ran on flush")
	}
	if err := b.submit(context.Background(), "save", "m", func(context.Context) error { return nil }); err != nil {
		t.Errorf("gate should be open after flush: %v", err)
	}
}

func TestOpBuffer_ContextCancel(t *testing.T) {
	b := newOpBuffer(true, 0, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		errc <- b.submit(ctx, "save", "m", func(context.Context) error { return nil })
	}()
	waitDepth(t, b, 1)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestOpBuffer_RejectFailsQueuedAndFuture(t *testing.T) {
	b := newOpBuffer(true, 0, logger.Discard())
	ctx := context.Background()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- b.submit(ctx, "save", "m", func(context.Context) error {
				t.Error("operation ran on a failed connection")
				return nil
			})
		}()
		waitDepth(t, b, i+1)
	}

	b.reject(errors.New("dial refused"))
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrNotConnected) {
			t.Errorf("queued op: got %v, want ErrNotConnected", err)
		}
	}

	if err := b.submit(ctx, "find", "m", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("later submit: got %v, want ErrNotConnected", err)
	}

	// A flush after the failure must not reopen the gate.
	b.flush()
	if err := b.submit(ctx, "find", "m", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("submit after flush: got %v, want ErrNotConnected", err)
	}
}

func TestOpBuffer_OperationErrorsPassThrough(t *testing.T) {
	b := newOpBuffer(true, 0, logger.Discard())
	b.flush()

	boom := errors.New("boom")
	if err := b.submit(context.Background(), "save", "m", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("got %v, want the operation's error", err)
	}
}
