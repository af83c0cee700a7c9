package saga

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingRunner struct {
	mu     sync.Mutex
	orders []string
	block  chan struct{}
}

func (r *recordingRunner) Run(_ context.Context, orderID string) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append(r.orders, orderID)
}

func (r *recordingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

func TestPool_RunsSubmittedOrders(t *testing.T) {
	t.Parallel()

	runner := &recordingRunner{}
	pool := NewPool(runner, WithWorkers(4), WithQueueSize(16))

	ctx := context.Background()
	pool.Start(ctx)

	for i := 0; i < 10; i++ {
		pool.Submit(ctx, "ord")
	}
	pool.Stop()

	if got := runner.count(); got != 10 {
		t.Fatalf("expected 10 runs, got %d", got)
	}
}

func TestPool_SubmitFallsBackToSynchronous(t *testing.T) {
	t.Parallel()

	// Пул не запущен, очередь нулевая: Submit обязан выполнить сагу сам.
	runner := &recordingRunner{}
	pool := NewPool(runner, WithWorkers(1), WithQueueSize(0))

	pool.Submit(context.Background(), "ord-sync")

	if got := runner.count(); got != 1 {
		t.Fatalf("expected synchronous run, got %d", got)
	}
}

func TestPool_StopDrainsQueue(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	runner := &recordingRunner{block: release}
	pool := NewPool(runner, WithWorkers(1), WithQueueSize(8))

	ctx := context.Background()
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		pool.Submit(ctx, "ord")
	}
	close(release)

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop in time")
	}

	if got := runner.count(); got != 5 {
		t.Fatalf("expected queue drained to 5 runs, got %d", got)
	}
}
