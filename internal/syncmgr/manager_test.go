package syncmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildpad/workroom/internal/provider"
	"github.com/buildpad/workroom/internal/provider/providertest"
)

func TestWritesBeforeAttachAreBufferedAndFlushed(t *testing.T) {
	manager := New(nil, nil, WithDebounce(5*time.Millisecond))

	manager.QueueWrite("a.txt", "one", provider.EncodingUTF8)
	manager.QueueWrite("b.txt", "two", provider.EncodingUTF8)
	if got := manager.PendingCount(); got != 2 {
		t.Fatalf("buffered writes: got %d want 2", got)
	}

	fake := &providertest.Fake{}
	manager.Attach(fake)

	if err := manager.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	fake.Mu.Lock()
	defer fake.Mu.Unlock()
	if len(fake.Writes) != 1 || len(fake.Writes[0]) != 2 {
		t.Fatalf("expected one batch of two writes, got %v", fake.Writes)
	}
	if manager.PendingCount() != 0 {
		t.Fatalf("queue not drained after flush")
	}
}

func TestRequeueSamePathKeepsPositionAndLatestContent(t *testing.T) {
	manager := New(nil, nil)
	manager.QueueWrite("a.txt", "first", provider.EncodingUTF8)
	manager.QueueWrite("b.txt", "other", provider.EncodingUTF8)
	manager.QueueWrite("a.txt", "second", provider.EncodingUTF8)

	if got := manager.PendingCount(); got != 2 {
		t.Fatalf("pending paths: got %d want 2", got)
	}

	fake := &providertest.Fake{}
	manager.Attach(fake)
	if err := manager.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	fake.Mu.Lock()
	defer fake.Mu.Unlock()
	batch := fake.Writes[0]
	if batch[0].Path != "a.txt" || batch[0].Content != "second" {
		t.Fatalf("first entry: got %+v, want a.txt with latest content", batch[0])
	}
	if batch[1].Path != "b.txt" {
		t.Fatalf("per-path order not preserved: %+v", batch)
	}
}

func TestFlushSplitsBatchesAtCap(t *testing.T) {
	manager := New(nil, nil, WithBatchCap(2))
	fake := &providertest.Fake{}
	manager.Attach(fake)

	for _, path := range []string{"a", "b", "c", "d", "e"} {
		manager.QueueWrite(path+".txt", "x", provider.EncodingUTF8)
	}
	if err := manager.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	fake.Mu.Lock()
	defer fake.Mu.Unlock()
	if len(fake.Writes) != 3 {
		t.Fatalf("batches: got %d want 3", len(fake.Writes))
	}
	for i, batch := range fake.Writes[:2] {
		if len(batch) != 2 {
			t.Fatalf("batch %d size: got %d want 2", i, len(batch))
		}
	}
}

func TestExpiryReportsOnceAndStopsRetrying(t *testing.T) {
	manager := New(nil, nil)

	expiries := 0
	manager.OnExpired = func(error) { expiries++ }

	fake := &providertest.Fake{}
	fake.WriteFunc = func([]provider.FileWrite) error { return provider.ErrSandboxExpired }
	manager.Attach(fake)

	manager.QueueWrite("a.txt", "x", provider.EncodingUTF8)

	err := manager.Flush(context.Background())
	if !provider.IsExpiry(err) {
		t.Fatalf("expected expiry error, got %v", err)
	}
	if expiries != 1 {
		t.Fatalf("owner notified %d times, want 1", expiries)
	}

	// The entry stays queued as failed; nothing is silently dropped.
	entry, ok := manager.Pending("a.txt")
	if !ok || entry.State != StateFailed {
		t.Fatalf("expired write missing or not failed: %+v ok=%v", entry, ok)
	}

	// Re-attaching after recreation clears the expired latch and the
	// buffered write flushes into the new sandbox.
	fresh := &providertest.Fake{}
	manager.Attach(fresh)
	if err := manager.Flush(context.Background()); err != nil {
		t.Fatalf("flush after reattach: %v", err)
	}
	fresh.Mu.Lock()
	defer fresh.Mu.Unlock()
	if len(fresh.Writes) != 1 {
		t.Fatalf("buffered write not replayed after reattach: %v", fresh.Writes)
	}
}

func TestFlushReturnsWhileExpiredWithPendingWrites(t *testing.T) {
	manager := New(nil, nil)
	fake := &providertest.Fake{}
	fake.WriteFunc = func([]provider.FileWrite) error { return provider.ErrSandboxExpired }
	manager.Attach(fake)

	manager.QueueWrite("a.txt", "x", provider.EncodingUTF8)
	if err := manager.Flush(context.Background()); !provider.IsExpiry(err) {
		t.Fatalf("first flush: %v", err)
	}

	// The latch is set and the entry still pending; a second flush must
	// surface the expiry instead of looping on a queue that cannot drain.
	done := make(chan error, 1)
	go func() { done <- manager.Flush(context.Background()) }()
	select {
	case err := <-done:
		if !provider.IsExpiry(err) {
			t.Fatalf("second flush: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("flush did not return while expired with pending writes")
	}
	if got := manager.PendingCount(); got != 1 {
		t.Fatalf("expired write dropped: pending %d", got)
	}
}

func TestFlushHonorsCanceledContext(t *testing.T) {
	manager := New(nil, nil)
	defer manager.Detach()
	fake := &providertest.Fake{}
	manager.Attach(fake)
	manager.QueueWrite("a.txt", "x", provider.EncodingUTF8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := manager.Flush(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("flush with canceled ctx: %v", err)
	}
}

func TestRequeueDuringFlightIsNotConfirmedAway(t *testing.T) {
	manager := New(nil, nil)

	var mu sync.Mutex
	first := true
	inFlight := make(chan struct{})
	release := make(chan struct{})
	fake := &providertest.Fake{}
	fake.WriteFunc = func([]provider.FileWrite) error {
		mu.Lock()
		blocking := first
		first = false
		mu.Unlock()
		if blocking {
			close(inFlight)
			<-release
		}
		return nil
	}
	manager.Attach(fake)
	manager.QueueWrite("a.txt", "v1", provider.EncodingUTF8)

	done := make(chan error, 1)
	go func() { done <- manager.Flush(context.Background()) }()

	// Replace the content while the v1 batch is mid network call. The
	// confirmation of v1 must not delete the newer entry.
	<-inFlight
	manager.QueueWrite("a.txt", "v2", provider.EncodingUTF8)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := manager.PendingCount(); got != 0 {
		t.Fatalf("flush returned with %d pending writes", got)
	}

	fake.Mu.Lock()
	defer fake.Mu.Unlock()
	if len(fake.Writes) != 2 {
		t.Fatalf("expected the requeued content to flush in a second batch, got %d", len(fake.Writes))
	}
	last := fake.Writes[1]
	if len(last) != 1 || last[0].Path != "a.txt" || last[0].Content != "v2" {
		t.Fatalf("requeued content lost: %+v", last)
	}
}

func TestTransientFailureLeavesBatchQueued(t *testing.T) {
	manager := New(nil, nil)
	fake := &providertest.Fake{}
	fake.WriteFunc = func([]provider.FileWrite) error { return errors.New("connection reset") }
	manager.Attach(fake)

	manager.QueueWrite("a.txt", "x", provider.EncodingUTF8)

	if err := manager.Flush(context.Background()); err == nil {
		t.Fatalf("expected transient failure to surface from Flush")
	}
	if got := manager.PendingCount(); got != 1 {
		t.Fatalf("batch dropped on transient failure: pending %d", got)
	}
}

func TestDebouncedFlushFires(t *testing.T) {
	manager := New(nil, nil, WithDebounce(10*time.Millisecond))
	fake := &providertest.Fake{}
	manager.Attach(fake)

	manager.QueueWrite("a.txt", "x", provider.EncodingUTF8)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if manager.PendingCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("debounced flush never drained the queue")
}
