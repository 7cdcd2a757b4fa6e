package execqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/buildpad/workroom/internal/alerts"
)

type recordingSink struct {
	mu      sync.Mutex
	notices []alerts.Notice
}

func (s *recordingSink) Notify(n alerts.Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notices)
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestGlobalQueuePreservesSubmissionOrder(t *testing.T) {
	q := NewQueue(context.Background(), nil, nil)
	defer q.Close()

	var mu sync.Mutex
	var seen []int
	for i := 0; i < 20; i++ {
		i := i
		q.Submit(Task{Description: "t", Run: func(context.Context) error {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			return nil
		}})
	}
	drain(t, q)

	for i, got := range seen {
		if got != i {
			t.Fatalf("order broken at %d: got %d", i, got)
		}
	}
}

func TestFailingTaskDoesNotBlockSubsequentTasks(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(context.Background(), nil, sink)
	defer q.Close()

	ran := false
	q.Submit(Task{Description: "fails", Run: func(context.Context) error {
		return errors.New("boom")
	}})
	q.Submit(Task{Description: "panics", Run: func(context.Context) error {
		panic("boom")
	}})
	q.Submit(Task{Description: "runs", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	drain(t, q)

	if !ran {
		t.Fatalf("task after failures never ran")
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("failure alerts: got %d want 2", got)
	}
}

func TestArtifactActionsApplyInOrderAndAtMostOnce(t *testing.T) {
	q := NewQueue(context.Background(), nil, nil)
	defer q.Close()
	registry := NewRegistry(q)

	runner := registry.Runner("art_1", "msg_1", false)

	var mu sync.Mutex
	var applied []string
	add := func(id string) {
		runner.Enqueue(Action{ID: id, Apply: func(context.Context) error {
			mu.Lock()
			applied = append(applied, id)
			mu.Unlock()
			return nil
		}})
	}

	add("a")
	add("b")
	add("a") // duplicate must not re-apply
	add("c")
	drain(t, q)

	want := []string{"a", "b", "c"}
	if len(applied) != len(want) {
		t.Fatalf("applied %v want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied %v want %v", applied, want)
		}
	}
	if !runner.Executed("a") || runner.Executed("zzz") {
		t.Fatalf("executed bookkeeping wrong")
	}
}

func TestReaddUnderDifferentMessageReplacesRunner(t *testing.T) {
	q := NewQueue(context.Background(), nil, nil)
	defer q.Close()
	registry := NewRegistry(q)

	first := registry.Runner("art_1", "msg_1", false)
	same := registry.Runner("art_1", "msg_1", false)
	if first != same {
		t.Fatalf("same message id must return the same runner")
	}

	first.Enqueue(Action{ID: "a", Apply: func(context.Context) error { return nil }})
	drain(t, q)

	replacement := registry.Runner("art_1", "msg_2", false)
	if replacement == first {
		t.Fatalf("different message id must replace the runner")
	}
	if replacement.Executed("a") {
		t.Fatalf("replacement merged executed state from the prior runner")
	}
}

func TestBundledRunnerBypassesQueue(t *testing.T) {
	q := NewQueue(context.Background(), nil, nil)
	defer q.Close()
	registry := NewRegistry(q)

	// Park the queue behind a slow task; a bundled action must still
	// apply immediately.
	release := make(chan struct{})
	q.Submit(Task{Description: "slow", Run: func(context.Context) error {
		<-release
		return nil
	}})

	applied := false
	runner := registry.Runner("seed_1", "msg_1", true)
	runner.Enqueue(Action{ID: "a", Apply: func(context.Context) error {
		applied = true
		return nil
	}})

	if !applied {
		close(release)
		t.Fatalf("bundled action waited on the shared queue")
	}
	close(release)
	drain(t, q)
}
