package execqueue

import (
	"context"
	"sync"
)

// Action is one mutation belonging to an artifact.
type Action struct {
	ID    string
	Apply func(ctx context.Context) error
}

// Runner applies the actions of one artifact in strict submission order.
// An action already marked executed is never re-applied.
type Runner struct {
	ArtifactID string
	MessageID  string

	queue   *Queue
	bundled bool

	mu       sync.Mutex
	executed map[string]bool
}

// Registry tracks at most one live runner per artifact id. Re-adding the
// same artifact id under a different owning message replaces the prior
// runner, it never merges into it.
type Registry struct {
	queue *Queue

	mu      sync.Mutex
	runners map[string]*Runner
}

func NewRegistry(queue *Queue) *Registry {
	return &Registry{queue: queue, runners: map[string]*Runner{}}
}

// Runner returns the live runner for an artifact, creating or replacing
// as needed. bundled runners bypass the global queue entirely: their
// actions are pre-seeded display content, not streamed output, so queue
// ordering guarantees are unnecessary.
func (r *Registry) Runner(artifactID, messageID string, bundled bool) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.runners[artifactID]; ok && existing.MessageID == messageID {
		return existing
	}
	runner := &Runner{
		ArtifactID: artifactID,
		MessageID:  messageID,
		queue:      r.queue,
		bundled:    bundled,
		executed:   map[string]bool{},
	}
	r.runners[artifactID] = runner
	return runner
}

// Lookup returns the live runner for an artifact id.
func (r *Registry) Lookup(artifactID string) (*Runner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	runner, ok := r.runners[artifactID]
	return runner, ok
}

// Remove drops the runner for an artifact id.
func (r *Registry) Remove(artifactID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runners, artifactID)
}

// Enqueue schedules one action. Bundled runners apply it synchronously
// and immediately; everything else goes through the shared queue so that
// per-artifact order follows global submission order.
func (rn *Runner) Enqueue(action Action) {
	if action.Apply == nil {
		return
	}

	if rn.bundled {
		if rn.markExecuted(action.ID) {
			_ = action.Apply(context.Background())
		}
		return
	}

	rn.queue.Submit(Task{
		Description: rn.ArtifactID + "/" + action.ID,
		Run: func(ctx context.Context) error {
			if !rn.markExecuted(action.ID) {
				return nil
			}
			return action.Apply(ctx)
		},
	})
}

// markExecuted claims the action, reporting false when it already ran.
func (rn *Runner) markExecuted(id string) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if id != "" && rn.executed[id] {
		return false
	}
	if id != "" {
		rn.executed[id] = true
	}
	return true
}

// Executed reports whether an action id has been applied.
func (rn *Runner) Executed(id string) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.executed[id]
}
