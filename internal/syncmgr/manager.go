// Package syncmgr batches local file mutations into remote write calls.
// It is an explicit write-ahead queue: every mutation becomes a pending
// entry that is confirmed only by a successful remote write.
package syncmgr

import (
	"context"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/alerts"
	"github.com/buildpad/workroom/internal/provider"
	"github.com/charmbracelet/log"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultBatchCap = 50
)

// WriteState tracks one queue entry through its lifecycle.
type WriteState int

const (
	StatePending WriteState = iota
	StateConfirmed
	StateFailed
)

// PendingWrite is one queued remote mutation. Re-queueing the same path
// replaces the content in place, keeping the original queue position so
// per-path submission order is preserved.
type PendingWrite struct {
	Path     string
	Content  string
	Encoding provider.Encoding
	Attempts int
	State    WriteState

	// gen increments on every requeue. A flush confirms an entry only
	// when its generation still matches the one captured at batch build,
	// so content re-queued while the old bytes are in flight stays
	// pending.
	gen uint64
}

// Manager owns the debounced write queue for one session. Writes issued
// before a provider is attached are buffered, never dropped.
type Manager struct {
	Logger *log.Logger
	Alerts alerts.Sink

	// OnExpired is invoked once per detected expiry, outside the lock.
	// Retry and recreation are the orchestrator's job, not the
	// manager's.
	OnExpired func(err error)

	debounce time.Duration
	batchCap int

	mu       sync.Mutex
	provider provider.Provider
	byPath   map[string]*PendingWrite
	order    []string
	timer    *time.Timer
	expired  bool
}

// Option tunes a Manager.
type Option func(*Manager)

func WithDebounce(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.debounce = d
		}
	}
}

func WithBatchCap(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchCap = n
		}
	}
}

func New(logger *log.Logger, sink alerts.Sink, opts ...Option) *Manager {
	m := &Manager{
		Logger:   logger,
		Alerts:   sink,
		debounce: DefaultDebounce,
		batchCap: DefaultBatchCap,
		byPath:   map[string]*PendingWrite{},
	}
	if m.Alerts == nil {
		m.Alerts = alerts.Discard{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach binds the manager to a provider and schedules a flush for any
// buffered writes.
func (m *Manager) Attach(p provider.Provider) {
	m.mu.Lock()
	m.provider = p
	m.expired = false
	pending := len(m.order) > 0
	m.mu.Unlock()

	if pending {
		m.scheduleFlush()
	}
}

// Detach unbinds the provider. Queued writes stay buffered.
func (m *Manager) Detach() {
	m.mu.Lock()
	m.provider = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// QueueWrite records one mutation and (re)starts the debounce window.
func (m *Manager) QueueWrite(path, content string, encoding provider.Encoding) {
	if encoding == "" {
		encoding = provider.EncodingUTF8
	}

	m.mu.Lock()
	if existing, ok := m.byPath[path]; ok {
		existing.Content = content
		existing.Encoding = encoding
		existing.State = StatePending
		existing.gen++
	} else {
		m.byPath[path] = &PendingWrite{Path: path, Content: content, Encoding: encoding}
		m.order = append(m.order, path)
	}
	attached := m.provider != nil && !m.expired
	m.mu.Unlock()

	if attached {
		m.scheduleFlush()
	}
}

func (m *Manager) scheduleFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := m.flushOnce(ctx)
		switch {
		case err == nil:
			if m.PendingCount() > 0 {
				m.scheduleFlush()
			}
		case provider.IsExpiry(err) || err == provider.ErrNotConnected:
			// Expiry and detachment stop the cycle; the orchestrator
			// decides what happens next.
		default:
			// Transient failure: retry on the next debounce cycle.
			m.scheduleFlush()
		}
	})
}

// Flush drains the whole queue synchronously. It must be awaited before
// any operation that needs a consistent remote state, such as taking a
// snapshot or recreating the sandbox.
func (m *Manager) Flush(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.Lock()
		remaining := len(m.order)
		m.mu.Unlock()
		if remaining == 0 {
			return nil
		}
		if err := m.flushOnce(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) flushOnce(ctx context.Context) error {
	m.mu.Lock()
	if m.provider == nil {
		m.mu.Unlock()
		return provider.ErrNotConnected
	}
	if m.expired {
		// The latch only clears on Attach; surfacing the expiry here
		// keeps Flush from spinning on a queue that cannot drain.
		m.mu.Unlock()
		return provider.ErrSandboxExpired
	}
	if len(m.order) == 0 {
		m.mu.Unlock()
		return nil
	}

	count := len(m.order)
	if count > m.batchCap {
		count = m.batchCap
	}
	paths := append([]string(nil), m.order[:count]...)
	gens := make([]uint64, count)
	batch := make([]provider.FileWrite, 0, count)
	for i, path := range paths {
		entry := m.byPath[path]
		entry.Attempts++
		gens[i] = entry.gen
		batch = append(batch, provider.FileWrite{Path: entry.Path, Content: entry.Content, Encoding: entry.Encoding})
	}
	target := m.provider
	m.mu.Unlock()

	err := target.WriteFiles(ctx, batch)
	if err == nil {
		m.mu.Lock()
		confirmed := make(map[string]bool, count)
		for i, path := range paths {
			entry, ok := m.byPath[path]
			if !ok || entry.gen != gens[i] {
				// Re-queued while the old content was in flight; the
				// newer write stays pending.
				continue
			}
			entry.State = StateConfirmed
			delete(m.byPath, path)
			confirmed[path] = true
		}
		kept := m.order[:0]
		for _, path := range m.order {
			if !confirmed[path] {
				kept = append(kept, path)
			}
		}
		m.order = kept
		m.mu.Unlock()
		return nil
	}

	if provider.IsExpiry(err) {
		m.mu.Lock()
		alreadyExpired := m.expired
		m.expired = true
		for _, path := range paths {
			if entry, ok := m.byPath[path]; ok {
				entry.State = StateFailed
			}
		}
		m.mu.Unlock()

		if !alreadyExpired {
			m.Alerts.Notify(alerts.Notice{
				Severity:    alerts.SeverityWarning,
				Title:       "Session ended",
				Description: "the sandbox expired; restart the session to continue",
			})
			if m.OnExpired != nil {
				m.OnExpired(err)
			}
		}
		return err
	}

	// Transient failure: leave the batch queued for the next debounce
	// cycle.
	if m.Logger != nil {
		m.Logger.Warn("file sync flush failed", "files", len(batch), "err", err)
	}
	return err
}

// PendingCount reports how many paths still await confirmation.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Pending returns a copy of the queued write for a path, if any.
func (m *Manager) Pending(path string) (PendingWrite, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byPath[path]
	if !ok {
		return PendingWrite{}, false
	}
	return *entry, true
}
