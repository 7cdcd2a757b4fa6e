// Package providertest provides a scriptable in-memory Provider for tests.
package providertest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/events"
	"github.com/buildpad/workroom/internal/provider"
)

// Fake is a scriptable Provider. Zero value is usable; override the
// function fields to script behavior. All bookkeeping fields are guarded
// by Mu for assertions from test goroutines.
type Fake struct {
	KindValue provider.Kind

	Mu        sync.Mutex
	Connected bool
	Session   provider.Session

	ConnectCalls   int
	ReconnectCalls []string
	Writes         [][]provider.FileWrite
	Commands       [][]string
	ExtendCalls    []time.Duration
	SnapshotCalls  int
	RestoreCalls   []string
	Disconnects    int

	ConnectFunc   func(cfg provider.ConnectConfig) (*provider.Session, error)
	ReconnectFunc func(sandboxID string) (bool, error)
	WriteFunc     func(batch []provider.FileWrite) error
	RunFunc       func(cmd string, args []string) (*provider.CommandResult, error)
	SnapshotFunc  func() (string, error)
	RestoreFunc   func(snapshotID string) (*provider.Session, error)
	ExtendFunc    func(d time.Duration) error
	StatusFunc    func() (*provider.Session, error)

	statusBus  events.Bus[provider.StatusChange]
	previewBus events.Bus[provider.PreviewReady]
	fileBus    events.Bus[provider.FileChange]
}

func (f *Fake) Kind() provider.Kind {
	if f.KindValue == "" {
		return provider.KindCloud
	}
	return f.KindValue
}

func (f *Fake) Connect(_ context.Context, cfg provider.ConnectConfig) (*provider.Session, error) {
	f.Mu.Lock()
	f.ConnectCalls++
	calls := f.ConnectCalls
	f.Mu.Unlock()

	if f.ConnectFunc != nil {
		session, err := f.ConnectFunc(cfg)
		if err != nil {
			return nil, err
		}
		f.adopt(*session)
		return session, nil
	}

	session := provider.Session{
		SandboxID:        fmt.Sprintf("sbx-%d", calls),
		Kind:             f.Kind(),
		Status:           provider.StatusRunning,
		TimeoutRemaining: cfg.Timeout,
		PreviewURLs:      map[int]string{},
	}
	f.adopt(session)
	return &session, nil
}

func (f *Fake) adopt(session provider.Session) {
	f.Mu.Lock()
	f.Connected = true
	f.Session = session
	f.Mu.Unlock()
}

func (f *Fake) Reconnect(_ context.Context, sandboxID string) (bool, error) {
	f.Mu.Lock()
	f.ReconnectCalls = append(f.ReconnectCalls, sandboxID)
	f.Mu.Unlock()
	if f.ReconnectFunc != nil {
		ok, err := f.ReconnectFunc(sandboxID)
		if ok && err == nil {
			f.adopt(provider.Session{SandboxID: sandboxID, Kind: f.Kind(), Status: provider.StatusRunning})
		}
		return ok, err
	}
	return false, nil
}

func (f *Fake) Disconnect(context.Context, bool) {
	f.Mu.Lock()
	f.Disconnects++
	f.Connected = false
	f.Mu.Unlock()
}

func (f *Fake) RunCommand(_ context.Context, cmd string, args []string, _ provider.CommandOptions) (*provider.CommandResult, error) {
	f.Mu.Lock()
	f.Commands = append(f.Commands, append([]string{cmd}, args...))
	f.Mu.Unlock()
	if f.RunFunc != nil {
		return f.RunFunc(cmd, args)
	}
	return &provider.CommandResult{ExitCode: 0}, nil
}

func (f *Fake) RunCommandStream(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (provider.CommandStream, error) {
	result, err := f.RunCommand(ctx, cmd, args, opts)
	if err != nil {
		return nil, err
	}
	return &fakeStream{result: *result}, nil
}

func (f *Fake) WriteFiles(_ context.Context, batch []provider.FileWrite) error {
	f.Mu.Lock()
	f.Writes = append(f.Writes, append([]provider.FileWrite(nil), batch...))
	f.Mu.Unlock()
	if f.WriteFunc != nil {
		return f.WriteFunc(batch)
	}
	return nil
}

func (f *Fake) ReadFile(context.Context, string) ([]byte, error) {
	return nil, provider.ErrNotConnected
}

func (f *Fake) CreateSnapshot(context.Context) (string, error) {
	f.Mu.Lock()
	f.SnapshotCalls++
	f.Mu.Unlock()
	if f.SnapshotFunc != nil {
		return f.SnapshotFunc()
	}
	return "", provider.ErrSnapshotUnsupported
}

func (f *Fake) RestoreSnapshot(_ context.Context, snapshotID string) (*provider.Session, error) {
	f.Mu.Lock()
	f.RestoreCalls = append(f.RestoreCalls, snapshotID)
	f.Mu.Unlock()
	if f.RestoreFunc != nil {
		session, err := f.RestoreFunc(snapshotID)
		if err != nil {
			return nil, err
		}
		f.adopt(*session)
		return session, nil
	}
	return nil, provider.ErrSnapshotUnsupported
}

func (f *Fake) ExtendTimeout(_ context.Context, d time.Duration) error {
	f.Mu.Lock()
	f.ExtendCalls = append(f.ExtendCalls, d)
	f.Mu.Unlock()
	if f.ExtendFunc != nil {
		return f.ExtendFunc(d)
	}
	return nil
}

func (f *Fake) Status(context.Context) (*provider.Session, error) {
	if f.StatusFunc != nil {
		return f.StatusFunc()
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if !f.Connected {
		return nil, provider.ErrNotConnected
	}
	session := f.Session
	return &session, nil
}

func (f *Fake) OnStatusChange(fn func(provider.StatusChange)) func() {
	return f.statusBus.Subscribe(fn)
}

func (f *Fake) OnPreviewReady(fn func(provider.PreviewReady)) func() {
	return f.previewBus.Subscribe(fn)
}

func (f *Fake) OnFileChange(fn func(provider.FileChange)) func() {
	return f.fileBus.Subscribe(fn)
}

// EmitStatus publishes a status change to subscribers.
func (f *Fake) EmitStatus(change provider.StatusChange) { f.statusBus.Publish(change) }

// EmitPreview publishes a preview-ready event to subscribers.
func (f *Fake) EmitPreview(ready provider.PreviewReady) { f.previewBus.Publish(ready) }

// EmitFileChange publishes a file-change event to subscribers.
func (f *Fake) EmitFileChange(change provider.FileChange) { f.fileBus.Publish(change) }

type fakeStream struct {
	result provider.CommandResult
	read   bool
}

func (s *fakeStream) Next(context.Context) (provider.StreamChunk, error) {
	if s.read {
		return provider.StreamChunk{}, io.EOF
	}
	s.read = true
	if s.result.Stdout == "" {
		return provider.StreamChunk{}, io.EOF
	}
	return provider.StreamChunk{Stream: provider.StreamStdout, Data: []byte(s.result.Stdout)}, nil
}

func (s *fakeStream) Result() provider.CommandResult { return s.result }

func (s *fakeStream) Close() error { return nil }
