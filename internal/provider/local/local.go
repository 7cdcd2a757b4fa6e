// Package local runs sandbox sessions as host processes against a local
// working directory. It is the development-time stand-in for a managed
// cloud sandbox: same capability surface, no remote lifetime limits.
package local

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/events"
	"github.com/buildpad/workroom/internal/filetree"
	"github.com/buildpad/workroom/internal/provider"
	"github.com/charmbracelet/log"
)

// localTimeoutEstimate is reported from Status; local sessions have no
// provider-side lifetime limit to extend.
const localTimeoutEstimate = 24 * time.Hour

// Runtime implements provider.Provider on the host.
type Runtime struct {
	Logger *log.Logger

	workdir string
	ports   []int

	mu        sync.Mutex
	connected bool
	session   provider.Session
	projectID string

	statusBus  events.Bus[provider.StatusChange]
	previewBus events.Bus[provider.PreviewReady]
	fileBus    events.Bus[provider.FileChange]
}

func New(workdir string, ports []int, logger *log.Logger) *Runtime {
	return &Runtime{Logger: logger, workdir: workdir, ports: ports}
}

func (r *Runtime) Kind() provider.Kind { return provider.KindLocal }

func (r *Runtime) Connect(_ context.Context, cfg provider.ConnectConfig) (*provider.Session, error) {
	r.mu.Lock()

	if r.connected {
		defer r.mu.Unlock()
		if r.projectID == cfg.ProjectID {
			session := r.session
			return &session, nil
		}
		return nil, provider.ErrAlreadyConnected
	}

	workdir := r.workdir
	if workdir == "" {
		workdir = filepath.Join(os.TempDir(), "workroom", cfg.ProjectID)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("create local workdir: %w", err)
	}
	r.workdir = workdir

	previews := map[int]string{}
	for _, port := range r.ports {
		previews[port] = fmt.Sprintf("http://localhost:%d", port)
	}

	r.connected = true
	r.projectID = cfg.ProjectID
	r.session = provider.Session{
		SandboxID:        fmt.Sprintf("local-%d", time.Now().UTC().UnixNano()),
		Kind:             provider.KindLocal,
		Status:           provider.StatusRunning,
		TimeoutRemaining: localTimeoutEstimate,
		PreviewURLs:      previews,
	}
	session := r.session
	r.mu.Unlock()

	r.statusBus.Publish(provider.StatusChange{SandboxID: session.SandboxID, Status: provider.StatusRunning})
	for port, url := range previews {
		r.previewBus.Publish(provider.PreviewReady{Port: port, URL: url})
	}
	return &session, nil
}

// Reconnect only succeeds while this process still holds the session;
// local runtimes do not survive a restart.
func (r *Runtime) Reconnect(_ context.Context, sandboxID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected && r.session.SandboxID == sandboxID, nil
}

func (r *Runtime) Disconnect(_ context.Context, snapshotFirst bool) {
	r.mu.Lock()
	wasConnected := r.connected
	sandboxID := r.session.SandboxID
	r.connected = false
	r.mu.Unlock()

	if snapshotFirst && r.Logger != nil {
		// Local sessions have no provider-side snapshots; the durable
		// archive is the orchestrator's job.
		r.Logger.Debug("snapshot-on-disconnect skipped for local runtime")
	}
	if wasConnected {
		r.statusBus.Publish(provider.StatusChange{SandboxID: sandboxID, Status: provider.StatusDisconnected})
	}
}

func (r *Runtime) WriteFiles(_ context.Context, batch []provider.FileWrite) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return provider.ErrNotConnected
	}
	workdir := r.workdir
	r.mu.Unlock()

	for _, write := range batch {
		cleaned, err := filetree.Normalize(write.Path)
		if err != nil {
			return err
		}
		payload := []byte(write.Content)
		if write.Encoding == provider.EncodingBase64 {
			decoded, err := base64.StdEncoding.DecodeString(write.Content)
			if err != nil {
				return fmt.Errorf("decode %q: %w", write.Path, err)
			}
			payload = decoded
		}

		target := filepath.Join(workdir, filepath.FromSlash(cleaned))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent for %q: %w", write.Path, err)
		}
		if err := os.WriteFile(target, payload, 0o644); err != nil {
			return fmt.Errorf("write %q: %w", write.Path, err)
		}
		r.fileBus.Publish(provider.FileChange{Path: cleaned})
	}
	return nil
}

func (r *Runtime) ReadFile(_ context.Context, path string) ([]byte, error) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, provider.ErrNotConnected
	}
	workdir := r.workdir
	r.mu.Unlock()

	cleaned, err := filetree.Normalize(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(workdir, filepath.FromSlash(cleaned)))
}

func (r *Runtime) CreateSnapshot(context.Context) (string, error) {
	return "", provider.ErrSnapshotUnsupported
}

func (r *Runtime) RestoreSnapshot(context.Context, string) (*provider.Session, error) {
	return nil, provider.ErrSnapshotUnsupported
}

// ExtendTimeout is a no-op: local sessions do not bill for idle time.
func (r *Runtime) ExtendTimeout(context.Context, time.Duration) error { return nil }

func (r *Runtime) Status(context.Context) (*provider.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return nil, provider.ErrNotConnected
	}
	session := r.session
	session.TimeoutRemaining = localTimeoutEstimate
	return &session, nil
}

func (r *Runtime) OnStatusChange(fn func(provider.StatusChange)) func() {
	return r.statusBus.Subscribe(fn)
}

func (r *Runtime) OnPreviewReady(fn func(provider.PreviewReady)) func() {
	return r.previewBus.Subscribe(fn)
}

func (r *Runtime) OnFileChange(fn func(provider.FileChange)) func() {
	return r.fileBus.Subscribe(fn)
}

// Workdir reports the bound working directory.
func (r *Runtime) Workdir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workdir
}

func envList(extra map[string]string) []string {
	env := os.Environ()
	for key, value := range extra {
		env = append(env, key+"="+value)
	}
	return env
}

func splitSudo(cmd string, args []string, sudo bool) (string, []string) {
	if !sudo {
		return cmd, args
	}
	return "sudo", append([]string{cmd}, args...)
}
