// Package session drives the lifecycle of one project sandbox session:
// entry flow, expiry recovery, periodic status and extension checks, and
// durable persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/alerts"
	"github.com/buildpad/workroom/internal/execqueue"
	"github.com/buildpad/workroom/internal/filetree"
	"github.com/buildpad/workroom/internal/heat"
	"github.com/buildpad/workroom/internal/provider"
	"github.com/buildpad/workroom/internal/snapshot"
	"github.com/buildpad/workroom/internal/store"
	"github.com/buildpad/workroom/internal/syncmgr"
	"github.com/charmbracelet/log"
)

// Phase is the coarse orchestrator state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
	PhaseError        Phase = "error"
)

const (
	defaultPollInterval = 30 * time.Second
	// recreateWaitBound caps how long a caller waits on a recreation
	// already in flight elsewhere.
	recreateWaitBound = 2 * time.Minute
)

// SessionContext bundles every per-project collaborator. It is built once
// per session and passed explicitly; no package-level state.
type SessionContext struct {
	ProjectID string
	Provider  provider.Provider
	Store     *store.Store
	Sync      *syncmgr.Manager
	Pipeline  *snapshot.Pipeline
	Heat      *heat.Engine
	Queue     *execqueue.Queue

	ConnectConfig provider.ConnectConfig

	Logger *log.Logger
	Alerts alerts.Sink
}

// Orchestrator owns the session state machine for one SessionContext.
type Orchestrator struct {
	sc SessionContext

	now          func() time.Time
	pollInterval time.Duration

	mu             sync.Mutex
	phase          Phase
	sessionID      string
	session        provider.Session
	lastSnapshotAt time.Time
	recreateDone   chan struct{}
	recreateErr    error

	treeMu sync.Mutex
	tree   *filetree.Tree

	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
	unsubs     []func()
}

func New(sc SessionContext) (*Orchestrator, error) {
	if sc.ProjectID == "" {
		return nil, errors.New("missing project id")
	}
	if sc.Provider == nil || sc.Store == nil || sc.Sync == nil || sc.Pipeline == nil || sc.Heat == nil {
		return nil, errors.New("incomplete session context")
	}
	if sc.Alerts == nil {
		sc.Alerts = alerts.Discard{}
	}
	if sc.ConnectConfig.ProjectID == "" {
		sc.ConnectConfig.ProjectID = sc.ProjectID
	}
	o := &Orchestrator{
		sc:           sc,
		now:          time.Now,
		pollInterval: defaultPollInterval,
		phase:        PhaseDisconnected,
		sessionID:    newSessionID(),
		tree:         filetree.New(),
	}
	sc.Sync.OnExpired = func(err error) {
		o.logger().Warn("sync flush hit an expired session", "project_id", sc.ProjectID, "err", err)
	}
	return o, nil
}

func (o *Orchestrator) logger() *log.Logger {
	if o.sc.Logger == nil {
		return log.Default()
	}
	return o.sc.Logger
}

// Phase reports the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}

// Session reports the last adopted provider session.
func (o *Orchestrator) Session() provider.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// SessionID reports the orchestrator's own session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// Tree exposes the client-visible file map under the orchestrator's lock.
func (o *Orchestrator) Tree(fn func(*filetree.Tree)) {
	o.treeMu.Lock()
	defer o.treeMu.Unlock()
	fn(o.tree)
}

// Open brings the session up. Entry order: direct restore from a remote
// snapshot id, then reconnect to a known sandbox with a liveness probe,
// then create from scratch. Each step falls through to the next on
// failure; only the final create is fatal.
func (o *Orchestrator) Open(ctx context.Context) error {
	o.setPhase(PhaseConnecting)

	archive := o.loadArchive(ctx)

	if archive != nil && archive.RemoteSnapshotID != "" {
		session, err := o.sc.Provider.RestoreSnapshot(ctx, archive.RemoteSnapshotID)
		if err == nil {
			o.logger().Info("restored from remote snapshot",
				"project_id", o.sc.ProjectID, "snapshot_id", archive.RemoteSnapshotID, "sandbox_id", session.SandboxID)
			o.adopt(*session)
			o.afterConnect()
			return nil
		}
		o.logger().Warn("remote snapshot restore failed, falling back",
			"snapshot_id", archive.RemoteSnapshotID, "code", provider.Classify(err), "err", err)
	}

	record, hasRecord, err := o.sc.Store.GetProject(ctx, o.sc.ProjectID)
	if err != nil {
		return fmt.Errorf("load project record: %w", err)
	}
	if hasRecord && record.SandboxID != "" {
		ok, err := o.sc.Provider.Reconnect(ctx, record.SandboxID)
		if err != nil {
			o.logger().Warn("reconnect failed, creating fresh sandbox", "sandbox_id", record.SandboxID, "err", err)
		}
		if ok && err == nil {
			session, err := o.sc.Provider.Status(ctx)
			if err != nil {
				return fmt.Errorf("status after reconnect: %w", err)
			}
			o.adopt(*session)
			if !o.probeWarm(ctx) {
				if _, err := o.restoreTree(ctx); err != nil {
					o.setPhase(PhaseError)
					return fmt.Errorf("restore into reconnected sandbox: %w", err)
				}
			}
			o.afterConnect()
			return nil
		}
	}

	return o.createFresh(ctx)
}

func (o *Orchestrator) createFresh(ctx context.Context) error {
	session, err := o.sc.Provider.Connect(ctx, o.sc.ConnectConfig)
	if err != nil {
		o.setPhase(PhaseError)
		return fmt.Errorf("create sandbox: %w", err)
	}
	o.adopt(*session)

	if err := o.persistRecord(ctx, *session); err != nil {
		o.logger().Warn("persist project record failed", "err", err)
	}
	if _, err := o.restoreTree(ctx); err != nil {
		o.setPhase(PhaseError)
		return fmt.Errorf("restore into new sandbox: %w", err)
	}
	o.afterConnect()
	return nil
}

func (o *Orchestrator) adopt(session provider.Session) {
	o.mu.Lock()
	o.session = session
	o.mu.Unlock()
}

func (o *Orchestrator) persistRecord(ctx context.Context, session provider.Session) error {
	return o.sc.Store.PutProject(ctx, store.ProjectRecord{
		ProjectID:    o.sc.ProjectID,
		SandboxID:    session.SandboxID,
		ProviderKind: session.Kind,
		ExpiresAt:    o.now().Add(session.TimeoutRemaining),
	})
}

// loadArchive pulls the durable snapshot and rebuilds the tree from it.
// Absence and decode failures both yield an empty tree.
func (o *Orchestrator) loadArchive(ctx context.Context) *snapshot.Archive {
	record, found, err := o.sc.Store.GetSnapshot(ctx, o.sc.ProjectID)
	if err != nil || !found {
		if err != nil {
			o.logger().Warn("load durable snapshot failed", "err", err)
		}
		return nil
	}
	archive, err := snapshot.DecodeArchive(record.Blob)
	if err != nil {
		o.logger().Warn("durable snapshot is unreadable, starting empty", "err", err)
		return nil
	}
	tree, err := archive.Rebuild()
	if err != nil {
		o.logger().Warn("durable snapshot rebuild failed, starting empty", "err", err)
		return nil
	}

	o.treeMu.Lock()
	o.tree = tree
	o.treeMu.Unlock()
	o.mu.Lock()
	o.lastSnapshotAt = record.UpdatedAt
	o.mu.Unlock()
	return archive
}

// probeWarm checks whether a reconnected sandbox still has the project on
// disk. Warm means the upload pass can be skipped entirely.
func (o *Orchestrator) probeWarm(ctx context.Context) bool {
	result, err := o.sc.Provider.RunCommand(ctx, "sh", []string{"-c", "test -e package.json -o -e .workroom"}, provider.CommandOptions{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return false
	}
	return result.ExitCode == 0
}

func (o *Orchestrator) restoreTree(ctx context.Context) (int, error) {
	o.treeMu.Lock()
	tree := o.tree
	o.treeMu.Unlock()
	return o.sc.Pipeline.Restore(ctx, tree)
}

// afterConnect wires the event subscriptions, sync manager, heat log, and
// pollers for the connected session.
func (o *Orchestrator) afterConnect() {
	o.sc.Heat.StartSession(o.now())
	o.sc.Sync.Attach(o.sc.Provider)
	o.subscribe()
	o.startPollers()
	o.setPhase(PhaseConnected)
	o.logger().Info("session connected",
		"project_id", o.sc.ProjectID, "session_id", o.sessionID, "sandbox_id", o.Session().SandboxID)
}

func (o *Orchestrator) subscribe() {
	p := o.sc.Provider

	unsubPreview := p.OnPreviewReady(func(ev provider.PreviewReady) {
		o.sc.Heat.Record(heat.ActivityPreviewAccess, o.now())
		o.logger().Info("preview ready", "port", ev.Port, "url", ev.URL)
	})
	unsubFile := p.OnFileChange(func(ev provider.FileChange) {
		if ev.Removed {
			o.Tree(func(t *filetree.Tree) { t.Remove(ev.Path) })
			return
		}
		o.refreshTreeEntry(ev.Path)
	})
	unsubStatus := p.OnStatusChange(func(ev provider.StatusChange) {
		o.logger().Debug("sandbox status", "sandbox_id", ev.SandboxID, "status", ev.Status)
	})

	o.mu.Lock()
	o.unsubs = append(o.unsubs, unsubPreview, unsubFile, unsubStatus)
	o.mu.Unlock()
}

// refreshTreeEntry reads a remotely changed file back into the tree. The
// read runs on the execution queue so read-backs apply in arrival order.
func (o *Orchestrator) refreshTreeEntry(path string) {
	if o.sc.Queue == nil {
		return
	}
	o.sc.Queue.Submit(execqueue.Task{
		Description: "refresh " + path,
		Run: func(ctx context.Context) error {
			content, err := o.sc.Provider.ReadFile(ctx, path)
			if err != nil {
				return fmt.Errorf("read back %q: %w", path, err)
			}
			var putErr error
			o.Tree(func(t *filetree.Tree) {
				putErr = t.PutFile(path, filetree.Entry{Content: string(content)})
			})
			return putErr
		},
	})
}

func (o *Orchestrator) startPollers() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.pollCancel = cancel
	o.mu.Unlock()

	o.pollWG.Add(1)
	go o.pollLoop(ctx)
}

// pollLoop runs the status refresh and the extension check. Both tickers
// stop together when the session leaves the connected phase.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.pollWG.Done()

	statusTicker := time.NewTicker(o.pollInterval)
	extendTicker := time.NewTicker(o.pollInterval)
	defer statusTicker.Stop()
	defer extendTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTicker.C:
			session, err := o.sc.Provider.Status(ctx)
			if err != nil {
				o.logger().Warn("status poll failed", "code", provider.Classify(err), "err", err)
				continue
			}
			o.adopt(*session)
		case <-extendTicker.C:
			o.checkExtension(ctx)
		}
	}
}

func (o *Orchestrator) checkExtension(ctx context.Context) {
	session, err := o.sc.Provider.Status(ctx)
	if err != nil {
		return
	}
	o.adopt(*session)

	decision := o.sc.Heat.Decide(o.now(), session.TimeoutRemaining)
	if !decision.ShouldExtend {
		o.logger().Debug("extension skipped", "heat", decision.Heat, "reason", decision.Reason)
		return
	}
	if err := o.sc.Provider.ExtendTimeout(ctx, decision.Duration); err != nil {
		o.logger().Warn("timeout extension failed", "code", provider.Classify(err), "err", err)
		return
	}
	o.logger().Info("timeout extended", "heat", decision.Heat, "duration", decision.Duration)
}

// WriteFile updates the tree and queues the sandbox write through the
// debounced sync manager.
func (o *Orchestrator) WriteFile(path, content string, encoding provider.Encoding) error {
	var putErr error
	o.Tree(func(t *filetree.Tree) {
		putErr = t.PutFile(path, filetree.Entry{
			Content:  content,
			IsBinary: encoding == provider.EncodingBase64,
		})
	})
	if putErr != nil {
		return putErr
	}
	o.sc.Heat.Record(heat.ActivityFileWrite, o.now())
	o.sc.Sync.QueueWrite(path, content, encoding)
	return nil
}

// Run executes a command in the sandbox. Expiry mid-command triggers
// exactly one recreate-and-retry; a second expiry propagates to the
// caller.
func (o *Orchestrator) Run(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (*provider.CommandResult, error) {
	o.sc.Heat.Record(heat.ActivityCommand, o.now())

	result, err := o.sc.Provider.RunCommand(ctx, cmd, args, opts)
	if err == nil || !provider.IsExpiry(err) {
		return result, err
	}

	o.logger().Warn("sandbox expired mid-command, recreating", "cmd", cmd)
	if rerr := o.recreate(ctx); rerr != nil {
		return nil, fmt.Errorf("recreate after expiry: %w", rerr)
	}
	return o.sc.Provider.RunCommand(ctx, cmd, args, opts)
}

// RunStream starts a streamed command, recreating the session once if the
// start itself reports expiry.
func (o *Orchestrator) RunStream(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (provider.CommandStream, error) {
	o.sc.Heat.Record(heat.ActivityCommand, o.now())

	stream, err := o.sc.Provider.RunCommandStream(ctx, cmd, args, opts)
	if err == nil || !provider.IsExpiry(err) {
		return stream, err
	}
	if rerr := o.recreate(ctx); rerr != nil {
		return nil, fmt.Errorf("recreate after expiry: %w", rerr)
	}
	return o.sc.Provider.RunCommandStream(ctx, cmd, args, opts)
}

// RecordInteraction feeds a user-origin engagement signal into the heat
// log.
func (o *Orchestrator) RecordInteraction(kind heat.ActivityKind) {
	o.sc.Heat.Record(kind, o.now())
}

// recreate replaces an expired sandbox under the same project. It is
// single flight: concurrent callers wait for the in-flight recreation
// with a bounded timeout instead of starting a second one.
func (o *Orchestrator) recreate(ctx context.Context) error {
	o.mu.Lock()
	if done := o.recreateDone; done != nil {
		o.mu.Unlock()
		select {
		case <-done:
			o.mu.Lock()
			defer o.mu.Unlock()
			return o.recreateErr
		case <-time.After(recreateWaitBound):
			return errors.New("timed out waiting for session recreation")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	o.recreateDone = done
	o.mu.Unlock()

	err := o.doRecreate(ctx)

	o.mu.Lock()
	o.recreateErr = err
	o.recreateDone = nil
	o.mu.Unlock()
	close(done)
	return err
}

func (o *Orchestrator) doRecreate(ctx context.Context) error {
	o.setPhase(PhaseReconnecting)

	// Drain what we can; expired entries are reported, not retried.
	if err := o.sc.Sync.Flush(ctx); err != nil && !provider.IsExpiry(err) {
		o.logger().Warn("flush before recreate failed", "err", err)
	}
	o.sc.Sync.Detach()
	o.sc.Provider.Disconnect(ctx, false)

	session, err := o.sc.Provider.Connect(ctx, o.sc.ConnectConfig)
	if err != nil {
		o.setPhase(PhaseError)
		return fmt.Errorf("create replacement sandbox: %w", err)
	}
	o.adopt(*session)
	if err := o.persistRecord(ctx, *session); err != nil {
		o.logger().Warn("persist replacement record failed", "err", err)
	}

	if _, err := o.restoreTree(ctx); err != nil {
		o.setPhase(PhaseError)
		return fmt.Errorf("restore into replacement sandbox: %w", err)
	}

	o.sc.Sync.Attach(o.sc.Provider)
	o.setPhase(PhaseConnected)
	o.logger().Info("session recreated", "project_id", o.sc.ProjectID, "sandbox_id", session.SandboxID)
	return nil
}

// Snapshot flushes pending writes and persists the durable archive,
// attaching a provider-side snapshot id when the backend supports one. A
// detected concurrent overwrite is surfaced as a warning; the latest
// write still wins.
func (o *Orchestrator) Snapshot(ctx context.Context) error {
	if err := o.sc.Sync.Flush(ctx); err != nil && !provider.IsExpiry(err) {
		return fmt.Errorf("flush before snapshot: %w", err)
	}

	remoteID := ""
	if id, err := o.sc.Provider.CreateSnapshot(ctx); err == nil {
		remoteID = id
	} else if !errors.Is(err, provider.ErrSnapshotUnsupported) {
		o.logger().Warn("provider snapshot failed", "code", provider.Classify(err), "err", err)
	}

	o.treeMu.Lock()
	files := snapshot.Serialize(o.tree)
	o.treeMu.Unlock()

	archive := snapshot.Archive{
		ProjectID:        o.sc.ProjectID,
		Files:            files,
		UpdatedAt:        o.now(),
		RemoteSnapshotID: remoteID,
	}
	blob, err := archive.Encode()
	if err != nil {
		return fmt.Errorf("encode archive: %w", err)
	}

	o.mu.Lock()
	lastKnown := o.lastSnapshotAt
	o.mu.Unlock()

	record, conflict, err := o.sc.Store.PutSnapshot(ctx, o.sc.ProjectID, blob, remoteID, lastKnown)
	if err != nil {
		return fmt.Errorf("persist archive: %w", err)
	}
	if conflict {
		o.sc.Alerts.Notify(alerts.Notice{
			Severity:    alerts.SeverityWarning,
			Title:       "Project was modified elsewhere",
			Description: "Another session saved this project; the latest save wins.",
		})
	}

	o.mu.Lock()
	o.lastSnapshotAt = record.UpdatedAt
	o.mu.Unlock()
	return nil
}

// Close tears the session down: pollers and subscriptions stop, queued
// work drains, a final snapshot is attempted, and the provider is
// disconnected with snapshot-first teardown.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.pollCancel
	o.pollCancel = nil
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		o.pollWG.Wait()
	}
	for _, unsub := range unsubs {
		unsub()
	}

	if o.sc.Queue != nil {
		if err := o.sc.Queue.Drain(ctx); err != nil {
			o.logger().Warn("queue drain timed out", "err", err)
		}
	}

	var snapErr error
	if o.Phase() == PhaseConnected {
		snapErr = o.Snapshot(ctx)
		if snapErr != nil {
			o.logger().Warn("final snapshot failed", "err", snapErr)
		}
	}

	o.sc.Sync.Detach()
	o.sc.Provider.Disconnect(ctx, true)
	o.setPhase(PhaseDisconnected)
	o.logger().Info("session closed", "project_id", o.sc.ProjectID, "session_id", o.sessionID)
	return snapErr
}
