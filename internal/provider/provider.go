package provider

import (
	"context"
	"time"
)

// Kind identifies a concrete runtime backend.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// Status is the normalized sandbox lifecycle status across providers.
type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusConnecting   Status = "connecting"
	StatusRunning      Status = "running"
	StatusDisconnected Status = "disconnected"
	StatusExpired      Status = "expired"
)

// Session describes the live sandbox a provider is bound to.
type Session struct {
	SandboxID        string
	Kind             Kind
	Status           Status
	TimeoutRemaining time.Duration
	// PreviewURLs maps exposed ports to externally reachable URLs.
	PreviewURLs map[int]string
}

// ConnectConfig carries everything needed to create or adopt a sandbox.
type ConnectConfig struct {
	ProjectID string
	// SnapshotID, when set, asks the provider to boot directly from a
	// provider-side snapshot instead of an empty template.
	SnapshotID string
	Template   string
	Ports      []int
	Timeout    time.Duration
}

// CommandOptions tune a single command execution.
type CommandOptions struct {
	CWD     string
	Env     map[string]string
	Timeout time.Duration
	Sudo    bool
}

// CommandResult is the assembled outcome of a finished command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// StreamName distinguishes output channels in a command stream.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// StreamChunk is one ordered piece of command output.
type StreamChunk struct {
	Stream StreamName
	Data   []byte
}

// CommandStream consumes the ordered output of a running command. The
// stream is finite and not restartable; the caller owns buffering.
type CommandStream interface {
	// Next blocks for the next chunk. It returns io.EOF after the
	// terminal exit event, or the mid-stream error that aborted the
	// command.
	Next(ctx context.Context) (StreamChunk, error)
	// Result reports the exit outcome once Next has returned io.EOF.
	Result() CommandResult
	// Close stops local consumption. Remote-side work already done is
	// not undone.
	Close() error
}

// Encoding selects the payload encoding for a file write.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// FileWrite is a single remote file mutation.
type FileWrite struct {
	Path     string
	Content  string
	Encoding Encoding
}

// FileChange reports a file mutation observed inside the sandbox.
type FileChange struct {
	Path    string
	Removed bool
}

// PreviewReady announces that a port inside the sandbox is serving HTTP.
type PreviewReady struct {
	Port int
	URL  string
}

// StatusChange reports a sandbox status transition.
type StatusChange struct {
	SandboxID string
	Status    Status
}

// Provider is the uniform capability surface over a concrete
// remote-execution backend. Implementations keep no local state beyond a
// small cache of last-known preview URLs and the timeout estimate.
type Provider interface {
	Kind() Kind

	// Connect creates or adopts a sandbox. Calling Connect while already
	// connected is idempotent only when the resulting session would be
	// the same sandbox; otherwise it fails with ErrAlreadyConnected.
	Connect(ctx context.Context, cfg ConnectConfig) (*Session, error)

	// Reconnect re-attaches to a previously created sandbox. It returns
	// false, not an error, when the remote session is gone or not
	// running; the caller must treat false as "create new".
	Reconnect(ctx context.Context, sandboxID string) (bool, error)

	// Disconnect is best effort. When snapshotFirst is set a snapshot is
	// attempted before teardown; a snapshot failure is logged and
	// swallowed, and the disconnect still completes.
	Disconnect(ctx context.Context, snapshotFirst bool)

	// RunCommand assembles a synchronous result from the underlying
	// event stream. A mid-stream error event aborts with that message.
	RunCommand(ctx context.Context, cmd string, args []string, opts CommandOptions) (*CommandResult, error)

	// RunCommandStream starts cmd and hands the caller the live stream.
	RunCommandStream(ctx context.Context, cmd string, args []string, opts CommandOptions) (CommandStream, error)

	// WriteFiles applies a batch of file mutations. Batch atomicity is
	// not guaranteed remotely; callers are responsible for chunking.
	WriteFiles(ctx context.Context, batch []FileWrite) error

	ReadFile(ctx context.Context, path string) ([]byte, error)

	CreateSnapshot(ctx context.Context) (string, error)
	RestoreSnapshot(ctx context.Context, snapshotID string) (*Session, error)

	ExtendTimeout(ctx context.Context, d time.Duration) error

	// Status re-queries the remote side and refreshes the cached preview
	// URLs and timeout estimate.
	Status(ctx context.Context) (*Session, error)

	// Event subscriptions. Callbacks fire in subscription order,
	// synchronously with respect to the triggering event, and never out
	// of order across events from the same provider instance. The
	// returned handle unsubscribes.
	OnStatusChange(fn func(StatusChange)) (unsubscribe func())
	OnPreviewReady(fn func(PreviewReady)) (unsubscribe func())
	OnFileChange(fn func(FileChange)) (unsubscribe func())
}
