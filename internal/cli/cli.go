package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buildpad/workroom/internal/alerts"
	"github.com/buildpad/workroom/internal/execqueue"
	"github.com/buildpad/workroom/internal/heat"
	"github.com/buildpad/workroom/internal/paths"
	"github.com/buildpad/workroom/internal/provider"
	"github.com/buildpad/workroom/internal/provider/cloud"
	"github.com/buildpad/workroom/internal/provider/local"
	"github.com/buildpad/workroom/internal/runtimeconfig"
	"github.com/buildpad/workroom/internal/session"
	"github.com/buildpad/workroom/internal/snapshot"
	"github.com/buildpad/workroom/internal/store"
	"github.com/buildpad/workroom/internal/syncmgr"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	Stdout     *os.File
	Stderr     *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Open     OpenCommand     `cmd:"" help:"Start or resume a project session"`
	Exec     ExecCommand     `cmd:"" help:"Run a command inside a project session"`
	Snapshot SnapshotCommand `cmd:"" help:"Flush pending writes and persist a snapshot"`
	Status   StatusCommand   `cmd:"" help:"Show the stored session state for a project"`
	Version  VersionCommand  `cmd:"" help:"Print the workroom version"`
}

type OpenCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Provider string `help:"Runtime provider (local|cloud; defaults to runtime config or local)"`

	Project string `arg:"" required:"" help:"Project identifier"`
}

type ExecCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Provider string `help:"Runtime provider (local|cloud; defaults to runtime config or local)"`
	Project  string `required:"" short:"p" help:"Project identifier"`

	Command []string `arg:"" passthrough:"" required:"" help:"Command to execute"`
}

type SnapshotCommand struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Provider string `help:"Runtime provider (local|cloud; defaults to runtime config or local)"`

	Project string `arg:"" required:"" help:"Project identifier"`
}

type StatusCommand struct {
	JSON bool `help:"Print the project record as JSON"`

	Project string `arg:"" required:"" help:"Project identifier"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("workroom"),
		kong.Description("Ephemeral sandbox sessions for project workspaces"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}

// buildProvider picks the runtime backend from the flag, falling back to
// config and finally to the local runtime.
func buildProvider(name string, cfg runtimeconfig.Config, logger *log.Logger) (provider.Provider, error) {
	selected := strings.TrimSpace(strings.ToLower(name))
	if selected == "" {
		selected = strings.ToLower(cfg.DefaultProvider)
	}
	if selected == "" {
		selected = string(provider.KindLocal)
	}

	switch provider.Kind(selected) {
	case provider.KindLocal:
		return local.New(cfg.Providers.Local.Workdir, cfg.Providers.Local.Ports, logger), nil
	case provider.KindCloud:
		cloudCfg := cfg.Providers.Cloud
		if strings.TrimSpace(cloudCfg.BaseURL) == "" {
			return nil, errors.New("cloud provider requires providers.cloud.base_url in the runtime config")
		}
		apiKey := cloudCfg.ResolveAPIKey()
		if apiKey == "" {
			return nil, errors.New("cloud provider requires an API key (providers.cloud.api_key or its env)")
		}
		return cloud.New(cloud.Config{
			BaseURL:  cloudCfg.BaseURL,
			APIKey:   apiKey,
			Template: cloudCfg.Template,
			Ports:    cloudCfg.Ports,
			Timeout:  cloudCfg.Timeout(),
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

type sessionHandle struct {
	orch  *session.Orchestrator
	store *store.Store
	queue *execqueue.Queue
}

func (h *sessionHandle) close(ctx context.Context) {
	_ = h.orch.Close(ctx)
	h.queue.Close()
	_ = h.store.Close()
}

// buildSession wires one orchestrator with the full collaborator set from
// the runtime config.
func buildSession(projectID, providerName string, cfg runtimeconfig.Config, logger *log.Logger) (*sessionHandle, error) {
	p, err := buildProvider(providerName, cfg, logger)
	if err != nil {
		return nil, err
	}

	dbPath, err := paths.StoreDBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Options{Path: dbPath})
	if err != nil {
		return nil, err
	}

	sink := alerts.LogSink{Logger: logger}

	var syncOpts []syncmgr.Option
	if cfg.Sync.DebounceMS > 0 {
		syncOpts = append(syncOpts, syncmgr.WithDebounce(time.Duration(cfg.Sync.DebounceMS)*time.Millisecond))
	}
	if cfg.Sync.BatchCap > 0 {
		syncOpts = append(syncOpts, syncmgr.WithBatchCap(cfg.Sync.BatchCap))
	}

	pipeline := snapshot.NewPipeline(p, logger, sink)
	if cfg.Snapshot.ChunkBytes > 0 {
		pipeline.ByteBudget = cfg.Snapshot.ChunkBytes
	}
	if cfg.Snapshot.ChunkFiles > 0 {
		pipeline.CountBudget = cfg.Snapshot.ChunkFiles
	}
	if cfg.Snapshot.InterChunkDelayMS > 0 {
		pipeline.InterChunkDelay = time.Duration(cfg.Snapshot.InterChunkDelayMS) * time.Millisecond
	}

	queue := execqueue.NewQueue(context.Background(), logger, sink)

	orch, err := session.New(session.SessionContext{
		ProjectID: projectID,
		Provider:  p,
		Store:     st,
		Sync:      syncmgr.New(logger, sink, syncOpts...),
		Pipeline:  pipeline,
		Heat:      heat.NewEngine(heat.DefaultConfig()),
		Queue:     queue,
		ConnectConfig: provider.ConnectConfig{
			ProjectID: projectID,
			Template:  cfg.Providers.Cloud.Template,
			Ports:     cfg.Providers.Cloud.Ports,
			Timeout:   cfg.Providers.Cloud.Timeout(),
		},
		Logger: logger,
		Alerts: sink,
	})
	if err != nil {
		queue.Close()
		st.Close()
		return nil, err
	}
	return &sessionHandle{orch: orch, store: st, queue: queue}, nil
}

func (c *OpenCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(c.LogLevel, "session")
	if err != nil {
		return err
	}
	color := shouldUseANSI(ctx.Stderr)
	applyPolishedLoggerStyles(logger, color)

	handle, err := buildSession(c.Project, c.Provider, ctx.Config, logger)
	if err != nil {
		return err
	}

	openCtx := context.Background()
	if err := handle.orch.Open(openCtx); err != nil {
		handle.close(openCtx)
		return err
	}

	sess := handle.orch.Session()
	header := startupHeader{
		Title: "workroom session",
		Fields: []startupField{
			{Key: "project", Value: c.Project},
			{Key: "sandbox", Value: sess.SandboxID},
			{Key: "provider", Value: string(sess.Kind)},
		},
	}
	for port, url := range sess.PreviewURLs {
		header.Fields = append(header.Fields, startupField{Key: fmt.Sprintf("preview :%d", port), Value: url})
	}
	if shouldShowStartupHeader(ctx.Stderr) {
		if err := writeStartupHeader(ctx.Stderr, header, color); err != nil {
			return err
		}
	}

	// The session runs until interrupted; a second interrupt skips the
	// final snapshot.
	signalCh := newSignalChannel()
	notifySignals(signalCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(signalCh)

	<-signalCh
	logger.Info("shutting down, saving session", "project_id", c.Project)

	done := make(chan struct{})
	go func() {
		handle.close(context.Background())
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-signalCh:
		return exitCodeError{code: 130}
	}
}

func (e *ExecCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(e.LogLevel, "exec")
	if err != nil {
		return err
	}

	handle, err := buildSession(e.Project, e.Provider, ctx.Config, logger)
	if err != nil {
		return err
	}
	runCtx := context.Background()
	if err := handle.orch.Open(runCtx); err != nil {
		handle.close(runCtx)
		return err
	}
	defer handle.close(runCtx)

	cmd := e.Command[0]
	args := e.Command[1:]

	stream, err := handle.orch.RunStream(runCtx, cmd, args, provider.CommandOptions{})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		chunk, err := stream.Next(runCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("stream command output: %w", err)
		}
		target := io.Writer(ctx.Stdout)
		if chunk.Stream == provider.StreamStderr {
			target = ctx.Stderr
		}
		if _, err := target.Write(chunk.Data); err != nil {
			return err
		}
	}

	if code := stream.Result().ExitCode; code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

func (s *SnapshotCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "snapshot")
	if err != nil {
		return err
	}

	handle, err := buildSession(s.Project, s.Provider, ctx.Config, logger)
	if err != nil {
		return err
	}
	runCtx := context.Background()
	if err := handle.orch.Open(runCtx); err != nil {
		handle.close(runCtx)
		return err
	}
	defer handle.close(runCtx)

	if err := handle.orch.Snapshot(runCtx); err != nil {
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "snapshot saved for %s\n", s.Project)
	return err
}

func (s *StatusCommand) Run(ctx *runtimeContext) error {
	dbPath, err := paths.StoreDBPath()
	if err != nil {
		return err
	}
	st, err := store.Open(store.Options{Path: dbPath})
	if err != nil {
		return err
	}
	defer st.Close()

	record, found, err := st.GetProject(context.Background(), s.Project)
	if err != nil {
		return err
	}
	if !found {
		_, err = fmt.Fprintf(ctx.Stdout, "no session recorded for %s\n", s.Project)
		return err
	}

	if s.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}

	_, err = fmt.Fprintf(ctx.Stdout, "project: %s\nsandbox: %s\nprovider: %s\nexpires: %s\nupdated: %s\n",
		record.ProjectID, record.SandboxID, record.ProviderKind,
		record.ExpiresAt.Format(time.RFC3339), record.UpdatedAt.Format(time.RFC3339))
	return err
}

func (VersionCommand) Run(ctx *runtimeContext) error {
	version := ctx.Version
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	_, err := fmt.Fprintln(ctx.Stdout, "workroom "+version)
	return err
}
