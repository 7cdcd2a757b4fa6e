package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/buildpad/workroom/internal/alerts"
	"github.com/buildpad/workroom/internal/filetree"
	"github.com/buildpad/workroom/internal/provider"
	"github.com/charmbracelet/log"
)

const defaultInterChunkDelay = 150 * time.Millisecond

// devServerConfigPath is read by the sandbox template's dev-server wrapper;
// restoring a project must allow external preview hosts before any
// long-running process starts.
const devServerConfigPath = ".workroom/devserver.json"

// Pipeline uploads serialized files into a sandbox and bootstraps the
// project afterwards. Chunks upload strictly sequentially; parallel
// uploads trip provider rate limits.
type Pipeline struct {
	Provider provider.Provider
	Logger   *log.Logger
	Alerts   alerts.Sink

	ByteBudget      int
	CountBudget     int
	InterChunkDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(p provider.Provider, logger *log.Logger, sink alerts.Sink) *Pipeline {
	if sink == nil {
		sink = alerts.Discard{}
	}
	return &Pipeline{
		Provider:        p,
		Logger:          logger,
		Alerts:          sink,
		ByteBudget:      DefaultChunkBytes,
		CountBudget:     DefaultChunkFiles,
		InterChunkDelay: defaultInterChunkDelay,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Upload ships files into the sandbox chunk by chunk. It returns the
// number of files actually written; on a chunk failure the remaining
// chunks are abandoned and the error carries the partial progress.
func (pl *Pipeline) Upload(ctx context.Context, files []File) (int, error) {
	chunks := Chunk(files, pl.ByteBudget, pl.CountBudget)
	uploaded := 0

	for i, chunk := range chunks {
		if i > 0 {
			if err := pl.sleep(ctx, pl.InterChunkDelay); err != nil {
				return uploaded, err
			}
		}

		batch := make([]provider.FileWrite, 0, len(chunk))
		for _, file := range chunk {
			batch = append(batch, file.writeEntry())
		}
		if err := pl.Provider.WriteFiles(ctx, batch); err != nil {
			return uploaded, fmt.Errorf("upload chunk %d/%d after %d files: %w", i+1, len(chunks), uploaded, err)
		}
		uploaded += len(chunk)

		if pl.Logger != nil {
			pl.Logger.Debug("uploaded snapshot chunk", "chunk", i+1, "chunks", len(chunks), "files", uploaded)
		}
	}

	return uploaded, nil
}

// Verify counts files present in the sandbox workdir against the attempted
// count. A mismatch is advisory: it is logged and surfaced, never fatal.
func (pl *Pipeline) Verify(ctx context.Context, attempted int) {
	result, err := pl.Provider.RunCommand(ctx, "sh", []string{
		"-c", "find . -type f -not -path './node_modules/*' -not -path './.git/*' | wc -l",
	}, provider.CommandOptions{Timeout: 15 * time.Second})
	if err != nil || result.ExitCode != 0 {
		if pl.Logger != nil {
			pl.Logger.Warn("snapshot verification skipped", "err", err)
		}
		return
	}

	present, convErr := strconv.Atoi(strings.TrimSpace(result.Stdout))
	if convErr != nil {
		if pl.Logger != nil {
			pl.Logger.Warn("snapshot verification unparseable", "output", result.Stdout)
		}
		return
	}

	if present < attempted {
		if pl.Logger != nil {
			pl.Logger.Warn("snapshot verification mismatch", "attempted", attempted, "present", present)
		}
		pl.Alerts.Notify(alerts.Notice{
			Severity:    alerts.SeverityWarning,
			Title:       "Some files may be missing",
			Description: fmt.Sprintf("restored %d of %d files into the sandbox", present, attempted),
		})
	}
}

// Restore repopulates a fresh sandbox from the tree: upload, verify, patch
// the dev-server config, then install and start the project if its
// manifest defines a runnable script. A missing script is a no-op.
func (pl *Pipeline) Restore(ctx context.Context, tree *filetree.Tree) (int, error) {
	files := Serialize(tree)

	uploaded, err := pl.Upload(ctx, files)
	if err != nil {
		return uploaded, err
	}
	pl.Verify(ctx, len(files))

	if err := pl.patchDevServerConfig(ctx); err != nil {
		// Preview reachability is degraded but the session is usable.
		if pl.Logger != nil {
			pl.Logger.Warn("dev-server config patch failed", "err", err)
		}
	}

	pl.bootstrapProject(ctx, files)
	return uploaded, nil
}

func (pl *Pipeline) patchDevServerConfig(ctx context.Context) error {
	payload, err := json.Marshal(map[string]any{"allowed_hosts": []string{"*"}})
	if err != nil {
		return err
	}
	return pl.Provider.WriteFiles(ctx, []provider.FileWrite{{
		Path:     devServerConfigPath,
		Content:  string(payload),
		Encoding: provider.EncodingUTF8,
	}})
}

// bootstrapProject runs install+run when a package manifest with a dev or
// start script is present.
func (pl *Pipeline) bootstrapProject(ctx context.Context, files []File) {
	script := runnableScript(files)
	if script == "" {
		return
	}

	install, err := pl.Provider.RunCommand(ctx, "npm", []string{"install"}, provider.CommandOptions{
		Timeout: 5 * time.Minute,
	})
	if err != nil || install.ExitCode != 0 {
		if pl.Logger != nil {
			pl.Logger.Warn("dependency install failed", "err", err)
		}
		pl.Alerts.Notify(alerts.Notice{
			Severity:    alerts.SeverityWarning,
			Title:       "Dependency install failed",
			Description: "the project was restored but dependencies could not be installed",
		})
		return
	}

	// The dev server keeps running inside the sandbox; only local stream
	// consumption is released here.
	stream, err := pl.Provider.RunCommandStream(ctx, "npm", []string{"run", script}, provider.CommandOptions{})
	if err != nil {
		if pl.Logger != nil {
			pl.Logger.Warn("dev server start failed", "script", script, "err", err)
		}
		return
	}
	_ = stream.Close()

	if pl.Logger != nil {
		pl.Logger.Info("project bootstrapped", "script", script)
	}
}

// runnableScript inspects the root package.json among the serialized files
// and picks the script to launch, preferring dev over start.
func runnableScript(files []File) string {
	for _, file := range files {
		if file.Path != "package.json" || file.Encoding != provider.EncodingUTF8 {
			continue
		}
		var manifest struct {
			Scripts map[string]string `json:"scripts"`
		}
		if err := json.Unmarshal([]byte(file.Content), &manifest); err != nil {
			return ""
		}
		if _, ok := manifest.Scripts["dev"]; ok {
			return "dev"
		}
		if _, ok := manifest.Scripts["start"]; ok {
			return "start"
		}
		return ""
	}
	return ""
}
