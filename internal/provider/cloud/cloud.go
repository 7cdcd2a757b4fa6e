// Package cloud implements the provider contract against a managed
// sandbox service: JSON over HTTP for lifecycle and file I/O, a websocket
// event stream for command execution.
package cloud

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/events"
	"github.com/buildpad/workroom/internal/provider"
	"github.com/charmbracelet/log"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	// expiryMarker is the distinguished status marker for terminated
	// sandboxes; callers must never fold it into generic network failure.
	expiryMarker = "SANDBOX_EXPIRED"
)

// Config configures the cloud client.
type Config struct {
	BaseURL  string
	APIKey   string
	Template string
	Ports    []int
	Timeout  time.Duration

	HTTPClient *http.Client
}

// Client implements provider.Provider against the sandbox service.
type Client struct {
	Logger *log.Logger

	cfg        Config
	httpClient *http.Client

	mu        sync.Mutex
	connected bool
	projectID string
	session   provider.Session

	statusBus  events.Bus[provider.StatusChange]
	previewBus events.Bus[provider.PreviewReady]
	fileBus    events.Bus[provider.FileChange]
}

func New(cfg Config, logger *log.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Template == "" {
		cfg.Template = "base"
	}
	return &Client{Logger: logger, cfg: cfg, httpClient: httpClient}
}

func (c *Client) Kind() provider.Kind { return provider.KindCloud }

type sandboxPayload struct {
	SandboxID   string            `json:"sandbox_id"`
	Status      string            `json:"status"`
	PreviewURLs map[string]string `json:"preview_urls"`
	TimeoutMS   int64             `json:"timeout_ms"`
}

type createSandboxRequest struct {
	ProjectID  string `json:"project_id"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Template   string `json:"template"`
	Ports      []int  `json:"ports,omitempty"`
	TimeoutMS  int64  `json:"timeout_ms,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (p sandboxPayload) toSession() provider.Session {
	previews := map[int]string{}
	for portText, previewURL := range p.PreviewURLs {
		if port, err := strconv.Atoi(portText); err == nil {
			previews[port] = previewURL
		}
	}
	status := provider.StatusUnknown
	switch p.Status {
	case "running", "ready":
		status = provider.StatusRunning
	case "connecting", "starting":
		status = provider.StatusConnecting
	case "expired", "terminated":
		status = provider.StatusExpired
	}
	return provider.Session{
		SandboxID:        p.SandboxID,
		Kind:             provider.KindCloud,
		Status:           status,
		TimeoutRemaining: time.Duration(p.TimeoutMS) * time.Millisecond,
		PreviewURLs:      previews,
	}
}

func (c *Client) Connect(ctx context.Context, cfg provider.ConnectConfig) (*provider.Session, error) {
	c.mu.Lock()
	if c.connected {
		defer c.mu.Unlock()
		if c.projectID == cfg.ProjectID {
			session := c.session
			return &session, nil
		}
		return nil, provider.ErrAlreadyConnected
	}
	c.mu.Unlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ports := cfg.Ports
	if len(ports) == 0 {
		ports = c.cfg.Ports
	}
	template := cfg.Template
	if template == "" {
		template = c.cfg.Template
	}

	var payload sandboxPayload
	err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", createSandboxRequest{
		ProjectID:  cfg.ProjectID,
		SnapshotID: cfg.SnapshotID,
		Template:   template,
		Ports:      ports,
		TimeoutMS:  timeout.Milliseconds(),
	}, &payload)
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if strings.TrimSpace(payload.SandboxID) == "" {
		return nil, fmt.Errorf("create sandbox returned empty sandbox_id")
	}

	session := payload.toSession()
	c.adopt(cfg.ProjectID, session)
	return &session, nil
}

func (c *Client) adopt(projectID string, session provider.Session) {
	c.mu.Lock()
	c.connected = true
	c.projectID = projectID
	previous := c.session.PreviewURLs
	c.session = session
	c.mu.Unlock()

	c.statusBus.Publish(provider.StatusChange{SandboxID: session.SandboxID, Status: session.Status})
	for port, previewURL := range session.PreviewURLs {
		if previous[port] != previewURL {
			c.previewBus.Publish(provider.PreviewReady{Port: port, URL: previewURL})
		}
	}
}

func (c *Client) Reconnect(ctx context.Context, sandboxID string) (bool, error) {
	c.mu.Lock()
	if c.connected && c.session.SandboxID == sandboxID {
		c.mu.Unlock()
		return true, nil
	}
	projectID := c.projectID
	c.mu.Unlock()

	var payload sandboxPayload
	err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(sandboxID), nil, &payload)
	if err != nil {
		code := provider.Classify(err)
		if code == provider.ErrorCodeExpired || isNotFound(err) {
			return false, nil
		}
		return false, err
	}

	session := payload.toSession()
	if session.Status != provider.StatusRunning {
		return false, nil
	}
	c.adopt(projectID, session)
	return true, nil
}

func (c *Client) Disconnect(ctx context.Context, snapshotFirst bool) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	sandboxID := c.session.SandboxID
	c.mu.Unlock()

	if snapshotFirst {
		if _, err := c.CreateSnapshot(ctx); err != nil && c.Logger != nil {
			// Best effort only; teardown proceeds.
			c.Logger.Warn("snapshot before disconnect failed", "sandbox_id", sandboxID, "err", err)
		}
	}

	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sandboxID)+"/stop", nil, nil); err != nil && c.Logger != nil {
		c.Logger.Warn("sandbox stop failed", "sandbox_id", sandboxID, "err", err)
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.statusBus.Publish(provider.StatusChange{SandboxID: sandboxID, Status: provider.StatusDisconnected})
}

func (c *Client) WriteFiles(ctx context.Context, batch []provider.FileWrite) error {
	sandboxID, err := c.requireSandbox()
	if err != nil {
		return err
	}

	type fileEntry struct {
		Path     string `json:"path"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	files := make([]fileEntry, 0, len(batch))
	for _, write := range batch {
		encoding := string(write.Encoding)
		if encoding == "" {
			encoding = string(provider.EncodingUTF8)
		}
		files = append(files, fileEntry{Path: write.Path, Content: write.Content, Encoding: encoding})
	}

	err = c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sandboxID)+"/files", map[string]any{"files": files}, nil)
	if err != nil {
		return fmt.Errorf("write %d files: %w", len(batch), err)
	}
	for _, write := range batch {
		c.fileBus.Publish(provider.FileChange{Path: write.Path})
	}
	return nil
}

func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	sandboxID, err := c.requireSandbox()
	if err != nil {
		return nil, err
	}
	var payload struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(sandboxID)+"/files?path="+url.QueryEscape(path), nil, &payload)
	if err != nil {
		return nil, err
	}
	if payload.Encoding == string(provider.EncodingBase64) {
		return decodeBase64(payload.Content)
	}
	return []byte(payload.Content), nil
}

func (c *Client) CreateSnapshot(ctx context.Context) (string, error) {
	sandboxID, err := c.requireSandbox()
	if err != nil {
		return "", err
	}
	var payload struct {
		SnapshotID string `json:"snapshot_id"`
	}
	err = c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sandboxID)+"/snapshots", nil, &payload)
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	return payload.SnapshotID, nil
}

func (c *Client) RestoreSnapshot(ctx context.Context, snapshotID string) (*provider.Session, error) {
	c.mu.Lock()
	projectID := c.projectID
	c.connected = false
	c.mu.Unlock()

	var payload sandboxPayload
	err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", createSandboxRequest{
		ProjectID:  projectID,
		SnapshotID: snapshotID,
		Template:   c.cfg.Template,
		Ports:      c.cfg.Ports,
		TimeoutMS:  c.cfg.Timeout.Milliseconds(),
	}, &payload)
	if err != nil {
		return nil, fmt.Errorf("restore snapshot %s: %w", snapshotID, err)
	}

	session := payload.toSession()
	c.adopt(projectID, session)
	return &session, nil
}

func (c *Client) ExtendTimeout(ctx context.Context, d time.Duration) error {
	sandboxID, err := c.requireSandbox()
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sandboxID)+"/timeout",
		map[string]int64{"extend_ms": d.Milliseconds()}, nil)
	if err != nil {
		return fmt.Errorf("extend timeout: %w", err)
	}

	c.mu.Lock()
	c.session.TimeoutRemaining += d
	c.mu.Unlock()
	return nil
}

func (c *Client) Status(ctx context.Context) (*provider.Session, error) {
	sandboxID, err := c.requireSandbox()
	if err != nil {
		return nil, err
	}

	var payload sandboxPayload
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(sandboxID), nil, &payload); err != nil {
		return nil, err
	}
	session := payload.toSession()

	c.mu.Lock()
	previous := c.session
	c.session = session
	c.mu.Unlock()

	if previous.Status != session.Status {
		c.statusBus.Publish(provider.StatusChange{SandboxID: session.SandboxID, Status: session.Status})
	}
	for port, previewURL := range session.PreviewURLs {
		if previous.PreviewURLs[port] != previewURL {
			c.previewBus.Publish(provider.PreviewReady{Port: port, URL: previewURL})
		}
	}

	result := session
	return &result, nil
}

func (c *Client) OnStatusChange(fn func(provider.StatusChange)) func() {
	return c.statusBus.Subscribe(fn)
}

func (c *Client) OnPreviewReady(fn func(provider.PreviewReady)) func() {
	return c.previewBus.Subscribe(fn)
}

func (c *Client) OnFileChange(fn func(provider.FileChange)) func() {
	return c.fileBus.Subscribe(fn)
}

func (c *Client) requireSandbox() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", provider.ErrNotConnected
	}
	return c.session.SandboxID, nil
}

// doJSON performs one API round trip, decoding into out when non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// apiError maps an HTTP failure onto the provider error taxonomy. HTTP
// 410 and the expiry marker are the distinguished expiry signal.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var decoded errorResponse
	_ = json.Unmarshal(raw, &decoded)
	message := strings.TrimSpace(decoded.Error)
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusGone,
		strings.Contains(decoded.Code, expiryMarker),
		strings.Contains(message, expiryMarker):
		return fmt.Errorf("%w: %s", provider.ErrSandboxExpired, message)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", provider.ErrAuthExpired, message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", provider.ErrQuotaExceeded, message)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", provider.ErrSizeLimitExceeded, message)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("not found (HTTP 404): %s", message)
	default:
		return fmt.Errorf("sandbox API error (HTTP %d): %s", resp.StatusCode, message)
	}
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "HTTP 404")
}

func decodeBase64(content string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	return decoded, nil
}
