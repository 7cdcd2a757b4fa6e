package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/buildpad/workroom/internal/provider"
	"github.com/gorilla/websocket"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := New(Config{BaseURL: server.URL, APIKey: "key-123", Timeout: 10 * time.Minute}, nil)
	return client, server
}

func sandboxJSON(w http.ResponseWriter, id, status string) {
	json.NewEncoder(w).Encode(sandboxPayload{
		SandboxID:   id,
		Status:      status,
		PreviewURLs: map[string]string{"3000": "https://" + id + ".preview.test"},
		TimeoutMS:   (10 * time.Minute).Milliseconds(),
	})
}

func TestConnectCreatesSandboxAndPublishesPreview(t *testing.T) {
	var creates atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sandboxes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-123" {
			t.Errorf("authorization header: %q", got)
		}
		var req createSandboxRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.ProjectID != "proj_1" {
			t.Errorf("project id: %q", req.ProjectID)
		}
		creates.Add(1)
		sandboxJSON(w, "sbx_1", "running")
	}))

	previews := 0
	client.OnPreviewReady(func(ev provider.PreviewReady) {
		previews++
		if ev.Port != 3000 || !strings.Contains(ev.URL, "sbx_1") {
			t.Errorf("preview event: %+v", ev)
		}
	})

	session, err := client.Connect(context.Background(), provider.ConnectConfig{ProjectID: "proj_1"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if session.SandboxID != "sbx_1" || session.Status != provider.StatusRunning {
		t.Fatalf("session: %+v", session)
	}
	if previews != 1 {
		t.Fatalf("preview events: got %d want 1", previews)
	}

	// Connect is idempotent for the same project: no second create.
	again, err := client.Connect(context.Background(), provider.ConnectConfig{ProjectID: "proj_1"})
	if err != nil || again.SandboxID != "sbx_1" {
		t.Fatalf("repeat connect: %+v err=%v", again, err)
	}
	if creates.Load() != 1 {
		t.Fatalf("creates: got %d want 1", creates.Load())
	}

	if _, err := client.Connect(context.Background(), provider.ConnectConfig{ProjectID: "proj_2"}); !errors.Is(err, provider.ErrAlreadyConnected) {
		t.Fatalf("connect other project: %v", err)
	}
}

func TestReconnectDistinguishesGoneFromFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/sbx_gone"):
			w.WriteHeader(http.StatusGone)
			json.NewEncoder(w).Encode(errorResponse{Error: "SANDBOX_EXPIRED"})
		case strings.HasSuffix(r.URL.Path, "/sbx_missing"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasSuffix(r.URL.Path, "/sbx_live"):
			sandboxJSON(w, "sbx_live", "running")
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))

	ok, err := client.Reconnect(context.Background(), "sbx_gone")
	if err != nil || ok {
		t.Fatalf("expired sandbox: ok=%v err=%v", ok, err)
	}
	ok, err = client.Reconnect(context.Background(), "sbx_missing")
	if err != nil || ok {
		t.Fatalf("missing sandbox: ok=%v err=%v", ok, err)
	}
	ok, err = client.Reconnect(context.Background(), "sbx_live")
	if err != nil || !ok {
		t.Fatalf("live sandbox: ok=%v err=%v", ok, err)
	}
	if _, err := client.Status(context.Background()); err != nil {
		t.Fatalf("status after adopt: %v", err)
	}

	ok, err = client.Reconnect(context.Background(), "sbx_boom")
	if err == nil || ok {
		t.Fatalf("server failure must propagate: ok=%v err=%v", ok, err)
	}
}

func TestReconnectToAdoptedSandboxSkipsNetwork(t *testing.T) {
	var requests atomic.Int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		sandboxJSON(w, "sbx_live", "running")
	}))

	ok, err := client.Reconnect(context.Background(), "sbx_live")
	if err != nil || !ok {
		t.Fatalf("first reconnect: ok=%v err=%v", ok, err)
	}
	before := requests.Load()

	ok, err = client.Reconnect(context.Background(), "sbx_live")
	if err != nil || !ok {
		t.Fatalf("repeat reconnect: ok=%v err=%v", ok, err)
	}
	if got := requests.Load(); got != before {
		t.Fatalf("repeat reconnect hit the network: %d requests, want %d", got, before)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "expired"):
			w.WriteHeader(http.StatusGone)
			json.NewEncoder(w).Encode(errorResponse{Code: "SANDBOX_EXPIRED", Error: "sandbox is gone"})
		case strings.Contains(r.URL.Path, "auth"):
			w.WriteHeader(http.StatusUnauthorized)
		case strings.Contains(r.URL.Path, "quota"):
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			sandboxJSON(w, r.URL.Path, "running")
		}
	}))

	cases := []struct {
		sandboxID string
		want      error
	}{
		{"sbx-expired", provider.ErrSandboxExpired},
		{"sbx-auth", provider.ErrAuthExpired},
		{"sbx-quota", provider.ErrQuotaExceeded},
	}
	for _, tc := range cases {
		client.adopt("proj_1", provider.Session{SandboxID: tc.sandboxID, Status: provider.StatusRunning})
		err := client.ExtendTimeout(context.Background(), time.Minute)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v want %v", tc.sandboxID, err, tc.want)
		}
	}
}

func TestWriteFilesSendsBatchAndPublishesChanges(t *testing.T) {
	var received struct {
		Files []provider.FileWrite `json:"files"`
	}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/files") {
			json.NewDecoder(r.Body).Decode(&received)
			w.WriteHeader(http.StatusOK)
			return
		}
		sandboxJSON(w, "sbx_1", "running")
	}))
	client.adopt("proj_1", provider.Session{SandboxID: "sbx_1", Status: provider.StatusRunning})

	changed := []string{}
	client.OnFileChange(func(ev provider.FileChange) { changed = append(changed, ev.Path) })

	batch := []provider.FileWrite{
		{Path: "a.ts", Content: "one"},
		{Path: "b.bin", Content: "aGk=", Encoding: provider.EncodingBase64},
	}
	if err := client.WriteFiles(context.Background(), batch); err != nil {
		t.Fatalf("write files: %v", err)
	}
	if len(received.Files) != 2 {
		t.Fatalf("server received %d files", len(received.Files))
	}
	if received.Files[0].Encoding != provider.EncodingUTF8 {
		t.Fatalf("default encoding not filled in: %q", received.Files[0].Encoding)
	}
	if len(changed) != 2 || changed[1] != "b.bin" {
		t.Fatalf("file change events: %v", changed)
	}
}

func TestRequireSandboxGuardsOperations(t *testing.T) {
	client := New(Config{BaseURL: "http://unreachable.invalid"}, nil)
	if err := client.WriteFiles(context.Background(), nil); !errors.Is(err, provider.ErrNotConnected) {
		t.Fatalf("write files: %v", err)
	}
	if _, err := client.Status(context.Background()); !errors.Is(err, provider.ErrNotConnected) {
		t.Fatalf("status: %v", err)
	}
	if _, err := client.RunCommand(context.Background(), "true", nil, provider.CommandOptions{}); !errors.Is(err, provider.ErrNotConnected) {
		t.Fatalf("run command: %v", err)
	}
}

func TestRunCommandAssemblesWebsocketFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/exec") {
			sandboxJSON(w, "sbx_1", "running")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var req execRequest
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read exec request: %v", err)
			return
		}
		if req.Cmd != "npm" || len(req.Args) != 1 || req.Args[0] != "test" {
			t.Errorf("exec request: %+v", req)
		}

		enc := base64.StdEncoding.EncodeToString
		conn.WriteJSON(execFrame{Type: "stdout", Data: enc([]byte("hello "))})
		conn.WriteJSON(execFrame{Type: "stderr", Data: enc([]byte("warn\n"))})
		conn.WriteJSON(execFrame{Type: "stdout", Data: enc([]byte("world\n"))})
		conn.WriteJSON(execFrame{Type: "exit", ExitCode: 2})
	}))
	client.adopt("proj_1", provider.Session{SandboxID: "sbx_1", Status: provider.StatusRunning})

	result, err := client.RunCommand(context.Background(), "npm", []string{"test"}, provider.CommandOptions{})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if result.Stdout != "hello world\n" {
		t.Fatalf("stdout: %q", result.Stdout)
	}
	if result.Stderr != "warn\n" {
		t.Fatalf("stderr: %q", result.Stderr)
	}
	if result.ExitCode != 2 {
		t.Fatalf("exit code: %d", result.ExitCode)
	}
}

func TestRunCommandSurfacesRemoteExpiry(t *testing.T) {
	upgrader := websocket.Upgrader{}
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/exec") {
			sandboxJSON(w, "sbx_1", "running")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req execRequest
		conn.ReadJSON(&req)
		conn.WriteJSON(execFrame{Type: "error", Message: "SANDBOX_EXPIRED: lease ended"})
	}))
	client.adopt("proj_1", provider.Session{SandboxID: "sbx_1", Status: provider.StatusRunning})

	_, err := client.RunCommand(context.Background(), "npm", []string{"run", "dev"}, provider.CommandOptions{})
	if !errors.Is(err, provider.ErrSandboxExpired) {
		t.Fatalf("remote expiry not classified: %v", err)
	}
}
