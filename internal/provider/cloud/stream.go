package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/provider"
	"github.com/gorilla/websocket"
)

// execFrame is one message on the execution websocket. The service emits
// output frames in order, then exactly one terminal exit or error frame.
type execFrame struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Message  string `json:"message,omitempty"`
}

type execRequest struct {
	Cmd     string            `json:"cmd"`
	Args    []string          `json:"args,omitempty"`
	CWD     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Sudo    bool              `json:"sudo,omitempty"`
	Timeout int64             `json:"timeout_ms,omitempty"`
}

// RunCommand assembles the synchronous result from the websocket stream.
func (c *Client) RunCommand(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (*provider.CommandResult, error) {
	stream, err := c.RunCommandStream(ctx, cmd, args, opts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var stdout, stderr []byte
	for {
		chunk, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch chunk.Stream {
		case provider.StreamStderr:
			stderr = append(stderr, chunk.Data...)
		default:
			stdout = append(stdout, chunk.Data...)
		}
	}

	result := stream.Result()
	result.Stdout = string(stdout)
	result.Stderr = string(stderr)
	return &result, nil
}

func (c *Client) RunCommandStream(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (provider.CommandStream, error) {
	sandboxID, err := c.requireSandbox()
	if err != nil {
		return nil, err
	}

	conn, err := c.dialExec(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	request := execRequest{Cmd: cmd, Args: args, CWD: opts.CWD, Env: opts.Env, Sudo: opts.Sudo}
	if opts.Timeout > 0 {
		request.Timeout = opts.Timeout.Milliseconds()
	}
	if err := conn.WriteJSON(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send exec request: %w", err)
	}

	stream := &wsStream{
		conn:   conn,
		chunks: make(chan provider.StreamChunk, 16),
		done:   make(chan struct{}),
	}
	go stream.readLoop()
	return stream, nil
}

func (c *Client) dialExec(ctx context.Context, sandboxID string) (*websocket.Conn, error) {
	endpoint, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	endpoint.Path += "/v1/sandboxes/" + url.PathEscape(sandboxID) + "/exec"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, apiError(resp)
		}
		return nil, fmt.Errorf("dial exec stream: %w", err)
	}
	return conn, nil
}

// wsStream adapts the websocket frame sequence to the provider stream
// contract. Frames are delivered in arrival order; the terminal frame
// fixes the result before the channel closes.
type wsStream struct {
	conn   *websocket.Conn
	chunks chan provider.StreamChunk
	done   chan struct{}

	mu     sync.Mutex
	result provider.CommandResult
	err    error
	closed bool
}

func (s *wsStream) readLoop() {
	defer close(s.chunks)
	defer s.conn.Close()

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.setErr(fmt.Errorf("exec stream: %w", err))
			}
			return
		}

		var frame execFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.setErr(fmt.Errorf("decode exec frame: %w", err))
			return
		}

		switch frame.Type {
		case "stdout", "stderr":
			data, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				data = []byte(frame.Data)
			}
			name := provider.StreamStdout
			if frame.Type == "stderr" {
				name = provider.StreamStderr
			}
			select {
			case s.chunks <- provider.StreamChunk{Stream: name, Data: data}:
			case <-s.done:
				return
			}
		case "exit":
			s.mu.Lock()
			s.result.ExitCode = frame.ExitCode
			s.mu.Unlock()
			return
		case "error":
			message := frame.Message
			if strings.Contains(message, expiryMarker) {
				s.setErr(fmt.Errorf("%w: %s", provider.ErrSandboxExpired, message))
			} else {
				s.setErr(fmt.Errorf("exec failed remotely: %s", message))
			}
			return
		}
	}
}

func (s *wsStream) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *wsStream) Next(ctx context.Context) (provider.StreamChunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil {
				return provider.StreamChunk{}, s.err
			}
			return provider.StreamChunk{}, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return provider.StreamChunk{}, ctx.Err()
	}
}

func (s *wsStream) Result() provider.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Close stops local consumption; the remote process keeps running. The
// dev server bootstrap relies on that.
func (s *wsStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	return s.conn.Close()
}
