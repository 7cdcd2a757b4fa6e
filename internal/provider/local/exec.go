package local

import (
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/buildpad/workroom/internal/provider"
)

// RunCommand assembles the synchronous result from the same chunk stream
// RunCommandStream exposes.
func (r *Runtime) RunCommand(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (*provider.CommandResult, error) {
	stream, err := r.RunCommandStream(ctx, cmd, args, opts)
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

func (r *Runtime) RunCommandStream(ctx context.Context, cmd string, args []string, opts provider.CommandOptions) (provider.CommandStream, error) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, provider.ErrNotConnected
	}
	workdir := r.workdir
	r.mu.Unlock()

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	name, argv := splitSudo(cmd, args, opts.Sudo)
	command := exec.CommandContext(runCtx, name, argv...)
	command.Dir = workdir
	if opts.CWD != "" {
		command.Dir = filepath.Join(workdir, filepath.FromSlash(opts.CWD))
	}
	command.Env = envList(opts.Env)

	stdoutPipe, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderrPipe, err := command.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, err
	}

	stream := &processStream{
		chunks: make(chan provider.StreamChunk, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go stream.pump(&readers, provider.StreamStdout, stdoutPipe)
	go stream.pump(&readers, provider.StreamStderr, stderrPipe)

	go func() {
		readers.Wait()
		waitErr := command.Wait()

		stream.mu.Lock()
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			stream.result.ExitCode = exitErr.ExitCode()
		} else if waitErr != nil {
			stream.err = waitErr
		}
		stream.mu.Unlock()

		close(stream.chunks)
		close(stream.done)
		cancel()
	}()

	return stream, nil
}

// processStream adapts a host process to the provider stream contract.
// It is finite and not restartable.
type processStream struct {
	chunks chan provider.StreamChunk
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result provider.CommandResult
	err    error
	closed bool
}

func (s *processStream) pump(wg *sync.WaitGroup, name provider.StreamName, pipe io.Reader) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.chunks <- provider.StreamChunk{Stream: name, Data: data}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *processStream) Next(ctx context.Context) (provider.StreamChunk, error) {
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

func (s *processStream) Result() provider.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Close stops local consumption. The process itself is left to finish;
// callers that want it gone cancel the context they started it with.
func (s *processStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Drain in the background so the pipe readers never block.
	go func() {
		timeout := time.After(30 * time.Second)
		for {
			select {
			case _, ok := <-s.chunks:
				if !ok {
					return
				}
			case <-timeout:
				s.cancel()
				return
			}
		}
	}()
	return nil
}
