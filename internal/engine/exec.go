package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// execTransport talks to a long-running inference process: one JSON request
// per line on stdin, one JSON response per line on stdout. A call abandoned
// mid-flight leaves the stream out of step, so the process is killed and a
// fresh one is started on the next call.
type execTransport struct {
	args   []string
	log    *slog.Logger
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	broken error
}

type roundTripResult struct {
	line []byte
	err  error
}

// NewExecEngine starts command and returns an Engine backed by it.
func NewExecEngine(command string, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}

	t := &execTransport{args: args, log: log}
	if err := t.start(); err != nil {
		return nil, err
	}
	return &wireEngine{t: t}, nil
}

func (e *execTransport) start() error {
	cmd := exec.Command(e.args[0], e.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine stdout: %w", err)
	}
	cmd.Stderr = &logWriter{log: e.log}
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine command: %w", err)
	}
	e.log.Info("inference process started", slog.String("command", e.args[0]), slog.Int("pid", cmd.Process.Pid))

	e.cmd = cmd
	e.stdin = stdin
	e.stdout = bufio.NewReader(stdout)
	e.broken = nil
	return nil
}

// restart reaps the broken process and starts a replacement.
func (e *execTransport) restart() error {
	e.log.Warn("restarting inference process", slog.String("reason", e.broken.Error()))
	_ = e.kill()
	_ = e.cmd.Wait()
	if err := e.start(); err != nil {
		e.broken = err
		return fmt.Errorf("restart inference process: %w", err)
	}
	return nil
}

func (e *execTransport) roundTrip(ctx context.Context, req protocol.InferenceRequest) (protocol.InferenceResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		if err := e.restart(); err != nil {
			return protocol.InferenceResponse{}, err
		}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.InferenceResponse{}, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	data = append(data, '\n')

	stdin, stdout := e.stdin, e.stdout
	done := make(chan roundTripResult, 1)
	go func() {
		if _, err := stdin.Write(data); err != nil {
			done <- roundTripResult{err: fmt.Errorf("write %s request: %w", req.Op, err)}
			return
		}
		line, err := stdout.ReadBytes('\n')
		if err != nil {
			done <- roundTripResult{err: fmt.Errorf("read %s response: %w", req.Op, err)}
			return
		}
		done <- roundTripResult{line: line}
	}()

	select {
	case <-ctx.Done():
		e.broken = fmt.Errorf("inference process abandoned during %s: %w", req.Op, ctx.Err())
		_ = e.kill()
		return protocol.InferenceResponse{}, e.broken
	case res := <-done:
		if res.err != nil {
			e.broken = res.err
			return protocol.InferenceResponse{}, res.err
		}
		var resp protocol.InferenceResponse
		if err := json.Unmarshal(res.line, &resp); err != nil {
			return protocol.InferenceResponse{}, fmt.Errorf("decode %s response: %w", req.Op, err)
		}
		return resp, nil
	}
}

func (e *execTransport) kill() error {
	if e.cmd.Process == nil {
		return nil
	}
	return e.cmd.Process.Kill()
}

func (e *execTransport) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.stdin.Close()
	err := e.cmd.Wait()
	if e.broken != nil {
		// killed above; the wait error is expected
		return nil
	}
	if err != nil {
		return fmt.Errorf("inference process exited: %w", err)
	}
	return nil
}

// logWriter forwards the inference process stderr to the logger.
type logWriter struct {
	log *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.log.Warn("inference process stderr", slog.String("output", string(p)))
	return len(p), nil
}
