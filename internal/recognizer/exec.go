package recognizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
	"golang.org/x/sync/errgroup"
)

const (
	inputPlaceholder = "{input}"
	maxCapture       = 4 << 20
	waitDelay        = 2 * time.Second
)

// utf8Env keeps interpreter output decodable regardless of the host locale.
var utf8Env = []string{
	"PYTHONIOENCODING=utf-8",
	"PYTHONUTF8=1",
	"LANG=C.UTF-8",
	"LC_ALL=C.UTF-8",
}

type ExecInvoker struct {
	name    string
	args    []string
	env     []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewExecInvoker(name, command string, env map[string]string, timeout time.Duration, logger *slog.Logger) (*ExecInvoker, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", name)
	}
	merged := append([]string{}, os.Environ()...)
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	merged = append(merged, utf8Env...)
	return &ExecInvoker{
		name:    name,
		args:    args,
		env:     merged,
		timeout: timeout,
		logger:  logger.With(slog.String("component", "recognizer"), slog.String("recognizer", name)),
	}, nil
}

func (e *ExecInvoker) Name() string { return e.name }

func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (InvocationResult, error) {
	if req.empty() {
		return InvocationResult{}, ErrEmptyRequest
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := e.buildArgs(req)
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	command.Env = e.env
	command.WaitDelay = waitDelay
	if len(req.Payload) > 0 {
		command.Stdin = bytes.NewReader(req.Payload)
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	command.Stdout = outW
	command.Stderr = errW

	var stdout, stderr collector
	var streams errgroup.Group
	streams.Go(func() error { return stdout.drain(outR) })
	streams.Go(func() error { return stderr.drain(errR) })

	started := time.Now()
	runErr := command.Run()
	_ = outW.Close()
	_ = errW.Close()
	if err := streams.Wait(); err != nil {
		e.logger.Warn("output collection failed", slog.String("error", err.Error()))
	}

	result := InvocationResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if runErr == nil {
		return result, nil
	}

	perr := &ExternalProcessError{Command: e.name, ExitCode: -1, Stderr: result.Stderr, Err: runErr}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		perr.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		perr.TimedOut = true
	}
	result.ExitCode = perr.ExitCode
	e.logger.Warn("recognizer process failed",
		slog.Int("exit_code", perr.ExitCode),
		slog.Bool("timed_out", perr.TimedOut),
		slog.String("stderr", truncate(result.Stderr, 512)),
	)
	return result, perr
}

func (e *ExecInvoker) buildArgs(req Request) []string {
	args := make([]string, 0, len(e.args)+len(req.Args)+1)
	substituted := false
	for _, a := range e.args {
		if strings.Contains(a, inputPlaceholder) {
			a = strings.ReplaceAll(a, inputPlaceholder, req.MediaPath)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted && req.MediaPath != "" {
		args = append(args, req.MediaPath)
	}
	return append(args, req.Args...)
}

// collector accumulates stream chunks as they arrive, keeping at most maxCapture bytes.
type collector struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
}

func (c *collector) drain(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.append(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *collector) append(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := maxCapture - c.size
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	c.chunks = append(c.chunks, append([]byte(nil), p...))
	c.size += len(p)
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(bytes.Join(c.chunks, nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
