package recognizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/signbridge/internal/config"
)

// Request references staged media, carries a structured payload, or both. Args are
// appended to exec commands verbatim.
type Request struct {
	MediaPath string
	Payload   []byte
	Args      []string
}

func (r Request) empty() bool {
	return r.MediaPath == "" && len(r.Payload) == 0 && len(r.Args) == 0
}

// InvocationResult is the raw output of one external call.
type InvocationResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

type Invoker interface {
	Invoke(ctx context.Context, req Request) (InvocationResult, error)
	Name() string
}

var ErrEmptyRequest = errors.New("recognition request has neither media nor payload")

// ExternalProcessError reports a spawn failure, timeout or non-zero exit.
type ExternalProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
	TimedOut bool
	Err      error
}

func (e *ExternalProcessError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("external process %s timed out", e.Command)
	case e.ExitCode < 0:
		return fmt.Sprintf("external process %s failed to run: %v", e.Command, e.Err)
	default:
		return fmt.Sprintf("external process %s exited with code %d", e.Command, e.ExitCode)
	}
}

func (e *ExternalProcessError) Unwrap() error { return e.Err }

// ExternalServiceError reports a transport failure, timeout or non-2xx reply. Status
// is zero when no response was received.
type ExternalServiceError struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *ExternalServiceError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("external service %s unreachable: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("external service %s returned status %d", e.Endpoint, e.Status)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// New builds the invoker selected by cfg.Mode.
func New(name string, cfg config.RecognizerConfig, logger *slog.Logger) (Invoker, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case config.ModeExec:
		return NewExecInvoker(name, cfg.Command, cfg.Env, timeout, logger)
	case config.ModeHTTP:
		return NewHTTPInvoker(name, cfg.Endpoint, timeout), nil
	case config.ModeMock, "":
		return NewMockInvoker(name, cfg), nil
	default:
		return nil, fmt.Errorf("unsupported recognizer mode %q", cfg.Mode)
	}
}
