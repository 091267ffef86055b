package recognizer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/loqalabs/signbridge/internal/config"
)

// MockInvoker answers deterministically in the configured output framing.
type MockInvoker struct {
	name        string
	markers     bool
	start, end  string
	payloadResp map[string]any
}

func NewMockInvoker(name string, cfg config.RecognizerConfig) *MockInvoker {
	return &MockInvoker{
		name:        name,
		markers:     cfg.Extract != config.ExtractDirect,
		start:       cfg.MarkerStart,
		end:         cfg.MarkerEnd,
		payloadResp: map[string]any{"success": true, "label": "good", "confidence": 1.0},
	}
}

func (m *MockInvoker) Name() string { return m.name }

func (m *MockInvoker) Invoke(ctx context.Context, req Request) (InvocationResult, error) {
	if req.empty() {
		return InvocationResult{}, ErrEmptyRequest
	}
	select {
	case <-ctx.Done():
		return InvocationResult{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}

	var body map[string]any
	switch {
	case req.MediaPath != "":
		body = map[string]any{"success": true, "text": "mock transcript for " + filepath.Base(req.MediaPath)}
	case len(req.Payload) > 0:
		body = m.payloadResp
	default:
		body = map[string]any{"success": true, "text": req.Args[len(req.Args)-1]}
	}
	doc, err := json.Marshal(body)
	if err != nil {
		return InvocationResult{}, err
	}
	out := string(doc)
	if m.markers {
		out = "mock recognizer ready\n" + m.start + out + m.end + "\n"
	}
	return InvocationResult{Stdout: out, Duration: 5 * time.Millisecond}, nil
}
