package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

const maxResponseBody = 4 << 20

type HTTPInvoker struct {
	name     string
	endpoint string
	client   *http.Client
}

func NewHTTPInvoker(name, endpoint string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *HTTPInvoker) Name() string { return h.name }

func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) (InvocationResult, error) {
	if req.empty() {
		return InvocationResult{}, ErrEmptyRequest
	}
	body := req.Payload
	if len(body) == 0 {
		var err error
		body, err = json.Marshal(struct {
			Path string   `json:"path,omitempty"`
			Args []string `json:"args,omitempty"`
		}{Path: req.MediaPath, Args: req.Args})
		if err != nil {
			return InvocationResult{}, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return InvocationResult{}, &ExternalServiceError{Endpoint: h.endpoint, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return InvocationResult{Duration: time.Since(started)}, &ExternalServiceError{Endpoint: h.endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	result := InvocationResult{
		Stdout:   string(raw),
		ExitCode: resp.StatusCode,
		Duration: time.Since(started),
	}
	if err != nil {
		return result, &ExternalServiceError{Endpoint: h.endpoint, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Stdout = ""
		result.Stderr = string(raw)
		return result, &ExternalServiceError{Endpoint: h.endpoint, Status: resp.StatusCode, Body: string(raw)}
	}
	return result, nil
}
