package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/signbridge/internal/recognizer"
)

type httpTranslator struct {
	invoker *recognizer.HTTPInvoker
}

type translateRequest struct {
	Text string `json:"text"`
}

type translateResponse struct {
	Success      *bool  `json:"success"`
	SignLanguage string `json:"signLanguage"`
	SignSnake    string `json:"sign_language"`
	Text         string `json:"text"`
	Error        string `json:"error"`
}

// NewHTTPTranslator posts {"text": ...} to a sibling translation service.
func NewHTTPTranslator(endpoint string, timeout time.Duration) Translator {
	return &httpTranslator{invoker: recognizer.NewHTTPInvoker("translate", endpoint, timeout)}
}

func (h *httpTranslator) Name() string { return "http" }

func (h *httpTranslator) Translate(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(translateRequest{Text: text})
	if err != nil {
		return "", err
	}
	res, err := h.invoker.Invoke(ctx, recognizer.Request{Payload: body})
	if err != nil {
		return "", err
	}
	var resp translateResponse
	if err := json.Unmarshal([]byte(res.Stdout), &resp); err != nil {
		return "", fmt.Errorf("decode translate response: %w", err)
	}
	if resp.Success != nil && !*resp.Success {
		if resp.Error == "" {
			resp.Error = "translation service reported failure"
		}
		return "", errors.New(resp.Error)
	}
	for _, candidate := range []string{resp.SignLanguage, resp.SignSnake, resp.Text} {
		if out := clean(candidate); out != "" {
			return out, nil
		}
	}
	return "", nil
}
