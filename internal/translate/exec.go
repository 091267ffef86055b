package translate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/signbridge/internal/extract"
	"github.com/loqalabs/signbridge/internal/recognizer"
)

type execTranslator struct {
	invoker *recognizer.ExecInvoker
	markers *extract.MarkerExtractor
}

// NewExecTranslator runs command with the text as its final argument. Output framed
// by result markers is parsed as a result payload; bare JSON is read for its text
// field; anything else is taken verbatim.
func NewExecTranslator(command string, timeout time.Duration, logger *slog.Logger) (Translator, error) {
	inv, err := recognizer.NewExecInvoker("translate", command, nil, timeout, logger)
	if err != nil {
		return nil, err
	}
	return &execTranslator{
		invoker: inv,
		markers: extract.NewMarkerExtractor("", "", extract.Options{}),
	}, nil
}

func (e *execTranslator) Name() string { return "exec" }

func (e *execTranslator) Translate(ctx context.Context, text string) (string, error) {
	res, err := e.invoker.Invoke(ctx, recognizer.Request{Args: []string{text}})
	if err != nil {
		return "", err
	}
	out := res.Stdout
	if strings.Contains(out, e.markers.Start) {
		parsed, err := e.markers.Extract(out)
		if err != nil {
			return "", err
		}
		return clean(parsed.Text), nil
	}
	trimmed := clean(out)
	if strings.HasPrefix(trimmed, "{") {
		var resp translateResponse
		if err := json.Unmarshal([]byte(trimmed), &resp); err == nil {
			for _, candidate := range []string{resp.SignLanguage, resp.SignSnake, resp.Text} {
				if c := clean(candidate); c != "" {
					return c, nil
				}
			}
		}
	}
	return trimmed, nil
}
