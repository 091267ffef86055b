// Package translate rewrites recognized text: speech into a sign-language gloss
// sequence, or sign words back into a natural sentence. Every strategy is
// best-effort from the caller's point of view: an error or an empty string both
// mean "no translation".
package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/signbridge/internal/config"
)

type Translator interface {
	Translate(ctx context.Context, text string) (string, error)
	Name() string
}

const (
	ModeNone       = "none"
	ModeOpenAI     = "openai"
	ModeDictionary = "dictionary"
)

// New returns the translator selected by cfg.Mode, or nil for mode "none".
func New(cfg config.TranslateConfig, logger *slog.Logger) (Translator, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case ModeNone, "":
		return nil, nil
	case config.ModeHTTP:
		return NewHTTPTranslator(cfg.Endpoint, timeout), nil
	case config.ModeExec:
		return NewExecTranslator(cfg.Command, timeout, logger)
	case ModeOpenAI:
		return NewOpenAITranslator(cfg.OpenAI, timeout), nil
	case ModeDictionary:
		dict, err := LoadDictionary(cfg.DictionaryPath, cfg.Cutoff)
		if err != nil {
			return nil, err
		}
		logger.Info("translation dictionary loaded", slog.Int("entries", dict.Len()))
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported translate mode %q", cfg.Mode)
	}
}

func clean(s string) string {
	return strings.TrimSpace(s)
}
