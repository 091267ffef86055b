package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/signbridge/internal/config"
	"github.com/loqalabs/signbridge/internal/extract"
	"github.com/loqalabs/signbridge/internal/intake"
	"github.com/loqalabs/signbridge/internal/recognizer"
	"github.com/loqalabs/signbridge/internal/translate"
)

// Build wires the stages described by cfg. Events and Publisher are left to the
// caller.
func Build(cfg config.Config, logger *slog.Logger) (Deps, error) {
	speech, err := buildStage("speech", cfg.Speech.Recognizer, extract.Options{}, logger)
	if err != nil {
		return Deps{}, err
	}
	sign, err := buildStage("sign", cfg.Sign.Recognizer, extract.Options{AllowEmptyText: true}, logger)
	if err != nil {
		return Deps{}, err
	}
	translator, err := translate.New(cfg.Translate, logger)
	if err != nil {
		return Deps{}, fmt.Errorf("translator: %w", err)
	}
	naturalCfg := cfg.Sign.Natural
	if naturalCfg.OpenAI.SystemPrompt == "" {
		naturalCfg.OpenAI.SystemPrompt = translate.NaturalSentencePrompt
	}
	natural, err := translate.New(naturalCfg, logger)
	if err != nil {
		return Deps{}, fmt.Errorf("sign sentence translator: %w", err)
	}
	return Deps{
		Stager:     intake.NewStager(cfg.Intake, logger),
		Speech:     speech,
		Sign:       sign,
		Translator: translator,
		Natural:    natural,
		Logger:     logger,
	}, nil
}

func buildStage(name string, rc config.RecognizerConfig, opts extract.Options, logger *slog.Logger) (Stage, error) {
	inv, err := recognizer.New(name, rc, logger)
	if err != nil {
		return Stage{}, fmt.Errorf("%s recognizer: %w", name, err)
	}
	ex, err := extract.New(rc.Extract, rc.MarkerStart, rc.MarkerEnd, opts)
	if err != nil {
		return Stage{}, fmt.Errorf("%s extractor: %w", name, err)
	}
	return Stage{Invoker: inv, Extractor: ex}, nil
}
