package pipeline

import (
	"errors"

	"github.com/loqalabs/signbridge/internal/apperr"
	"github.com/loqalabs/signbridge/internal/extract"
	"github.com/loqalabs/signbridge/internal/recognizer"
)

// Error codes reported to callers and recorded in the audit log.
const (
	CodeInputInvalid    = "input_invalid"
	CodeExternalProcess = "external_process"
	CodeExternalService = "external_service"
	CodeParseFailed     = "parse_failed"
	CodePersistence     = "persistence"
	CodeInternal        = "internal"
)

func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		invalid     *apperr.InputValidationError
		persistence *apperr.PersistenceError
		process     *recognizer.ExternalProcessError
		service     *recognizer.ExternalServiceError
		parse       *extract.ParseError
	)
	switch {
	case errors.As(err, &invalid):
		return CodeInputInvalid
	case errors.As(err, &process):
		return CodeExternalProcess
	case errors.As(err, &service):
		return CodeExternalService
	case errors.As(err, &parse):
		return CodeParseFailed
	case errors.As(err, &persistence):
		return CodePersistence
	default:
		return CodeInternal
	}
}
