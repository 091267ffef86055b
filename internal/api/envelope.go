package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/signbridge/internal/apperr"
	"github.com/loqalabs/signbridge/internal/extract"
	"github.com/loqalabs/signbridge/internal/pipeline"
)

type errorBody struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

type fileView struct {
	Filename   string `json:"filename"`
	Path       string `json:"path,omitempty"`
	Size       int64  `json:"size"`
	MIMEType   string `json:"mimetype"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

type speechBody struct {
	Success      bool   `json:"success"`
	Text         string `json:"text"`
	SignLanguage string `json:"signLanguage,omitempty"`
}

type signBody struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text"`
	Sentence   string  `json:"sentence,omitempty"`
	RawLabel   string  `json:"raw_label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Idle       bool    `json:"idle,omitempty"`
}

type streamBody struct {
	Success  bool   `json:"success"`
	Ready    bool   `json:"ready"`
	Frames   int    `json:"frames"`
	Text     string `json:"text,omitempty"`
	Sentence string `json:"sentence,omitempty"`
	RawLabel string `json:"raw_label,omitempty"`
	Idle     bool   `json:"idle,omitempty"`
}

// statusFor keeps success and the HTTP status class in agreement: only input
// mistakes are 4xx, everything else the caller cannot fix is 5xx.
func statusFor(code string) int {
	if code == pipeline.CodeInputInvalid {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func messageFor(code string, err error) string {
	switch code {
	case pipeline.CodeInputInvalid:
		var invalid *apperr.InputValidationError
		if errors.As(err, &invalid) {
			return invalid.Error()
		}
		return "invalid request"
	case pipeline.CodeExternalProcess:
		return "recognition process failed"
	case pipeline.CodeExternalService:
		return "recognition service unavailable"
	case pipeline.CodeParseFailed:
		return "recognition output could not be parsed"
	case pipeline.CodePersistence:
		return "storage failed"
	default:
		return "internal server error"
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	code := pipeline.CodeOf(err)
	body := errorBody{
		Success: false,
		Message: messageFor(code, err),
		Error:   code,
	}
	if h.exposeDiagnostics {
		body.Diagnostic = string(extract.CategoryOf(err))
	}
	c.AbortWithStatusJSON(statusFor(code), body)
}

func (h *handler) notFound(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Success: false, Message: message})
}
