// Package extract turns raw recognizer output into a structured result.
//
// Recognizers speak a small line protocol (version 1): any diagnostic text may be
// printed, but the authoritative result is a single JSON object written between
// the start and end markers.
package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultStartMarker = "JSON_RESULT_START"
	DefaultEndMarker   = "JSON_RESULT_END"
	ProtocolVersion    = 1
)

type Category string

const (
	CategoryMarkersMissing     Category = "markers_missing"
	CategoryMarkerUnterminated Category = "marker_unterminated"
	CategoryJSONInvalid        Category = "json_invalid"
	CategoryResultFailed       Category = "result_failed"
	CategoryTextMissing        Category = "text_missing"
)

// ParseError reports why output could not be turned into a Result. Raw holds the
// full captured output for logs.
type ParseError struct {
	Category Category
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("parse %s", e.Category)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Result is the normalized payload emitted by a recognizer.
type Result struct {
	Success    bool
	Text       string
	Label      string
	Idle       bool
	Confidence float64
	Message    string
}

type Extractor interface {
	Extract(raw string) (Result, error)
}

type payload struct {
	Success    *bool    `json:"success"`
	Text       *string  `json:"text"`
	Label      *string  `json:"label"`
	Idle       bool     `json:"idle"`
	Confidence *float64 `json:"confidence"`
	Error      string   `json:"error"`
	Message    string   `json:"message"`
}

// Options tunes how a decoded payload is validated.
type Options struct {
	// AllowEmptyText accepts payloads whose text is empty when they carry a label
	// or an idle flag, as sign recognizers do between words.
	AllowEmptyText bool
}

type MarkerExtractor struct {
	Start string
	End   string
	Opts  Options
}

func NewMarkerExtractor(start, end string, opts Options) *MarkerExtractor {
	if start == "" {
		start = DefaultStartMarker
	}
	if end == "" {
		end = DefaultEndMarker
	}
	return &MarkerExtractor{Start: start, End: end, Opts: opts}
}

func (m *MarkerExtractor) Extract(raw string) (Result, error) {
	startIdx := strings.Index(raw, m.Start)
	endIdx := strings.Index(raw, m.End)
	switch {
	case startIdx < 0 && endIdx < 0:
		return Result{}, &ParseError{Category: CategoryMarkersMissing, Raw: raw}
	case startIdx < 0:
		return Result{}, &ParseError{Category: CategoryMarkerUnterminated, Raw: raw, Err: errors.New("end marker without start marker")}
	case endIdx >= 0 && endIdx < startIdx:
		return Result{}, &ParseError{Category: CategoryMarkerUnterminated, Raw: raw, Err: errors.New("end marker before start marker")}
	}
	body := raw[startIdx+len(m.Start):]
	endIdx = strings.Index(body, m.End)
	if endIdx < 0 {
		return Result{}, &ParseError{Category: CategoryMarkerUnterminated, Raw: raw, Err: errors.New("start marker without end marker")}
	}
	return decode(strings.TrimSpace(body[:endIdx]), raw, m.Opts)
}

// DirectExtractor expects the whole output to be one JSON document.
type DirectExtractor struct {
	Opts Options
}

func (d DirectExtractor) Extract(raw string) (Result, error) {
	return decode(strings.TrimSpace(raw), raw, d.Opts)
}

func decode(doc, raw string, opts Options) (Result, error) {
	var p payload
	dec := json.NewDecoder(strings.NewReader(doc))
	if err := dec.Decode(&p); err != nil {
		return Result{}, &ParseError{Category: CategoryJSONInvalid, Raw: raw, Err: err}
	}
	if dec.More() {
		return Result{}, &ParseError{Category: CategoryJSONInvalid, Raw: raw, Err: errors.New("trailing data after JSON document")}
	}

	message := p.Error
	if message == "" {
		message = p.Message
	}
	if p.Success != nil && !*p.Success {
		var err error
		if message != "" {
			err = errors.New(message)
		}
		return Result{}, &ParseError{Category: CategoryResultFailed, Raw: raw, Err: err}
	}

	res := Result{Success: true, Idle: p.Idle, Message: message}
	if p.Text != nil {
		res.Text = norm.NFC.String(strings.TrimSpace(*p.Text))
	}
	if p.Label != nil {
		res.Label = strings.TrimSpace(*p.Label)
	}
	if p.Confidence != nil {
		res.Confidence = *p.Confidence
	}
	if res.Text == "" {
		if !opts.AllowEmptyText || (res.Label == "" && !res.Idle) {
			return Result{}, &ParseError{Category: CategoryTextMissing, Raw: raw}
		}
	}
	return res, nil
}

// New returns the extractor for mode ("marker" or "direct").
func New(mode, start, end string, opts Options) (Extractor, error) {
	switch mode {
	case "", "marker":
		return NewMarkerExtractor(start, end, opts), nil
	case "direct":
		return DirectExtractor{Opts: opts}, nil
	default:
		return nil, fmt.Errorf("unsupported extract mode %q", mode)
	}
}

// CategoryOf returns the parse category of err, or "" when err is not a ParseError.
func CategoryOf(err error) Category {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}
