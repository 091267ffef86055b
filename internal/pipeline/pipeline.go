package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/signbridge/internal/apperr"
	"github.com/loqalabs/signbridge/internal/bus"
	"github.com/loqalabs/signbridge/internal/config"
	"github.com/loqalabs/signbridge/internal/extract"
	"github.com/loqalabs/signbridge/internal/intake"
	"github.com/loqalabs/signbridge/internal/keypoints"
	"github.com/loqalabs/signbridge/internal/protocol"
	"github.com/loqalabs/signbridge/internal/recognizer"
	"github.com/loqalabs/signbridge/internal/store"
	"github.com/loqalabs/signbridge/internal/translate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/signbridge/internal/pipeline"

const (
	statusOK       = "ok"
	statusFailed   = "failed"
	statusDegraded = "degraded"
)

// EventRecorder receives one audit event per pipeline run.
type EventRecorder interface {
	AppendEvent(ctx context.Context, evt store.Event) error
}

// Stage pairs an external recognizer with the parser for its output.
type Stage struct {
	Invoker   recognizer.Invoker
	Extractor extract.Extractor
}

// Deps are the pipeline's collaborators. Translator and Natural are optional;
// Natural rewrites recognized sign words as a natural sentence.
type Deps struct {
	Stager     *intake.Stager
	Speech     Stage
	Sign       Stage
	Translator translate.Translator
	Natural    translate.Translator
	Events     EventRecorder
	Publisher  bus.Publisher
	Sessions   *keypoints.Sessions
	Logger     *slog.Logger
}

type SpeechResult struct {
	RequestID    string
	Text         string
	SignLanguage string
	Confidence   float64
	Media        intake.UploadedMedia
}

type SignResult struct {
	RequestID  string
	Text       string
	Sentence   string
	RawLabel   string
	Confidence float64
	Idle       bool
}

type StreamResult struct {
	Frames int
	Ready  bool
	Sign   SignResult
}

// Pipeline runs Intake, Invoke, Extract and Translate strictly in order for one
// request. Concurrent requests share nothing but the staging directory.
type Pipeline struct {
	deps       Deps
	labels     map[string]string
	idlePrompt string
	retention  string
	logger     *slog.Logger
	tracer     trace.Tracer

	recognitions metric.Int64Counter
	uploads      metric.Int64Counter
	invokeTime   metric.Float64Histogram
}

func New(cfg config.Config, deps Deps) *Pipeline {
	if deps.Publisher == nil {
		deps.Publisher = bus.Noop{}
	}
	if deps.Sessions == nil {
		deps.Sessions = keypoints.NewSessions(time.Duration(cfg.Sign.SessionIdleMS) * time.Millisecond)
	}
	logger := deps.Logger.With(slog.String("component", "pipeline"))
	p := &Pipeline{
		deps:       deps,
		labels:     cfg.Sign.Labels,
		idlePrompt: cfg.Sign.IdlePrompt,
		retention:  cfg.Retention.Policy,
		logger:     logger,
		tracer:     otel.Tracer(instrumentation),
	}

	meter := otel.Meter(instrumentation)
	var err error
	if p.recognitions, err = meter.Int64Counter("signbridge.recognitions",
		metric.WithDescription("Recognition requests by kind and status")); err != nil {
		logger.Warn("create recognitions counter", slogError(err))
	}
	if p.uploads, err = meter.Int64Counter("signbridge.uploads",
		metric.WithDescription("Staged uploads by kind")); err != nil {
		logger.Warn("create uploads counter", slogError(err))
	}
	if p.invokeTime, err = meter.Float64Histogram("signbridge.invoke.duration",
		metric.WithDescription("External recognizer latency"), metric.WithUnit("s")); err != nil {
		logger.Warn("create invoke histogram", slogError(err))
	}
	return p
}

// Sessions exposes the streaming window registry for sweeping.
func (p *Pipeline) Sessions() *keypoints.Sessions { return p.deps.Sessions }

// StageUpload stores a video upload without recognizing it.
func (p *Pipeline) StageUpload(ctx context.Context, src intake.FileSource) (intake.UploadedMedia, error) {
	return p.stage(ctx, src)
}

func (p *Pipeline) RecognizeSpeech(ctx context.Context, src intake.FileSource) (SpeechResult, error) {
	started := time.Now()
	out := SpeechResult{RequestID: uuid.NewString()}
	status := statusOK
	var runErr error
	defer func() {
		p.finish(ctx, protocol.KindSpeech, out.RequestID, p.deps.Speech.Invoker.Name(), status, runErr, started)
	}()

	media, err := p.stage(ctx, src)
	if err != nil {
		status, runErr = statusFailed, err
		return SpeechResult{}, err
	}
	out.Media = media
	defer p.release(media)

	raw, err := p.invoke(ctx, p.deps.Speech.Invoker, recognizer.Request{MediaPath: media.Path})
	if err != nil {
		status, runErr = statusFailed, err
		return SpeechResult{}, err
	}
	parsed, err := p.extract(ctx, p.deps.Speech.Extractor, raw)
	if err != nil {
		status, runErr = statusFailed, err
		return SpeechResult{}, err
	}
	out.Text = parsed.Text
	out.Confidence = parsed.Confidence

	if sign, err := p.translate(ctx, p.deps.Translator, parsed.Text); err != nil {
		status = statusDegraded
		p.logger.Warn("translation failed, returning primary text",
			slog.String("request_id", out.RequestID),
			slog.String("code", CodeOf(err)),
			slogError(err))
	} else {
		out.SignLanguage = sign
	}

	p.publish(ctx, protocol.SubjectSpeechRecognized, protocol.Recognition{
		RequestID:    out.RequestID,
		Kind:         protocol.KindSpeech,
		Text:         out.Text,
		SignLanguage: out.SignLanguage,
		Confidence:   out.Confidence,
		Timestamp:    time.Now().UTC(),
	})
	return out, nil
}

// RecognizeSign validates the window shape before any recognizer is called.
func (p *Pipeline) RecognizeSign(ctx context.Context, seq keypoints.Sequence) (SignResult, error) {
	return p.recognizeSign(ctx, seq, "")
}

// PushFrame buffers one frame for sessionID and recognizes once the window is full.
// The session window starts over after each recognition; frames pushed while that
// recognition runs count toward the next window.
func (p *Pipeline) PushFrame(ctx context.Context, sessionID string, frame []float64) (StreamResult, error) {
	if sessionID == "" {
		return StreamResult{}, apperr.Invalid("sessionId is required")
	}
	n, snapshot, err := p.deps.Sessions.Push(sessionID, frame)
	if err != nil {
		return StreamResult{Frames: n}, &apperr.InputValidationError{Message: "invalid keypoints frame", Err: err}
	}
	if snapshot == nil {
		return StreamResult{Frames: n}, nil
	}
	res, err := p.recognizeSign(ctx, snapshot, sessionID)
	if err != nil {
		return StreamResult{Frames: n}, err
	}
	return StreamResult{Frames: n, Ready: true, Sign: res}, nil
}

// ResetSession drops a streaming window.
func (p *Pipeline) ResetSession(sessionID string) bool {
	return p.deps.Sessions.Reset(sessionID)
}

// RecognizeVideo stages an uploaded clip and runs the sign recognizer over the
// staged file.
func (p *Pipeline) RecognizeVideo(ctx context.Context, src intake.FileSource) (SignResult, error) {
	return p.runSign(ctx, "", func(ctx context.Context) (recognizer.Request, func(), error) {
		media, err := p.stage(ctx, src)
		if err != nil {
			return recognizer.Request{}, nil, err
		}
		return recognizer.Request{MediaPath: media.Path}, func() { p.release(media) }, nil
	})
}

func (p *Pipeline) recognizeSign(ctx context.Context, seq keypoints.Sequence, sessionID string) (SignResult, error) {
	if err := seq.Validate(); err != nil {
		return SignResult{}, &apperr.InputValidationError{Message: "invalid keypoints shape", Err: err}
	}
	return p.runSign(ctx, sessionID, func(context.Context) (recognizer.Request, func(), error) {
		payload, err := json.Marshal(struct {
			Keypoints keypoints.Sequence `json:"keypoints"`
		}{seq})
		if err != nil {
			return recognizer.Request{}, nil, fmt.Errorf("encode keypoints: %w", err)
		}
		return recognizer.Request{Payload: payload}, nil, nil
	})
}

// runSign invokes the sign recognizer on the request built by prepare. The cleanup
// prepare returns, if any, runs once recognition is over.
func (p *Pipeline) runSign(ctx context.Context, sessionID string, prepare func(context.Context) (recognizer.Request, func(), error)) (SignResult, error) {
	started := time.Now()
	out := SignResult{RequestID: uuid.NewString()}
	status := statusOK
	var runErr error
	defer func() {
		p.finish(ctx, protocol.KindSign, out.RequestID, p.deps.Sign.Invoker.Name(), status, runErr, started)
	}()

	req, cleanup, err := prepare(ctx)
	if err != nil {
		status, runErr = statusFailed, err
		return SignResult{}, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	raw, err := p.invoke(ctx, p.deps.Sign.Invoker, req)
	if err != nil {
		status, runErr = statusFailed, err
		return SignResult{}, err
	}
	parsed, err := p.extract(ctx, p.deps.Sign.Extractor, raw)
	if err != nil {
		status, runErr = statusFailed, err
		return SignResult{}, err
	}

	out.RawLabel = parsed.Label
	out.Confidence = parsed.Confidence
	switch {
	case parsed.Text != "":
		out.Text = parsed.Text
	case parsed.Label != "":
		out.Text = p.displayLabel(parsed.Label)
	}
	if out.Text == "" || (parsed.Idle && parsed.Label == "") {
		out.Idle = true
		out.Text = p.idlePrompt
		return out, nil
	}

	if sentence, err := p.translate(ctx, p.deps.Natural, out.Text); err != nil {
		status = statusDegraded
		p.logger.Warn("sentence translation failed, returning sign words",
			slog.String("request_id", out.RequestID),
			slog.String("code", CodeOf(err)),
			slogError(err))
	} else {
		out.Sentence = sentence
	}

	p.publish(ctx, protocol.SubjectSignRecognized, protocol.Recognition{
		RequestID:  out.RequestID,
		Kind:       protocol.KindSign,
		Text:       out.Text,
		Sentence:   out.Sentence,
		Label:      out.RawLabel,
		SessionID:  sessionID,
		Confidence: out.Confidence,
		Timestamp:  time.Now().UTC(),
	})
	return out, nil
}

func (p *Pipeline) displayLabel(label string) string {
	if text, ok := p.labels[label]; ok && text != "" {
		return text
	}
	return label
}

func (p *Pipeline) stage(ctx context.Context, src intake.FileSource) (intake.UploadedMedia, error) {
	ctx, span := p.tracer.Start(ctx, "intake.stage", trace.WithAttributes(attribute.String("kind", string(src.Kind))))
	defer span.End()

	media, err := p.deps.Stager.Stage(ctx, src)
	if err != nil {
		spanError(span, err)
		return intake.UploadedMedia{}, err
	}
	span.SetAttributes(
		attribute.Int64("size", media.Size),
		attribute.Int64("duration_ms", media.Duration.Milliseconds()),
	)
	if p.uploads != nil {
		p.uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(src.Kind))))
	}
	return media, nil
}

func (p *Pipeline) invoke(ctx context.Context, inv recognizer.Invoker, req recognizer.Request) (recognizer.InvocationResult, error) {
	ctx, span := p.tracer.Start(ctx, "recognizer.invoke", trace.WithAttributes(attribute.String("recognizer", inv.Name())))
	defer span.End()

	res, err := inv.Invoke(ctx, req)
	if p.invokeTime != nil {
		p.invokeTime.Record(ctx, res.Duration.Seconds(), metric.WithAttributes(
			attribute.String("recognizer", inv.Name()),
			attribute.Bool("error", err != nil),
		))
	}
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	if err != nil {
		spanError(span, err)
		return res, err
	}
	return res, nil
}

func (p *Pipeline) extract(ctx context.Context, ex extract.Extractor, res recognizer.InvocationResult) (extract.Result, error) {
	_, span := p.tracer.Start(ctx, "extract.parse")
	defer span.End()

	parsed, err := ex.Extract(res.Stdout)
	if err != nil {
		span.SetAttributes(attribute.String("category", string(extract.CategoryOf(err))))
		spanError(span, err)
		p.logger.Warn("recognizer output could not be parsed",
			slog.String("category", string(extract.CategoryOf(err))),
			slog.String("stdout", truncate(res.Stdout, 1024)),
			slog.String("stderr", truncate(res.Stderr, 512)))
		return extract.Result{}, err
	}
	return parsed, nil
}

func (p *Pipeline) translate(ctx context.Context, tr translate.Translator, text string) (string, error) {
	if tr == nil {
		return "", nil
	}
	ctx, span := p.tracer.Start(ctx, "translate.call", trace.WithAttributes(attribute.String("translator", tr.Name())))
	defer span.End()

	out, err := tr.Translate(ctx, text)
	if err != nil {
		spanError(span, err)
		return "", err
	}
	return out, nil
}

func (p *Pipeline) release(media intake.UploadedMedia) {
	if p.retention != config.RetentionDeleteAfterProcessing {
		return
	}
	if err := os.Remove(media.Path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("remove processed upload", slog.String("filename", media.Filename), slogError(err))
	}
}

func (p *Pipeline) finish(ctx context.Context, kind, requestID, recognizerName, status string, err error, started time.Time) {
	code := CodeOf(err)
	if p.recognitions != nil {
		p.recognitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		))
	}
	if p.deps.Events != nil {
		evt := store.Event{
			RequestID:  requestID,
			Kind:       kind,
			Status:     status,
			Category:   code,
			Recognizer: recognizerName,
			DurationMS: time.Since(started).Milliseconds(),
		}
		if recErr := p.deps.Events.AppendEvent(context.WithoutCancel(ctx), evt); recErr != nil {
			p.logger.Warn("record recognition event", slogError(recErr))
		}
	}
	if err != nil {
		p.logger.Error("recognition failed",
			slog.String("kind", kind),
			slog.String("request_id", requestID),
			slog.String("code", code),
			slogError(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, subject string, v any) {
	if err := p.deps.Publisher.Publish(ctx, subject, v); err != nil {
		p.logger.Warn("publish event", slog.String("subject", subject), slogError(err))
	}
}

// PublishFeedback announces a stored feedback record.
func (p *Pipeline) PublishFeedback(ctx context.Context, fb store.Feedback) {
	p.publish(ctx, protocol.SubjectFeedbackCreated, protocol.FeedbackCreated{
		ID:        fb.UID,
		Rating:    fb.Rating,
		Timestamp: fb.CreatedAt,
	})
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, CodeOf(err))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
