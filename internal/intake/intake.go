package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/loqalabs/signbridge/internal/apperr"
	"github.com/loqalabs/signbridge/internal/config"
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

const (
	defaultExt        = ".webm"
	maxExtLen         = 10
	sniffLen          = 3072
	octetStream       = "application/octet-stream"
	webmVideo         = "video/webm"
	suffixLen         = 12
	errUploadTooLarge = "file exceeds upload limit"
	errEmptyAudio     = "audio contains no samples"
)

// FileSource is one file part of a multipart request.
type FileSource struct {
	Kind        Kind
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadedMedia describes a staged file. It is not mutated after Stage returns.
type UploadedMedia struct {
	ID           string        `json:"id"`
	OriginalName string        `json:"originalName"`
	Filename     string        `json:"filename"`
	Path         string        `json:"-"`
	DeclaredType string        `json:"mimetype"`
	DetectedType string        `json:"detectedType,omitempty"`
	Size         int64         `json:"size"`
	Duration     time.Duration `json:"-"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type Stager struct {
	dir      string
	maxBytes int64
	policy   string
	prefixes map[Kind]string
	logger   *slog.Logger
	now      func() time.Time

	once     sync.Once
	mkdirErr error
}

func NewStager(cfg config.IntakeConfig, logger *slog.Logger) *Stager {
	return &Stager{
		dir:      cfg.UploadDir,
		maxBytes: cfg.MaxUploadBytes,
		policy:   cfg.MIMEPolicy,
		prefixes: map[Kind]string{
			KindVideo: cfg.VideoPrefix,
			KindAudio: cfg.AudioPrefix,
		},
		logger: logger.With(slog.String("component", "intake")),
		now:    time.Now,
	}
}

// Dir returns the staging directory.
func (s *Stager) Dir() string { return s.dir }

// Stage validates src and writes it into the staging directory under a unique name.
func (s *Stager) Stage(ctx context.Context, src FileSource) (UploadedMedia, error) {
	if src.Body == nil {
		return UploadedMedia{}, apperr.Invalid("no file uploaded")
	}
	if s.maxBytes > 0 && src.Size > s.maxBytes {
		return UploadedMedia{}, apperr.Invalid(errUploadTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return UploadedMedia{}, err
	}

	body := src.Body
	declared := strings.TrimSpace(src.ContentType)
	var detected string
	if declared == "" || declared == octetStream {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(body, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return UploadedMedia{}, fmt.Errorf("read upload: %w", err)
		}
		head = head[:n]
		detected = mimetype.Detect(head).String()
		body = io.MultiReader(bytes.NewReader(head), body)
	}

	if err := s.checkType(src.Kind, declared, detected); err != nil {
		return UploadedMedia{}, err
	}

	if err := s.ensureDir(); err != nil {
		return UploadedMedia{}, err
	}

	createdAt := s.now()
	filename := s.filename(src.Kind, src.Filename, createdAt)
	path := filepath.Join(s.dir, filename)

	size, err := s.write(path, body)
	if err != nil {
		return UploadedMedia{}, err
	}

	media := UploadedMedia{
		ID:           uuid.NewString(),
		OriginalName: src.Filename,
		Filename:     filename,
		Path:         path,
		DeclaredType: declared,
		DetectedType: detected,
		Size:         size,
		CreatedAt:    createdAt,
	}
	if isWAV(filename, declared, detected) {
		d, ok := wavDuration(path)
		if ok && d <= 0 && src.Kind == KindAudio {
			_ = os.Remove(path)
			return UploadedMedia{}, apperr.Invalid(errEmptyAudio)
		}
		media.Duration = d
	}
	s.logger.Info("upload staged",
		slog.String("filename", filename),
		slog.Int64("size", size),
		slog.String("mimetype", declared),
		slog.Duration("duration", media.Duration),
	)
	return media, nil
}

func (s *Stager) checkType(kind Kind, declared, detected string) error {
	effective := declared
	if effective == "" || effective == octetStream {
		effective = detected
	}
	family := string(kind) + "/"
	switch s.policy {
	case config.MIMEPolicyStrict:
		if strings.HasPrefix(effective, family) {
			return nil
		}
		// browser MediaRecorder audio is WebM, which sniffs as video/webm
		if kind == KindAudio && detected == webmVideo && effective == detected {
			return nil
		}
		return apperr.Invalid("only %s files are allowed", kind)
	default:
		if strings.HasPrefix(declared, "video/") || strings.HasPrefix(declared, "audio/") ||
			declared == octetStream || declared == "" {
			return nil
		}
		s.logger.Warn("accepting upload with unexpected mimetype",
			slog.String("mimetype", declared),
			slog.String("kind", string(kind)),
		)
	}
	return nil
}

func (s *Stager) ensureDir() error {
	s.once.Do(func() {
		s.mkdirErr = os.MkdirAll(s.dir, 0o755)
	})
	if s.mkdirErr != nil {
		return fmt.Errorf("create upload dir: %w", s.mkdirErr)
	}
	return nil
}

func (s *Stager) write(path string, body io.Reader) (int64, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create staged file: %w", err)
	}
	reader := body
	if s.maxBytes > 0 {
		reader = io.LimitReader(body, s.maxBytes+1)
	}
	n, copyErr := io.Copy(file, reader)
	closeErr := file.Close()
	if copyErr == nil && s.maxBytes > 0 && n > s.maxBytes {
		_ = os.Remove(path)
		return 0, apperr.Invalid(errUploadTooLarge)
	}
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = os.Remove(path)
		return 0, fmt.Errorf("write staged file: %w", err)
	}
	return n, nil
}

func (s *Stager) filename(kind Kind, original string, at time.Time) string {
	prefix := s.prefixes[kind]
	if prefix == "" {
		prefix = string(kind)
	}
	return fmt.Sprintf("%s-%d-%s%s", prefix, at.UnixMilli(), randomSuffix(), sanitizeExt(original))
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

func sanitizeExt(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	var b strings.Builder
	for _, r := range ext {
		if r == '.' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if len(clean) < 2 || len(clean) > maxExtLen || !strings.HasPrefix(clean, ".") || strings.Count(clean, ".") > 1 {
		return defaultExt
	}
	return clean
}

func isWAV(filename, declared, detected string) bool {
	if strings.EqualFold(filepath.Ext(filename), ".wav") {
		return true
	}
	for _, t := range []string{declared, detected} {
		if t == "audio/wav" || t == "audio/x-wav" || t == "audio/wave" {
			return true
		}
	}
	return false
}

// wavDuration reports the playback length of the PCM data in a WAV file. ok is false
// when the file does not decode as WAV.
func wavDuration(path string) (d time.Duration, ok bool) {
	file, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer file.Close()
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() || dec.AvgBytesPerSec == 0 {
		return 0, false
	}
	if err := dec.FwdToPCM(); err != nil {
		return 0, false
	}
	return time.Duration(int64(dec.PCMSize) * int64(time.Second) / int64(dec.AvgBytesPerSec)), true
}
