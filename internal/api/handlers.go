package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/signbridge/internal/apperr"
	"github.com/loqalabs/signbridge/internal/intake"
	"github.com/loqalabs/signbridge/internal/keypoints"
	"github.com/loqalabs/signbridge/internal/pipeline"
)

const (
	// multipart framing on top of the file itself
	multipartOverhead = 1 << 20
	maxJSONBody       = 4 << 20

	defaultEventPage = 50
	maxEventPage     = 500
)

func (h *handler) ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "server running"})
}

func (h *handler) uploadVideo(c *gin.Context) {
	src, closeFile, err := h.fileSource(c, "video", intake.KindVideo)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer closeFile()

	media, err := h.pipeline.StageUpload(c.Request.Context(), src)
	if err != nil {
		h.fail(c, err)
		return
	}
	mimeType := media.DeclaredType
	if mimeType == "" {
		mimeType = "unknown"
	}
	view := fileView{
		Filename:   media.Filename,
		Size:       media.Size,
		MIMEType:   mimeType,
		DurationMS: media.Duration.Milliseconds(),
	}
	if h.serveUploads {
		view.Path = "/uploads/" + media.Filename
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "video uploaded",
		"file":    view,
	})
}

func (h *handler) recognizeSpeech(c *gin.Context) {
	src, closeFile, err := h.fileSource(c, "audio", intake.KindAudio)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer closeFile()

	res, err := h.pipeline.RecognizeSpeech(c.Request.Context(), src)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, speechBody{Success: true, Text: res.Text, SignLanguage: res.SignLanguage})
}

func (h *handler) recognizeFrame(c *gin.Context) {
	var req struct {
		Keypoints keypoints.Sequence `json:"keypoints"`
	}
	if err := decodeJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.pipeline.RecognizeSign(c.Request.Context(), req.Keypoints)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newSignBody(res))
}

func (h *handler) recognizeVideo(c *gin.Context) {
	src, closeFile, err := h.fileSource(c, "video", intake.KindVideo)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer closeFile()

	res, err := h.pipeline.RecognizeVideo(c.Request.Context(), src)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newSignBody(res))
}

func newSignBody(res pipeline.SignResult) signBody {
	return signBody{
		Success:    true,
		Text:       res.Text,
		Sentence:   res.Sentence,
		RawLabel:   res.RawLabel,
		Confidence: res.Confidence,
		Idle:       res.Idle,
	}
}

func (h *handler) pushFrame(c *gin.Context) {
	var req struct {
		SessionID string    `json:"sessionId"`
		Frame     []float64 `json:"frame"`
	}
	if err := decodeJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.pipeline.PushFrame(c.Request.Context(), strings.TrimSpace(req.SessionID), req.Frame)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := streamBody{Success: true, Ready: res.Ready, Frames: res.Frames}
	if res.Ready {
		body.Text = res.Sign.Text
		body.Sentence = res.Sign.Sentence
		body.RawLabel = res.Sign.RawLabel
		body.Idle = res.Sign.Idle
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) resetStream(c *gin.Context) {
	existed := h.pipeline.ResetSession(c.Param("sessionId"))
	c.JSON(http.StatusOK, gin.H{"success": true, "reset": existed})
}

func (h *handler) createFeedback(c *gin.Context) {
	var req struct {
		Rating  json.Number `json:"rating"`
		Comment string      `json:"comment"`
	}
	if err := decodeJSON(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	rating, err := req.Rating.Int64()
	if err != nil {
		h.fail(c, apperr.Invalid("rating must be an integer between 1 and 5"))
		return
	}
	fb, err := h.feedback.CreateFeedback(c.Request.Context(), int(rating), req.Comment)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.pipeline.PublishFeedback(c.Request.Context(), fb)
	c.JSON(http.StatusCreated, gin.H{"success": true, "feedback": fb})
}

func (h *handler) listFeedback(c *gin.Context) {
	items, err := h.feedback.ListFeedback(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(items), "data": items})
}

func (h *handler) listRecognitions(c *gin.Context) {
	limit := defaultEventPage
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxEventPage {
			h.fail(c, apperr.Invalid("limit must be an integer between 1 and %d", maxEventPage))
			return
		}
		limit = n
	}
	events, err := h.events.ListEvents(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(events), "data": events})
}

// serveUpload serves a single staged file. The staging directory is flat, so any
// separator or parent reference in the name is rejected outright.
func (h *handler) serveUpload(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("filepath"), "/")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		h.fail(c, apperr.Invalid("invalid upload path"))
		return
	}
	full := filepath.Join(h.uploadDir, name)
	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		h.notFound(c, "file not found")
		return
	}
	c.File(full)
}

// fileSource pulls the named multipart file out of the request. The returned
// func closes the part.
func (h *handler) fileSource(c *gin.Context, field string, kind intake.Kind) (intake.FileSource, func(), error) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+multipartOverhead)
	}
	header, err := c.FormFile(field)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return intake.FileSource{}, nil, apperr.Invalid("file exceeds upload limit")
		}
		return intake.FileSource{}, nil, apperr.Invalid("no file uploaded in field %q", field)
	}
	f, err := header.Open()
	if err != nil {
		return intake.FileSource{}, nil, err
	}
	return intake.FileSource{
		Kind:        kind,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        f,
	}, func() { _ = f.Close() }, nil
}

func decodeJSON(c *gin.Context, v any) error {
	body := http.MaxBytesReader(c.Writer, c.Request.Body, maxJSONBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &apperr.InputValidationError{Message: "malformed JSON body", Err: err}
	}
	return nil
}
