package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/signbridge/internal/config"
	"github.com/loqalabs/signbridge/internal/keypoints"
	"github.com/loqalabs/signbridge/internal/pipeline"
	"github.com/loqalabs/signbridge/internal/store"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, mutate func(*config.Config)) (*gin.Engine, config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.Intake.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Store.RetentionMode = "ephemeral"
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, err := pipeline.Build(cfg, logger)
	require.NoError(t, err)
	st, err := store.Open(context.Background(), cfg.Store, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	deps.Events = st

	return NewRouter(Options{
		Config:   cfg,
		Pipeline: pipeline.New(cfg, deps),
		Feedback: st,
		Events:   st,
		Logger:   logger,
	}), cfg
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recognizer.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func multipartRequest(t *testing.T, target, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// envelope decodes the body and checks that success agrees with the status class.
func envelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	success, ok := body["success"].(bool)
	require.True(t, ok, "success field missing: %s", rec.Body.String())
	require.Equal(t, rec.Code >= 200 && rec.Code < 300, success, "status %d body %s", rec.Code, rec.Body.String())
	return body
}

func keypointsJSON(rows, cols int) string {
	seq := make(keypoints.Sequence, rows)
	for i := range seq {
		seq[i] = make([]float64, cols)
	}
	doc, _ := json.Marshal(map[string]any{"keypoints": seq})
	return string(doc)
}

func TestPing(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/api/test", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"server running"}`, rec.Body.String())
}

func TestUploadVideo(t *testing.T) {
	r, cfg := newRouter(t, nil)
	rec := serve(r, multipartRequest(t, "/api/upload/video", "video", "clip.webm", "video/webm", []byte("webm-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)

	file := body["file"].(map[string]any)
	filename := file["filename"].(string)
	require.True(t, strings.HasPrefix(filename, "sign-language-"))
	require.True(t, strings.HasSuffix(filename, ".webm"))
	require.NotContains(t, file, "path", "uploads are not served by default")
	require.Equal(t, "video/webm", file["mimetype"])
	require.EqualValues(t, len("webm-bytes"), file["size"])

	data, err := os.ReadFile(filepath.Join(cfg.Intake.UploadDir, filename))
	require.NoError(t, err)
	require.Equal(t, "webm-bytes", string(data))
}

func TestUploadVideoReportsServedPath(t *testing.T) {
	r, _ := newRouter(t, func(c *config.Config) { c.HTTP.ServeUploads = true })
	rec := serve(r, multipartRequest(t, "/api/upload/video", "video", "clip.webm", "video/webm", []byte("webm-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)
	file := envelope(t, rec)["file"].(map[string]any)
	path := file["path"].(string)
	require.Equal(t, "/uploads/"+file["filename"].(string), path)

	rec = serve(r, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "webm-bytes", rec.Body.String())
}

func TestUploadMissingFile(t *testing.T) {
	r, _ := newRouter(t, nil)

	rec := serve(r, multipartRequest(t, "/api/upload/video", "other", "clip.webm", "video/webm", []byte("x")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := envelope(t, rec)
	require.Equal(t, pipeline.CodeInputInvalid, body["error"])

	rec = serve(r, jsonRequest(http.MethodPost, "/api/speech-recognition", `{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope(t, rec)
}

func TestUploadStrictPolicyRejectsAudioOnVideoRoute(t *testing.T) {
	r, _ := newRouter(t, func(c *config.Config) { c.Intake.MIMEPolicy = config.MIMEPolicyStrict })
	rec := serve(r, multipartRequest(t, "/api/upload/video", "video", "clip.wav", "audio/wav", []byte("x")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope(t, rec)
}

func TestSpeechRecognitionMock(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "recording.wav", "audio/wav", []byte("audio")))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.True(t, strings.HasPrefix(body["text"].(string), "mock transcript for speech-"))
	_, hasSign := body["signLanguage"]
	require.False(t, hasSign)
}

func TestSpeechRecognitionProcessFailure(t *testing.T) {
	script := writeScript(t, `echo "model load failed" >&2
exit 1`)
	r, _ := newRouter(t, func(c *config.Config) {
		c.Speech.Recognizer.Mode = config.ModeExec
		c.Speech.Recognizer.Command = "/bin/sh " + script
	})

	rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "recording.webm", "audio/webm", []byte("audio")))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := envelope(t, rec)
	require.Contains(t, body["message"], "process failed")
	require.Equal(t, pipeline.CodeExternalProcess, body["error"])
	require.NotContains(t, rec.Body.String(), "model load failed")
}

func TestSpeechRecognitionTranslationTimeoutKeepsText(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	r, _ := newRouter(t, func(c *config.Config) {
		c.Translate.Mode = config.ModeHTTP
		c.Translate.Endpoint = slow.URL
		c.Translate.TimeoutMS = 100
	})

	rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "recording.wav", "audio/wav", []byte("audio")))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.NotEmpty(t, body["text"])
	require.Empty(t, body["signLanguage"])
}

func TestSpeechRecognitionWithTranslation(t *testing.T) {
	sibling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"success":true,"signLanguage":"  gloss(%s)  "}`, req.Text[:4])
	}))
	t.Cleanup(sibling.Close)

	r, _ := newRouter(t, func(c *config.Config) {
		c.Translate.Mode = config.ModeHTTP
		c.Translate.Endpoint = sibling.URL
	})

	rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "recording.wav", "audio/wav", []byte("audio")))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.Equal(t, "gloss(mock)", body["signLanguage"])
}

func TestSpeechRecognitionDiagnostics(t *testing.T) {
	script := writeScript(t, `echo "banner only"`)
	for _, expose := range []bool{false, true} {
		r, _ := newRouter(t, func(c *config.Config) {
			c.Speech.Recognizer.Mode = config.ModeExec
			c.Speech.Recognizer.Command = "/bin/sh " + script
			c.HTTP.ExposeDiagnostics = expose
		})
		rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "a.wav", "audio/wav", []byte("audio")))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := envelope(t, rec)
		require.Equal(t, pipeline.CodeParseFailed, body["error"])
		require.NotContains(t, rec.Body.String(), "banner only")
		if expose {
			require.Equal(t, "markers_missing", body["diagnostic"])
		} else {
			require.NotContains(t, body, "diagnostic")
		}
	}
}

func TestSpeechRecognitionRejectsSilentWAV(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "called")
	script := writeScript(t, "touch "+marker)
	r, _ := newRouter(t, func(c *config.Config) {
		c.Speech.Recognizer.Mode = config.ModeExec
		c.Speech.Recognizer.Command = "/bin/sh " + script
	})

	// RIFF header with a 16 kHz mono 16-bit fmt chunk and an empty data chunk
	var wav bytes.Buffer
	wav.WriteString("RIFF")
	wav.Write([]byte{36, 0, 0, 0})
	wav.WriteString("WAVEfmt ")
	wav.Write([]byte{16, 0, 0, 0, 1, 0, 1, 0, 0x80, 0x3e, 0, 0, 0, 0x7d, 0, 0, 2, 0, 16, 0})
	wav.WriteString("data")
	wav.Write([]byte{0, 0, 0, 0})

	rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "silence.wav", "audio/wav", wav.Bytes()))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := envelope(t, rec)
	require.Equal(t, "audio contains no samples", body["message"])

	_, err := os.Stat(marker)
	require.True(t, os.IsNotExist(err), "recognizer must not run for empty audio")
}

func TestVideoRecognition(t *testing.T) {
	r, cfg := newRouter(t, func(c *config.Config) { c.Retention.Policy = config.RetentionDeleteAfterProcessing })

	rec := serve(r, multipartRequest(t, "/api/sign-language-recognition/video", "video", "clip.webm", "video/webm", []byte("webm-bytes")))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.True(t, strings.HasPrefix(body["text"].(string), "mock transcript for sign-language-"), body["text"])

	entries, err := os.ReadDir(cfg.Intake.UploadDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	rec = serve(r, multipartRequest(t, "/api/sign-language-recognition/video", "audio", "clip.webm", "video/webm", []byte("x")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope(t, rec)
}

func TestFrameRecognitionWithSentence(t *testing.T) {
	sibling := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"success":true,"text":"%s，謝謝。"}`, req.Text)
	}))
	t.Cleanup(sibling.Close)

	r, _ := newRouter(t, func(c *config.Config) {
		c.Sign.Natural.Mode = config.ModeHTTP
		c.Sign.Natural.Endpoint = sibling.URL
	})
	rec := serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/frame", keypointsJSON(30, 126)))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.Equal(t, "好", body["text"])
	require.Equal(t, "好，謝謝。", body["sentence"])
}

func TestRecognitionsListsAuditLog(t *testing.T) {
	r, _ := newRouter(t, nil)
	for i := 0; i < 3; i++ {
		rec := serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/frame", keypointsJSON(30, 126)))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := serve(r, multipartRequest(t, "/api/speech-recognition", "audio", "recording.wav", "audio/wav", []byte("audio")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/api/recognitions?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.EqualValues(t, 2, body["count"])
	data := body["data"].([]any)
	newest := data[0].(map[string]any)
	require.Equal(t, "speech", newest["kind"])
	require.Equal(t, "ok", newest["status"])
	require.NotEmpty(t, newest["requestId"])
	require.NotContains(t, rec.Body.String(), "mock transcript", "audit entries never carry recognized text")

	for _, bad := range []string{"0", "501", "ten"} {
		rec := serve(r, httptest.NewRequest(http.MethodGet, "/api/recognitions?limit="+bad, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, bad)
		envelope(t, rec)
	}
}

func TestFrameRejectsBadShapeBeforeInvoking(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "called")
	script := writeScript(t, "touch "+marker)
	r, _ := newRouter(t, func(c *config.Config) {
		c.Sign.Recognizer.Mode = config.ModeExec
		c.Sign.Recognizer.Command = "/bin/sh " + script
	})

	for _, shape := range [][2]int{{29, 126}, {30, 120}, {0, 0}} {
		rec := serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/frame", keypointsJSON(shape[0], shape[1])))
		require.Equal(t, http.StatusBadRequest, rec.Code, "shape %v", shape)
		body := envelope(t, rec)
		require.Contains(t, body["message"], "invalid keypoints shape")
	}
	rec := serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/frame", `{"keypoints": "nope"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope(t, rec)

	_, err := os.Stat(marker)
	require.True(t, os.IsNotExist(err), "recognizer must not run for rejected input")
}

func TestFrameRecognition(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/frame", keypointsJSON(30, 126)))
	require.Equal(t, http.StatusOK, rec.Code)
	body := envelope(t, rec)
	require.Equal(t, "好", body["text"])
	require.Equal(t, "good", body["raw_label"])
}

func TestStreamWindow(t *testing.T) {
	r, _ := newRouter(t, nil)
	frame, _ := json.Marshal(make([]float64, keypoints.FrameSize))
	push := func() map[string]any {
		rec := serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/stream",
			fmt.Sprintf(`{"sessionId":"kiosk-7","frame":%s}`, frame)))
		require.Equal(t, http.StatusOK, rec.Code)
		return envelope(t, rec)
	}

	for i := 1; i < keypoints.WindowSize; i++ {
		body := push()
		require.Equal(t, false, body["ready"])
		require.EqualValues(t, i, body["frames"])
	}
	body := push()
	require.Equal(t, true, body["ready"])
	require.Equal(t, "好", body["text"])

	push()
	rec := serve(r, httptest.NewRequest(http.MethodDelete, "/api/sign-language-recognition/stream/kiosk-7", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, envelope(t, rec)["reset"])

	rec = serve(r, jsonRequest(http.MethodPost, "/api/sign-language-recognition/stream", `{"sessionId":"","frame":[1,2]}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envelope(t, rec)
}

func TestFeedbackScenarios(t *testing.T) {
	r, _ := newRouter(t, nil)

	rec := serve(r, jsonRequest(http.MethodPost, "/api/feedback", `{"rating":5,"comment":"great"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	body := envelope(t, rec)
	fb := body["feedback"].(map[string]any)
	require.EqualValues(t, 5, fb["rating"])
	require.Equal(t, "great", fb["comment"])
	require.NotEmpty(t, fb["id"])
	require.NotEmpty(t, fb["createdAt"])

	for _, payload := range []string{
		`{"rating":5,"comment":""}`,
		`{"rating":5,"comment":"   "}`,
		`{"rating":0,"comment":"x"}`,
		`{"rating":6,"comment":"x"}`,
		`{"rating":4.5,"comment":"x"}`,
		`{"comment":"x"}`,
		`{"rating":`,
	} {
		rec := serve(r, jsonRequest(http.MethodPost, "/api/feedback", payload))
		require.Equal(t, http.StatusBadRequest, rec.Code, payload)
		envelope(t, rec)
	}
}

func TestFeedbackListIsNewestFirstAndIdempotent(t *testing.T) {
	r, _ := newRouter(t, nil)
	for i := 1; i <= 3; i++ {
		rec := serve(r, jsonRequest(http.MethodPost, "/api/feedback", fmt.Sprintf(`{"rating":%d,"comment":"c%d"}`, i, i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	first := serve(r, httptest.NewRequest(http.MethodGet, "/api/feedback", nil))
	second := serve(r, httptest.NewRequest(http.MethodGet, "/api/feedback", nil))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, first.Body.String(), second.Body.String())

	body := envelope(t, first)
	require.EqualValues(t, 3, body["count"])
	data := body["data"].([]any)
	var comments []string
	for _, item := range data {
		comments = append(comments, item.(map[string]any)["comment"].(string))
	}
	require.Equal(t, []string{"c3", "c2", "c1"}, comments)
}

func TestFeedbackListEmpty(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/api/feedback", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"success":true,"count":0,"data":[]}`, rec.Body.String())
}

func TestServeUploadsGuardsTraversal(t *testing.T) {
	r, cfg := newRouter(t, func(c *config.Config) { c.HTTP.ServeUploads = true })
	require.NoError(t, os.MkdirAll(cfg.Intake.UploadDir, 0o755))
	parent := filepath.Dir(cfg.Intake.UploadDir)
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("top secret"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Intake.UploadDir, "speech-1.webm"), []byte("media"), 0o644))

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/uploads/speech-1.webm", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "media", rec.Body.String())

	for _, target := range []string{"/uploads/../secret.txt", "/uploads/%2e%2e%2fsecret.txt", "/uploads/..%5csecret.txt"} {
		rec := serve(r, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
		require.NotContains(t, rec.Body.String(), "top secret")
		envelope(t, rec)
	}

	rec = serve(r, httptest.NewRequest(http.MethodGet, "/uploads/missing.webm", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope(t, rec)
}

func TestUploadsNotServedByDefault(t *testing.T) {
	r, _ := newRouter(t, nil)
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/uploads/anything.webm", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	envelope(t, rec)
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newRouter(t, func(c *config.Config) { c.HTTP.CORSOrigins = []string{"http://kiosk.local"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/feedback", nil)
	req.Header.Set("Origin", "http://kiosk.local")
	rec := serve(r, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://kiosk.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("Origin", "http://elsewhere")
	rec = serve(r, req)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
