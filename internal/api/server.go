// Package api exposes the recognition pipeline and feedback store over HTTP.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loqalabs/signbridge/internal/config"
	"github.com/loqalabs/signbridge/internal/pipeline"
	"github.com/loqalabs/signbridge/internal/store"
)

const multipartMemory = 8 << 20

// FeedbackStore is the subset of the store used by the feedback routes.
type FeedbackStore interface {
	CreateFeedback(ctx context.Context, rating int, comment string) (store.Feedback, error)
	ListFeedback(ctx context.Context) ([]store.Feedback, error)
}

// EventLister reads the recognition audit log.
type EventLister interface {
	ListEvents(ctx context.Context, limit int) ([]store.Event, error)
}

type Options struct {
	Config   config.Config
	Pipeline *pipeline.Pipeline
	Feedback FeedbackStore
	Events   EventLister
	Logger   *slog.Logger
}

type handler struct {
	pipeline          *pipeline.Pipeline
	feedback          FeedbackStore
	events            EventLister
	uploadDir         string
	serveUploads      bool
	maxBytes          int64
	exposeDiagnostics bool
	logger            *slog.Logger
}

// NewRouter builds the gin engine serving every /api route and, when enabled, the
// staged uploads.
func NewRouter(opts Options) *gin.Engine {
	logger := opts.Logger.With(slog.String("component", "api"))
	h := &handler{
		pipeline:          opts.Pipeline,
		feedback:          opts.Feedback,
		events:            opts.Events,
		uploadDir:         opts.Config.Intake.UploadDir,
		serveUploads:      opts.Config.HTTP.ServeUploads,
		maxBytes:          opts.Config.Intake.MaxUploadBytes,
		exposeDiagnostics: opts.Config.HTTP.ExposeDiagnostics,
		logger:            logger,
	}

	r := gin.New()
	r.MaxMultipartMemory = multipartMemory
	r.Use(recovery(logger), requestLogger(logger), corsMiddleware(opts.Config.HTTP.CORSOrigins))
	r.NoRoute(func(c *gin.Context) { h.notFound(c, "route not found") })

	api := r.Group("/api")
	{
		api.GET("/test", h.ping)
		api.POST("/upload/video", h.uploadVideo)
		api.POST("/speech-recognition", h.recognizeSpeech)
		api.POST("/sign-language-recognition/frame", h.recognizeFrame)
		api.POST("/sign-language-recognition/video", h.recognizeVideo)
		api.POST("/sign-language-recognition/stream", h.pushFrame)
		api.DELETE("/sign-language-recognition/stream/:sessionId", h.resetStream)
		api.POST("/feedback", h.createFeedback)
		api.GET("/feedback", h.listFeedback)
		if h.events != nil {
			api.GET("/recognitions", h.listRecognitions)
		}
	}
	if opts.Config.HTTP.ServeUploads {
		r.GET("/uploads/*filepath", h.serveUpload)
	}
	return r
}

func recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		logger.Error("handler panic",
			slog.Any("panic", rec),
			slog.String("path", c.Request.URL.Path),
			slog.String("stack", string(debug.Stack())))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
			Success: false,
			Message: "internal server error",
			Error:   pipeline.CodeInternal,
		})
	})
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logger.Info("http request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", c.Writer.Status()),
			slog.Int64("duration_ms", time.Since(started).Milliseconds()))
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	allowAll := len(origins) == 0 || slices.Contains(origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(origins, origin):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
