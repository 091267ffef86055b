package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/signbridge/internal/api"
	"github.com/loqalabs/signbridge/internal/bus"
	"github.com/loqalabs/signbridge/internal/config"
	"github.com/loqalabs/signbridge/internal/natsserver"
	"github.com/loqalabs/signbridge/internal/pipeline"
	"github.com/loqalabs/signbridge/internal/retention"
	"github.com/loqalabs/signbridge/internal/store"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store    *store.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	janitor  *retention.Janitor
	pipeline *pipeline.Pipeline
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	handler, err := r.setup(ctx, metrics)
	if err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	if runErr != nil {
		return fmt.Errorf("http server: %w", runErr)
	}
	return nil
}

// setup opens the store and bus, builds the pipeline and retention jobs, and
// returns the root handler.
func (r *Runtime) setup(ctx context.Context, metrics http.Handler) (http.Handler, error) {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.store = st

	var publisher bus.Publisher = bus.Noop{}
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.bus = client
		publisher = client
	}

	deps, err := pipeline.Build(r.cfg, r.logger)
	if err != nil {
		return nil, err
	}
	deps.Events = st
	deps.Publisher = publisher
	r.pipeline = pipeline.New(r.cfg, deps)

	r.janitor = retention.New(r.cfg, r.cfg.Intake.UploadDir, r.pipeline.Sessions(), st, r.logger)
	if err := r.janitor.Start(ctx); err != nil {
		return nil, err
	}

	router := api.NewRouter(api.Options{
		Config:   r.cfg,
		Pipeline: r.pipeline,
		Feedback: st,
		Events:   st,
		Logger:   r.logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil && r.cfg.Telemetry.MetricsPath != "" {
		mux.Handle(r.cfg.Telemetry.MetricsPath, metrics)
	}
	mux.Handle("/", router)
	return mux, nil
}

func (r *Runtime) teardown(ctx context.Context) {
	if r.janitor != nil {
		r.janitor.Stop(ctx)
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if reason := r.notReady(req.Context()); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady(ctx context.Context) string {
	if !r.ready.Load() {
		return "starting"
	}
	if r.store != nil {
		if err := r.store.Ping(ctx); err != nil {
			return "store"
		}
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return "bus"
	}
	return ""
}
