package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/livescribe/internal/bus"
	"github.com/loqalabs/livescribe/internal/config"
	"github.com/loqalabs/livescribe/internal/natsserver"
	"github.com/loqalabs/livescribe/internal/session"
	"github.com/loqalabs/livescribe/internal/stt"
	"github.com/loqalabs/livescribe/internal/transcripts"
	"github.com/loqalabs/livescribe/internal/viewer"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	store       *transcripts.Store
	recorder    *session.Controller
	ready       atomic.Bool
	wg          sync.WaitGroup
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

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.connect(ctx); err != nil {
		r.closeDeps()
		return err
	}
	defer r.closeDeps()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	writer := transcripts.NewWriter(r.store, r.bus, r.logger)

	if r.cfg.Viewer.Enabled {
		feed := transcripts.NewFeed(r.store, r.bus, r.logger)
		svc, err := viewer.NewService(r.cfg.Viewer, feed, viewer.BusAuthenticator{Bus: r.bus}, r.logger)
		if err != nil {
			return fmt.Errorf("failed to create viewer: %w", err)
		}
		svc.Register(mux)
	}

	if r.cfg.Recorder.Enabled {
		if err := r.startRecorder(ctx, writer); err != nil {
			return err
		}
		registerRecorder(mux, r.recorder, r.logger)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Bool("recorder", r.cfg.Recorder.Enabled),
		slog.Bool("viewer", r.cfg.Viewer.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) connect(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = transcripts.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	return nil
}

func (r *Runtime) startRecorder(ctx context.Context, writer *transcripts.Writer) error {
	recognizer, err := stt.NewRecognizer(r.cfg.Recorder)
	if err != nil {
		return fmt.Errorf("failed to create recognizer: %w", err)
	}
	factory := stt.NewBusEngineFactory(r.cfg.Recorder, r.bus.Conn(), recognizer, r.logger)
	gate := session.StaticPermission(r.cfg.Recorder.Microphone == "granted")
	r.recorder = session.New(session.OptionsFromConfig(r.cfg.Recorder), factory, writer, gate, r.logger)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := r.recorder.Run(ctx); err != nil {
			r.logger.Error("session controller failed", slogError(err))
		}
	}()
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-r.recorder.Notices():
				r.logger.Info("recorder notice", slog.String("message", n.Message))
			}
		}
	}()
	return nil
}

func (r *Runtime) closeDeps() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slogError(err))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() || !r.bus.Healthy() {
		return false
	}
	if r.recorder != nil && !r.recorder.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
