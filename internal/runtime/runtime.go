package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/capability"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/engine"
	"github.com/loqalabs/loqa-stream/internal/eventstore"
	"github.com/loqalabs/loqa-stream/internal/natsserver"
	"github.com/loqalabs/loqa-stream/internal/stream"
	"github.com/loqalabs/loqa-stream/internal/stt"
	"github.com/loqalabs/loqa-stream/internal/transducer"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	store     *eventstore.Store
	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	stack     *transducer.Stack
	engineSrv *engine.Server
	stt       *stt.Service
	nodes     *capability.Registry
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

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if err := r.startComponents(ctx); err != nil {
		if stopErr := r.stopComponents(); stopErr != nil {
			r.logger.Error("cleanup after failed start", slog.String("error", stopErr.Error()))
		}
		r.closeTelemetry(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := r.stopComponents(); err != nil {
		r.logger.Error("component shutdown error", slog.String("error", err.Error()))
	}
	r.closeTelemetry(shutdownCtx)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// startComponents brings up storage, the bus, the decoder and the services
// that depend on them, in that order.
func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "event-store")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.stack, err = transducer.FromConfig(ctx, r.cfg, r.bus.Conn(), r.logger)
	if err != nil {
		return fmt.Errorf("build decoder: %w", err)
	}
	if r.cfg.Engine.Serve {
		r.engineSrv, err = engine.Serve(r.bus.Conn(), r.cfg.Engine.SubjectPrefix, r.stack.Engine, r.logger)
		if err != nil {
			return err
		}
		r.logger.Info("serving inference on bus", slog.String("subject_prefix", r.cfg.Engine.SubjectPrefix))
	}

	r.stt = stt.NewService(ctx, r.cfg.STT, r.bus, r.stack.Decoder, r.store, r.logger)
	if err := r.stt.Start(); err != nil {
		return fmt.Errorf("start stt service: %w", err)
	}

	r.nodes, err = capability.NewRegistry(ctx, r.cfg.Node, capability.Advertised(r.cfg), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

func (r *Runtime) stopComponents() error {
	r.nodes.Close()
	if r.stt != nil {
		r.stt.Close()
	}
	if r.engineSrv != nil {
		r.engineSrv.Close()
	}
	var errs []error
	if err := r.stack.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event store: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.telemetryClose == nil {
		return
	}
	if err := r.telemetryClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) routes(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/sessions/{id}/transcripts", r.handleTranscripts)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.cfg.STT.Websocket && r.stack != nil {
		mux.Handle(stream.Path, stream.NewHandler(r.stack.Decoder, r.store, r.cfg.STT, r.logger))
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && (r.stt == nil || r.stt.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type transcriptView struct {
	TraceID   string    `json:"trace_id,omitempty"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Frames    int       `json:"frames"`
	CreatedAt time.Time `json:"created_at"`
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := r.store.ListTranscripts(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("list transcripts failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list transcripts", http.StatusInternalServerError)
		return
	}
	out := make([]transcriptView, 0, len(list))
	for _, tr := range list {
		out = append(out, transcriptView{
			TraceID:   tr.TraceID,
			Text:      tr.Text,
			Partial:   tr.Partial,
			Frames:    tr.Frames,
			CreatedAt: tr.CreatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.nodes == nil {
		http.Error(w, "node registry not running", http.StatusServiceUnavailable)
		return
	}
	var filter func(capability.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapability(name)
	}
	nodes := r.nodes.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(nodes)
}
