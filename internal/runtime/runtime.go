package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/coordinator"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/prefs"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	addr     atomic.Value
	stop     chan struct{}
	stopOnce sync.Once

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	prefs    *prefs.SQLiteStore
	events   *eventstore.Store
	registry *capability.Registry
	coord    *coordinator.Coordinator
	hub      *gateway.Hub
	gateway  *gateway.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Addr returns the bound HTTP address once the runtime is serving.
func (r *Runtime) Addr() string {
	if v, ok := r.addr.Load().(string); ok {
		return v
	}
	return ""
}

// Ready reports whether startup finished.
func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/timeline", r.handleTimeline)
	mux.Handle("/ws", r.hub)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		r.serveMetrics(metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if err := r.coord.Restore(ctx); err != nil {
		r.logger.Warn("microphone restore failed", slog.String("error", err.Error()))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.closeStop()
	r.wg.Wait()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg := r.cfg.Bus
		if srv != nil {
			busCfg.Servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := prefs.Open(ctx, r.cfg.Preferences, r.logger)
	if err != nil {
		return fmt.Errorf("open preferences: %w", err)
	}
	r.prefs = store
	settings := prefs.NewSettings(store, prefs.Defaults{
		VoiceEnabled:  r.cfg.Synthesis.Enabled,
		VoiceID:       r.cfg.Synthesis.DefaultVoiceID,
		SpeakingSpeed: r.cfg.Synthesis.DefaultRate,
		Volume:        r.cfg.Synthesis.DefaultVolume,
	}, r.logger)

	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.VoiceCapabilities(r.cfg), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	ad, err := buildAdapters(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("build voice adapters: %w", err)
	}
	r.coord = coordinator.New(ctx, r.cfg, coordinator.Deps{
		Microphone: ad.microphone,
		Engine:     ad.engine,
		Primary:    ad.primary,
		Player:     ad.player,
		Local:      ad.local,
		Settings:   settings,
		Timeline:   events,
		Supported:  func() bool { return registry.Supported(capability.VoiceCapture) },
		Logger:     r.logger,
	})

	r.hub = gateway.NewHub(ctx, r.coord, r.cfg.Capture.PublishInterim, r.logger)
	r.coord.AddSink(r.hub)

	if r.bus != nil {
		svc := gateway.NewService(ctx, gateway.Options{
			NodeID:         r.cfg.Node.ID,
			PublishInterim: r.cfg.Capture.PublishInterim,
		}, r.bus, r.coord, r.logger)
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start bus gateway: %w", err)
		}
		r.gateway = svc
		r.coord.AddSink(svc)
	}
	return nil
}

// serveMetrics exposes metrics on the dedicated Prometheus address when one
// is configured.
func (r *Runtime) serveMetrics(handler http.Handler) {
	bind := r.cfg.Telemetry.PrometheusBind
	if bind == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-r.stop
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
}

func (r *Runtime) closeStop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// shutdown tears services down in reverse start order.
func (r *Runtime) shutdown() {
	r.closeStop()
	if r.hub != nil {
		r.hub.Close()
	}
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.coord != nil {
		r.coord.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.prefs != nil {
		if err := r.prefs.Close(); err != nil {
			r.logger.Warn("preferences close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.gateway == nil || r.gateway.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Node       string                  `json:"node"`
		Status     coordinator.Status      `json:"status"`
		Transcript string                  `json:"last_transcript,omitempty"`
		Caps       []capability.Capability `json:"capabilities"`
	}{
		Node:       r.cfg.Node.ID,
		Status:     r.coord.Status(),
		Transcript: r.coord.LastTranscript(),
		Caps:       r.registry.LocalCapabilities(),
	})
}

// handleTimeline lists recent capture episodes, or the events of one episode
// when ?episode= is given.
func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		body any
		err  error
	)
	if id := q.Get("episode"); id != "" {
		body, err = r.events.ListEpisodeEvents(req.Context(), id, limit)
	} else {
		body, err = r.events.RecentEpisodes(req.Context(), limit)
	}
	if err != nil {
		r.logger.Warn("timeline query failed", slog.String("error", err.Error()))
		http.Error(w, "timeline unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
