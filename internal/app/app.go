// Package app wires all recitalign subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New loads the reference, builds the
// alignment engine, session store, pipeline and HTTP surfaces, Run serves
// until the context is cancelled, and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithIndex,
// WithPersister, WithMetrics). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/recitalign/internal/api"
	"github.com/MrWong99/recitalign/internal/config"
	"github.com/MrWong99/recitalign/internal/health"
	"github.com/MrWong99/recitalign/internal/mcpserver"
	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/pipeline"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/internal/quota"
	"github.com/MrWong99/recitalign/internal/resilience"
	"github.com/MrWong99/recitalign/internal/session"
	"github.com/MrWong99/recitalign/internal/session/postgres"
	"github.com/MrWong99/recitalign/internal/session/sqlite"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/reference"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics   *observe.Metrics
	index     *reference.Index
	engine    *align.Engine
	vad       vad.Detector
	asr       *resilience.ASRFallback
	quota     *quota.Tracker
	persister session.Persister
	store     *session.Store
	broker    *progress.Broker
	pipeline  *pipeline.Pipeline
	handler   http.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIndex injects a reference index instead of loading reference.path.
func WithIndex(idx *reference.Index) Option {
	return func(a *App) { a.index = idx }
}

// WithPersister injects a session persister instead of opening the
// configured backend. The caller keeps ownership of it.
func WithPersister(p session.Persister) Option {
	return func(a *App) { a.persister = p }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: reference loading, session
// backend connection and HTTP route registration. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.VAD == nil || len(providers.ASR) == 0 {
		return nil, errors.New("app: a vad detector and at least one asr provider are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Reference index + alignment engine ──────────────────────────────
	if err := a.initReference(); err != nil {
		return nil, fmt.Errorf("app: init reference: %w", err)
	}

	// ── 2. Model servers ───────────────────────────────────────────────────
	a.initProviders()

	// ── 3. Session store ───────────────────────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 4. Pipeline ────────────────────────────────────────────────────────
	a.broker = progress.NewBroker(
		progress.WithBuffer(cfg.Progress.Buffer),
		progress.WithHistory(cfg.Progress.History),
		progress.WithLinger(cfg.Progress.Linger),
	)
	a.pipeline = pipeline.New(a.store, a.vad, a.asr, a.engine,
		pipeline.WithConfig(cfg.Pipeline),
		pipeline.WithQuota(a.quota),
		pipeline.WithMetrics(a.metrics),
	)

	// ── 5. HTTP surfaces ───────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initReference loads the canonical word list unless one was injected.
func (a *App) initReference() error {
	if a.index == nil {
		var opts []reference.Option
		if n := a.cfg.Reference.NgramSize; n > 0 {
			opts = append(opts, reference.WithNgramSize(n))
		}
		start := time.Now()
		idx, err := reference.LoadFile(a.cfg.Reference.Path, opts...)
		if err != nil {
			return err
		}
		a.index = idx
		slog.Info("reference loaded",
			"path", a.cfg.Reference.Path,
			"words", idx.Len(),
			"took", time.Since(start).Round(time.Millisecond))
	}

	engine, err := align.New(a.index, a.cfg.Alignment)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// initProviders instruments the backends and puts the ASR chain behind
// circuit breakers.
func (a *App) initProviders() {
	a.vad = &instrumentedVAD{next: a.providers.VAD, metrics: a.metrics}

	fbCfg := resilience.FallbackConfig{CircuitBreaker: a.cfg.Providers.CircuitBreaker}
	primary := a.providers.ASR[0]
	a.asr = resilience.NewASRFallback(
		&instrumentedASR{next: primary.Provider, metrics: a.metrics}, primary.Name, fbCfg)
	for _, fb := range a.providers.ASR[1:] {
		a.asr.AddFallback(fb.Name, &instrumentedASR{next: fb.Provider, metrics: a.metrics})
	}

	a.quota = quota.New(a.cfg.Quota)
}

// initSessions opens the persistence backend and creates the session store.
func (a *App) initSessions(ctx context.Context) error {
	if a.persister == nil {
		switch a.cfg.Session.Backend {
		case config.BackendSQLite:
			p, err := sqlite.Open(ctx, a.cfg.Session.DSN)
			if err != nil {
				return err
			}
			a.persister = p
			a.closers = append(a.closers, p.Close)
		case config.BackendPostgres:
			p, err := postgres.New(ctx, a.cfg.Session.DSN)
			if err != nil {
				return err
			}
			a.persister = p
			a.closers = append(a.closers, func() error { p.Close(); return nil })
		}
	}

	opts := []session.Option{session.WithTTL(a.cfg.Session.TTL)}
	if a.persister != nil {
		opts = append(opts, session.WithPersister(a.persister))
	}
	a.store = session.NewStore(opts...)

	if err := a.metrics.ObserveActiveSessions(func() int64 { return int64(a.store.Len()) }); err != nil {
		return fmt.Errorf("register session gauge: %w", err)
	}

	slog.Info("session store ready",
		"backend", a.cfg.Session.Backend,
		"ttl", a.store.TTL())
	return nil
}

// initHTTP registers every route on one mux.
func (a *App) initHTTP() error {
	mux := http.NewServeMux()

	apiCfg := a.cfg.Server.API
	apiCfg.DefaultPreset = a.cfg.Segmentation.DefaultPreset
	srv, err := api.New(a.pipeline, api.WithConfig(apiCfg), api.WithBroker(a.broker))
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	srv.Register(mux)

	if a.cfg.MCP.Enabled {
		mcpCfg := a.cfg.MCP
		mcpCfg.DefaultPreset = a.cfg.Segmentation.DefaultPreset
		tools, err := mcpserver.New(a.pipeline, mcpCfg, a.version)
		if err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		mux.Handle("/mcp", tools.Handler())
		slog.Info("mcp tool server mounted", "path", "/mcp", "audio_root", mcpCfg.AudioRoot)
	}

	health.New([]health.Checker{
		{Name: "reference", Check: a.checkReference},
		{Name: "session_store", Check: a.checkSessionStore},
		{Name: "asr", Check: a.checkASR},
	}).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// ─── Readiness ───────────────────────────────────────────────────────────────

func (a *App) checkReference(context.Context) error {
	if a.index.Len() == 0 {
		return reference.ErrEmpty
	}
	return nil
}

// checkSessionStore pings the persistence backend when it supports it.
func (a *App) checkSessionStore(ctx context.Context) error {
	if p, ok := a.persister.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// checkASR fails only when every backend's breaker is open.
func (a *App) checkASR(context.Context) error {
	states := a.asr.States()
	open := make([]string, 0, len(states))
	for name, s := range states {
		if s != resilience.StateOpen {
			return nil
		}
		open = append(open, name)
	}
	return fmt.Errorf("all asr backends unavailable: %s", strings.Join(open, ", "))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Pipeline returns the orchestrator.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Store returns the session store.
func (a *App) Store() *session.Store { return a.store }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled
// or the server fails. It also runs the session sweeper. Call Shutdown
// afterwards to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}

	go a.store.RunSweeper(ctx, a.cfg.Session.SweepInterval)

	tls := a.cfg.Server.TLS
	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", tls != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting requests, waits for in-flight ones and then runs
// the closers. It respects the context deadline: if ctx expires first,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases what New opened before it failed.
func (a *App) close() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
