// Package app wires all Earpiece subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the retention sweep, and Shutdown
// tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithGenerator, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earpiece/internal/api"
	"github.com/MrWong99/earpiece/internal/config"
	"github.com/MrWong99/earpiece/internal/fanout"
	"github.com/MrWong99/earpiece/internal/health"
	"github.com/MrWong99/earpiece/internal/ingest"
	"github.com/MrWong99/earpiece/internal/observe"
	"github.com/MrWong99/earpiece/internal/resilience"
	"github.com/MrWong99/earpiece/internal/retention"
	"github.com/MrWong99/earpiece/internal/session"
	"github.com/MrWong99/earpiece/internal/settings"
	settingspg "github.com/MrWong99/earpiece/internal/settings/postgres"
	"github.com/MrWong99/earpiece/internal/store"
	"github.com/MrWong99/earpiece/internal/store/memstore"
	storepg "github.com/MrWong99/earpiece/internal/store/postgres"
	"github.com/MrWong99/earpiece/internal/suggest"
	"github.com/MrWong99/earpiece/pkg/provider/asr"
	"github.com/MrWong99/earpiece/pkg/provider/llm"
)

// NamedLLM is one configured LLM backend.
type NamedLLM struct {
	Name     string
	Model    string
	Provider llm.Provider
}

// Providers holds the constructed provider backends. Populated by main.go via
// the config registry.
type Providers struct {
	// LLM lists the suggestion backends in failover order. At least one is
	// required unless a generator is injected with [WithGenerator].
	LLM []NamedLLM

	// ASR is the streaming recogniser. Nil disables the audio route.
	ASR     asr.Provider
	ASRName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	listener  net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	store     store.Store
	static    *settings.Static
	settings  settings.Provider
	generator suggest.Generator
	hub       *fanout.Hub
	manager   *session.Manager
	retention *retention.Scheduler
	pipeline  *ingest.Pipeline
	api       *api.Server
	health    *health.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	mu       sync.Mutex
	watcher  *config.Watcher
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSettings injects a retention settings provider. Per-owner overrides from
// the config are then not applied.
func WithSettings(p settings.Provider) Option {
	return func(a *App) { a.settings = p }
}

// WithGenerator injects a suggestion generator instead of building one over
// the configured LLM backends.
func WithGenerator(g suggest.Generator) Option {
	return func(a *App) { a.generator = g }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger and the level variable that hot reload adjusts.
// level may be nil.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) { a.log, a.level = l, level }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together and restoring
// persisted state. providers comes from main.go.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Store + settings ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Hub ───────────────────────────────────────────────────────────
	a.hub = fanout.New(fanout.Config{
		QueueDepth: cfg.Fanout.QueueDepth,
		Metrics:    a.metrics,
		Logger:     a.log,
	})

	// ── 3. Generator ─────────────────────────────────────────────────────
	if err := a.initGenerator(); err != nil {
		return nil, fmt.Errorf("app: init generator: %w", err)
	}

	// ── 4. Session manager + retention ───────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 5. Audio ingestion ───────────────────────────────────────────────
	if err := a.initIngest(); err != nil {
		return nil, fmt.Errorf("app: init ingest: %w", err)
	}

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore selects the persistence backend and the retention settings.
func (a *App) initStore(ctx context.Context) error {
	static, err := settings.NewStatic(a.cfg.Retention.Defaults(), a.cfg.Retention.OverrideSettings())
	if err != nil {
		return err
	}
	a.static = static

	if a.store == nil {
		dsn := a.cfg.Store.PostgresDSN
		if dsn == "" {
			a.store = memstore.New()
			a.log.Warn("store.postgres_dsn is empty; sessions are kept in memory only")
		} else {
			pg, err := storepg.New(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = pg
			a.closers = append(a.closers, func() error { pg.Close(); return nil })

			if a.settings == nil {
				if err := settingspg.Migrate(ctx, pg.Pool()); err != nil {
					return err
				}
				a.settings = settingspg.New(pg.Pool(), a.static)
			}
		}
	}
	if a.settings == nil {
		a.settings = a.static
	}
	return nil
}

// initGenerator builds the LLM generator over a failover group of the
// configured backends.
func (a *App) initGenerator() error {
	if a.generator != nil {
		return nil
	}
	llms := a.providers.LLM
	if len(llms) == 0 {
		return errors.New("no llm provider configured")
	}
	fb := resilience.NewLLMFallback(llms[0].Provider, llms[0].Name, resilience.FallbackConfig{})
	for _, p := range llms[1:] {
		fb.AddFallback(p.Name, p.Provider)
	}

	sc := a.cfg.Suggest
	opts := []suggest.GeneratorOption{
		suggest.WithModelName(llms[0].Model),
		suggest.WithProviderName(llms[0].Name),
		suggest.WithGeneratorMetrics(a.metrics),
	}
	if sc.SystemPrompt != "" {
		opts = append(opts, suggest.WithSystemPrompt(sc.SystemPrompt))
	}
	if sc.Temperature > 0 {
		opts = append(opts, suggest.WithTemperature(sc.Temperature))
	}
	if sc.MaxTokens > 0 {
		opts = append(opts, suggest.WithMaxTokens(sc.MaxTokens))
	}
	gen, err := suggest.NewLLMGenerator(fb, opts...)
	if err != nil {
		return err
	}
	a.generator = gen
	a.log.Info("suggestion backends configured", "primary", llms[0].Name, "fallbacks", len(llms)-1)
	return nil
}

// initSessions creates the manager and the retention scheduler and restores
// persisted sessions and retention records.
func (a *App) initSessions(ctx context.Context) error {
	mgr, err := session.New(session.Config{
		Store:     a.store,
		Settings:  a.settings,
		Hub:       a.hub,
		Generator: a.generator,
		Policy:    a.cfg.Suggest.Policy(),
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}
	a.manager = mgr

	sched, err := retention.New(retention.Config{
		Store:              a.store,
		Sessions:           mgr,
		Interval:           a.cfg.Retention.Interval,
		MaxSessionDuration: a.cfg.Retention.MaxSessionDuration,
		Concurrency:        a.cfg.Retention.Concurrency,
		Metrics:            a.metrics,
		Logger:             a.log,
	})
	if err != nil {
		return err
	}
	a.retention = sched
	mgr.SetRetention(sched)

	if err := sched.Init(ctx); err != nil {
		return err
	}
	return mgr.Init(ctx)
}

// initIngest starts the audio pipeline when an ASR backend is configured.
func (a *App) initIngest() error {
	if a.providers.ASR == nil {
		a.log.Info("no asr provider configured; audio route disabled")
		return nil
	}
	entry := a.cfg.Providers.ASR
	sampleRate := entry.OptInt("sample_rate")
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := entry.OptInt("channels")
	if channels == 0 {
		channels = 1
	}
	p, err := ingest.New(ingest.Config{
		Provider: resilience.NewASRFallback(a.providers.ASR, a.providers.ASRName, resilience.FallbackConfig{}),
		Sessions: a.manager,
		Stream: asr.StreamConfig{
			SampleRate: sampleRate,
			Channels:   channels,
			Language:   entry.OptString("language"),
			Diarize:    entry.OptBool("diarize", true),
		},
		Reconnect: ingest.ReconnectConfig{
			MaxRetries:  entry.OptInt("reconnect_retries"),
			DialTimeout: time.Duration(entry.OptInt("dial_timeout_ms")) * time.Millisecond,
		},
		Metrics: a.metrics,
		Logger:  a.log,
	})
	if err != nil {
		return err
	}
	a.pipeline = p
	a.manager.AddListener(p.OnTransition)
	return nil
}

// initHTTP builds the API, health probes and the HTTP server.
func (a *App) initHTTP() error {
	cfg := api.Config{
		Sessions:       a.manager,
		Commands:       a.hub,
		OriginPatterns: a.cfg.Server.OriginPatterns,
		Logger:         a.log,
	}
	if a.pipeline != nil {
		cfg.Audio = a.pipeline
	}
	srv, err := api.New(cfg)
	if err != nil {
		return err
	}
	a.api = srv

	a.health = health.New([]health.Checker{
		{Name: "store", Check: a.store.Ping},
		{Name: "sessions", Check: a.manager.Check},
		{Name: "store_writes", Check: a.checkWrites, Optional: true},
	})

	mux := http.NewServeMux()
	a.api.Register(mux)
	a.health.Register(mux)
	if a.cfg.Observe.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	a.server = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics,
			observe.WithAccessLogger(a.log),
			observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
		)(mux),
	}
	return nil
}

// checkWrites reports a store that has rejected write-throughs.
func (a *App) checkWrites(context.Context) error {
	if a.manager.Degraded() {
		return errors.New("store is rejecting writes; serving from memory")
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Manager returns the session manager.
func (a *App) Manager() *session.Manager { return a.manager }

// Retention returns the retention scheduler.
func (a *App) Retention() *retention.Scheduler { return a.retention }

// Handler returns the root HTTP handler, including middleware.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and runs the retention sweep until ctx is cancelled or one
// of them fails. It does not tear down subsystems; call [App.Shutdown] after
// it returns.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.server.Addr, err)
		}
	}
	a.log.Info("http server listening", "addr", ln.Addr().String())

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.retention.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Watch starts a config watcher on path that applies reloadable changes to
// the running app. The watcher is stopped by Shutdown.
func (a *App) Watch(path string) error {
	w, err := config.NewWatcher(path, a.Reload, config.WithWatcherLogger(a.log))
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()
	return nil
}

// Reload applies the reloadable differences between old and new: log level,
// suggestion policy and per-owner retention overrides. Changes to anything
// else are logged and need a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.log.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if d.PolicyChanged {
		p := new.Suggest.Policy()
		a.manager.SetPolicy(p)
		a.log.Info("config reload: suggestion policy changed",
			"min_segments", p.MinSegments,
			"quiet_period", p.QuietPeriod,
			"dedup_threshold", p.DedupThreshold,
		)
	}
	if d.OverridesChanged {
		if err := a.static.SetOverrides(new.Retention.OverrideSettings()); err != nil {
			a.log.Warn("config reload: retention overrides rejected", "err", err)
		} else {
			a.log.Info("config reload: retention overrides changed", "changes", len(d.OverrideChanges))
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config reload: some changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. Open sessions are ended so that their
// retention records exist before the process exits. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		w := a.watcher
		a.mu.Unlock()
		if w != nil {
			w.Stop()
		}

		if a.pipeline != nil {
			a.pipeline.Shutdown()
		}
		a.retention.Teardown()
		if err := a.manager.Close(ctx); err != nil {
			a.log.Warn("session manager close error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a [slog.Level]. Unknown values
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
