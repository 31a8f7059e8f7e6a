// Package app wires all voxtalk subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems and restores the session snapshot, Run serves HTTP until the
// context is cancelled, and Shutdown flushes the snapshot and tears
// everything down in order.
//
// For testing, inject in-memory stores via functional options
// (WithSessionStore, WithPersonaStore). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxtalk/internal/api"
	"github.com/MrWong99/voxtalk/internal/chat"
	"github.com/MrWong99/voxtalk/internal/config"
	"github.com/MrWong99/voxtalk/internal/health"
	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/internal/persona"
	personapg "github.com/MrWong99/voxtalk/internal/persona/postgres"
	"github.com/MrWong99/voxtalk/internal/pgdb"
	"github.com/MrWong99/voxtalk/internal/session"
	sessionpg "github.com/MrWong99/voxtalk/internal/session/postgres"
	sessionredis "github.com/MrWong99/voxtalk/internal/session/redis"
	"github.com/MrWong99/voxtalk/internal/voicechat"
)

// shutdownGrace bounds how long in-flight requests may run once Run's
// context is cancelled.
const shutdownGrace = 15 * time.Second

// DefaultFilesPrefix is where objects of the local storage backend are
// served when its public_base_url has no path.
const DefaultFilesPrefix = "/files"

// App owns all subsystem lifetimes and serves the voice-chat API.
type App struct {
	cfg       *config.Config
	providers *Providers

	logLevel   *slog.LevelVar
	metrics    *observe.Metrics
	configPath string
	reloadTick time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	pools    map[string]*pgxpool.Pool
	sessions *session.Store
	personas persona.Store
	orch     *voicechat.Orchestrator
	handler  http.Handler
	watcher  *config.Watcher

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from
// config. The injected store is not loaded by New.
func WithSessionStore(s *session.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithPersonaStore injects a persona store instead of creating one from
// config. Configured characters are still seeded into it.
func WithPersonaStore(s persona.Store) Option {
	return func(a *App) { a.personas = s }
}

// WithLogLevel hands New the level variable of the process logger so that
// config reloads can change verbosity.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigWatch makes Run watch path and apply log level and character
// changes without a restart. interval <= 0 uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.reloadTick = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go via [BuildProviders].
//
// New restores the session snapshot synchronously. A snapshot that cannot be
// read is fatal.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		pools:     make(map[string]*pgxpool.Pool),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.logLevel == nil {
		a.logLevel = new(slog.LevelVar)
		a.logLevel.Set(cfg.Server.LogLevel.Slog())
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 2. Persona store ─────────────────────────────────────────────────
	if err := a.initPersonas(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init personas: %w", err)
	}

	// ── 3. Orchestrator ──────────────────────────────────────────────────
	if err := a.initOrchestrator(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init orchestrator: %w", err)
	}

	// ── 4. HTTP API ──────────────────────────────────────────────────────
	if err := a.initAPI(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init api: %w", err)
	}

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.reloadTick > 0 {
			wopts = append(wopts, config.WithInterval(a.reloadTick))
		}
		w, err := config.NewWatcher(a.configPath, a.OnConfigChange, wopts...)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSessions builds the snapshot backend and restores the last snapshot.
func (a *App) initSessions(ctx context.Context) error {
	if a.sessions != nil {
		return nil
	}

	var backend session.Backend
	pc := a.cfg.Persistence
	switch pc.Backend {
	case config.PersistencePostgres:
		pool, err := a.pool(ctx, pc.PostgresDSN)
		if err != nil {
			return err
		}
		backend = sessionpg.New(pool)
	case config.PersistenceRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     pc.RedisAddr,
			Password: pc.RedisPassword,
			DB:       pc.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", pc.RedisAddr, err)
		}
		backend = sessionredis.New(rdb, pc.KeyPrefix)
	default:
		backend = session.NewFileBackend(pc.Dir)
	}

	store := session.New(backend, session.WithLogger(slog.Default()))
	if err := store.Load(ctx); err != nil {
		return err
	}
	a.sessions = store
	slog.Info("session snapshot restored", "backend", pc.Backend)
	return nil
}

// initPersonas builds the character store and seeds configured characters.
func (a *App) initPersonas(ctx context.Context) error {
	if a.personas == nil {
		switch a.cfg.Personas.Backend {
		case config.PersonaPostgres:
			pool, err := a.pool(ctx, a.cfg.Personas.PostgresDSN)
			if err != nil {
				return err
			}
			a.personas = personapg.New(pool)
		default:
			a.personas = persona.NewMemStore()
		}
	}
	if chars := a.cfg.Personas.Characters; len(chars) > 0 {
		if err := a.personas.Seed(ctx, chars); err != nil {
			return fmt.Errorf("seed characters: %w", err)
		}
		slog.Info("characters seeded", "count", len(chars))
	}
	return nil
}

// pool returns the shared pool for dsn, opening and migrating it on first
// use.
func (a *App) pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if p, ok := a.pools[dsn]; ok {
		return p, nil
	}
	p, err := pgdb.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	a.pools[dsn] = p
	a.closers = append(a.closers, func() error {
		p.Close()
		return nil
	})
	return p, nil
}

func (a *App) initOrchestrator() error {
	cc := a.cfg.Chat
	name := a.providers.LLMName
	if name == "" {
		name = "llm"
	}
	copts := []chat.Option{
		chat.WithTemperature(cc.Temperature),
		chat.WithMaxTokens(cc.MaxTokens),
		chat.WithMetrics(a.metrics),
		chat.WithProviderName(name),
	}
	if cc.MaxHistory != 0 {
		copts = append(copts, chat.WithMaxHistory(cc.MaxHistory))
	}
	streamer := chat.New(a.providers.LLM, a.sessions, copts...)

	orch, err := voicechat.New(voicechat.Deps{
		Personas:   a.personas,
		Sessions:   a.sessions,
		Uploader:   a.providers.Storage,
		Recognizer: a.providers.ASR,
		Chat:       streamer,
		Synth:      a.providers.TTS,
	},
		voicechat.WithBusinessType(cc.BusinessType),
		voicechat.WithAudioPolicy(audioPolicy(a.cfg.Audio)),
		voicechat.WithLanguage(a.cfg.Recognition.Language),
		voicechat.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) initAPI() error {
	checks := []health.Checker{
		health.Ping("sessions", a.sessions),
		health.Ping("personas", a.personas),
	}
	opts := []api.Option{
		api.WithAuth(a.cfg.Server.Auth.JWTSecret, a.cfg.Server.Auth.Issuer),
		api.WithMetrics(a.metrics),
		api.WithMetricsEndpoint(a.cfg.Telemetry.MetricsOn()),
		api.WithMaxAudioBytes(int64(audioPolicy(a.cfg.Audio).MaxBytes)),
	}
	if fs, ok := a.providers.Storage.(interface{ Handler() http.Handler }); ok {
		opts = append(opts, api.WithFiles(filesPrefix(a.cfg.Providers.Storage), fs.Handler()))
	}
	srv, err := api.New(api.Deps{
		Orchestrator: a.orch,
		Personas:     a.personas,
		Synth:        a.providers.TTS,
		Uploader:     a.providers.Storage,
		Health:       health.New(checks...),
	}, opts...)
	if err != nil {
		return err
	}
	a.handler = srv.Handler()
	return nil
}

// audioPolicy converts the audio config section. Zero values keep the
// orchestrator defaults.
func audioPolicy(ac config.AudioConfig) voicechat.AudioPolicy {
	p := voicechat.DefaultAudioPolicy()
	if ac.MinBytes > 0 {
		p.MinBytes = ac.MinBytes
	}
	if ac.MaxBytes > 0 {
		p.MaxBytes = ac.MaxBytes
	}
	if len(ac.AllowedFormats) > 0 {
		p.AllowedFormats = ac.AllowedFormats
	}
	p.RequireMonoWAV = ac.MonoWAVRequired()
	return p
}

// filesPrefix is the URL path the local storage backend's public base URL
// points at.
func filesPrefix(entry config.ProviderEntry) string {
	u, err := url.Parse(entry.OptionString("public_base_url"))
	if err != nil || u.Path == "" || u.Path == "/" {
		return DefaultFilesPrefix
	}
	return u.Path
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the full route table.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session store.
func (a *App) Sessions() *session.Store { return a.sessions }

// Personas returns the persona store.
func (a *App) Personas() persona.Store { return a.personas }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln together with the config watcher and the
// checkpoint loop. It returns nil once ctx is cancelled and in-flight
// requests have drained, or the first error of any component.
//
// Request contexts are detached from ctx: cancelling ctx stops accepting new
// connections, while turns already running finish within shutdownGrace.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	base := context.WithoutCancel(ctx)
	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if every := a.cfg.Persistence.CheckpointInterval; every > 0 {
		g.Go(func() error {
			a.checkpointLoop(gctx, every)
			return nil
		})
	}

	slog.Info("app running", "business_type", a.orch.BusinessType())
	return g.Wait()
}

// checkpointLoop flushes the session snapshot every interval. Failures are
// logged; the next tick retries.
func (a *App) checkpointLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.sessions.Flush(ctx); err != nil {
				slog.Warn("session checkpoint failed", "err", err)
				continue
			}
			slog.Debug("session checkpoint written")
		}
	}
}

// OnConfigChange applies the hot-reloadable parts of a changed config: the
// log level and the seeded characters. Everything else needs a restart.
func (a *App) OnConfigChange(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.CharactersChanged {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.personas.Seed(ctx, next.Personas.Characters); err != nil {
			slog.Error("reseeding characters failed", "err", err)
			return
		}
		for _, c := range d.CharacterChanges {
			slog.Info("character reloaded", "id", c.ID, "name", c.Name,
				"added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown writes the final session snapshot and closes every subsystem. A
// failed snapshot write is logged, not returned, so that the remaining
// closers still run. If ctx expires before all closers finish, the rest are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Flush(ctx); err != nil {
			slog.Error("final session snapshot failed", "err", err)
		} else {
			slog.Info("session snapshot saved")
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

// closeAll releases whatever New opened before failing.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	a.closers = nil
}
