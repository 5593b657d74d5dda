// Package hikaku is the public API for embedding the hikaku retraining server.
//
// hikaku collects pairwise preference feedback over two model backends,
// admits the queue through a quality gate and dispatches training corpora
// to both backends. Consumers import this package to construct and extend
// the server without forking it:
//
//	app, err := hikaku.New(
//	    hikaku.WithVersion(version),
//	    hikaku.WithLogger(logger),
//	    hikaku.WithDispatchHook(myHook),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// types (DispatchReport, Job, TrainingJob) are standalone structs; the
// adapters that convert between them and internal types live here.
package hikaku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/hikaku/api"
	"github.com/ashita-ai/hikaku/internal/auth"
	"github.com/ashita-ai/hikaku/internal/config"
	"github.com/ashita-ai/hikaku/internal/dispatch"
	"github.com/ashita-ai/hikaku/internal/mcp"
	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/notify"
	"github.com/ashita-ai/hikaku/internal/ratelimit"
	"github.com/ashita-ai/hikaku/internal/server"
	"github.com/ashita-ai/hikaku/internal/service/corpus"
	"github.com/ashita-ai/hikaku/internal/service/pipeline"
	"github.com/ashita-ai/hikaku/internal/storage"
	"github.com/ashita-ai/hikaku/internal/storage/sqlite"
	"github.com/ashita-ai/hikaku/internal/telemetry"
	"github.com/ashita-ai/hikaku/migrations"
)

// App is the hikaku server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	srv          *server.Server
	pipeline     *pipeline.Controller
	limiter      ratelimit.Limiter
	broker       *server.Broker // nil unless history is postgres
	otelShutdown telemetry.Shutdown
	closers      []func() error // history store, publisher; closed in reverse
	logger       *slog.Logger
	version      string
}

// New initialises the hikaku server. It opens the history store, builds the
// backends and wires all subsystems, and returns a ready-to-run App.
// It does NOT accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hikaku starting", "version", version, "port", cfg.Port, "history", cfg.HistoryBackend)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}

	a.otelShutdown, err = telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if err := a.build(ctx, o); err != nil {
		a.release()
		return nil, err
	}
	return a, nil
}

// build wires everything after telemetry. On error the caller releases
// whatever was registered in a.closers.
func (a *App) build(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	history, ping, hooks, err := a.openHistory(ctx, o)
	if err != nil {
		return err
	}

	dispatchers, err := newDispatchers(ctx, cfg, o, logger)
	if err != nil {
		return err
	}

	if cfg.PubSubProject != "" {
		pub, err := notify.NewPubSubPublisher(ctx, cfg.PubSubProject, cfg.PubSubTopic, logger)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		hooks = append(hooks, pub)
		logger.Info("notify: pubsub enabled", "project", cfg.PubSubProject, "topic", cfg.PubSubTopic)
	}
	for _, h := range o.dispatchHooks {
		hooks = append(hooks, &dispatchHookAdapter{hook: h})
	}

	pipeOpts := []pipeline.Option{pipeline.WithHookTimeout(cfg.HookTimeout)}
	for _, h := range hooks {
		pipeOpts = append(pipeOpts, pipeline.WithHook(h))
	}
	ctrl, err := pipeline.New(cfg.Pipeline, dispatchers, history, logger, pipeOpts...)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := ctrl.Restore(ctx); err != nil {
		return err
	}
	a.pipeline = ctrl

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	keyring := auth.NewKeyring()
	for _, k := range cfg.OperatorKeys() {
		if err := keyring.Add(k.Principal, k.Role, k.APIKey); err != nil {
			return fmt.Errorf("auth: operator %s: %w", k.Principal, err)
		}
	}
	if keyring.Len() == 0 {
		logger.Warn("auth: no operators configured, only /health and /openapi.yaml are usable",
			"hint", "set HIKAKU_OPERATORS or HIKAKU_ADMIN_API_KEY")
	}

	a.limiter, err = newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	mcpSrv := mcp.New(ctrl, logger, a.version)

	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Pipeline:            ctrl,
		JWTMgr:              jwtMgr,
		Keyring:             keyring,
		Logger:              logger,
		RateLimiter:         a.limiter,
		TrustProxy:          cfg.TrustProxy,
		MCPServer:           mcpSrv.MCPServer(),
		HistoryPing:         ping,
		Broker:              a.broker,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		HistoryBackend:      cfg.HistoryBackend,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
	})
	return nil
}

// openHistory opens the configured history store. It also returns the
// health check ping and any dispatch hooks the store provides.
func (a *App) openHistory(ctx context.Context, o resolvedOptions) (pipeline.HistoryStore, func(context.Context) error, []pipeline.DispatchHook, error) {
	cfg, logger := a.cfg, a.logger
	switch cfg.HistoryBackend {
	case config.HistoryPostgres:
		notifyURL := cfg.NotifyURL
		if notifyURL == "" {
			notifyURL = cfg.DatabaseURL
		}
		db, err := storage.New(ctx, cfg.DatabaseURL, notifyURL, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		a.closers = append(a.closers, func() error { db.Close(context.Background()); return nil })
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return nil, nil, nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(ctx, extraFS); err != nil {
				return nil, nil, nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		a.startBroker(db)
		return db, db.Ping, []pipeline.DispatchHook{db}, nil

	case config.HistorySQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, store.Ping, nil, nil

	default:
		logger.Warn("history: in-memory, job history is lost on restart")
		return storage.NewMemoryStore(), nil, nil, nil
	}
}

// startBroker feeds GET /v1/events from the dispatch NOTIFY channel. Its
// closer is registered after the DB's, so the loop stops before the notify
// connection closes.
func (a *App) startBroker(db *storage.DB) {
	if !db.HasNotifyConn() {
		a.logger.Info("SSE broker: disabled (no notify connection)")
		return
	}
	a.broker = server.NewBroker(db, a.logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.broker.Start(ctx)
	}()
	a.closers = append(a.closers, func() error {
		cancel()
		<-done
		return nil
	})
}

// newDispatchers builds both backends. Backend a uploads to an S3-compatible
// store and submits to Bedrock; backend b uploads to GCS through its
// interoperability endpoint and submits to Vertex AI. A backend missing its
// store or job API settings is still registered and reports itself as not
// configured.
func newDispatchers(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) ([]dispatch.Dispatcher, error) {
	specs := []struct {
		id     model.BackendID
		cfg    config.BackendConfig
		scheme string
	}{
		{model.BackendA, cfg.BackendA, "s3"},
		{model.BackendB, cfg.BackendB, "gs"},
	}

	out := make([]dispatch.Dispatcher, 0, len(specs))
	for _, s := range specs {
		store, err := newBlobStore(ctx, s.cfg, s.scheme, o.blobStores[Backend(s.id)], logger)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", s.id, err)
		}
		submitter, err := newJobSubmitter(ctx, s.id, s.cfg, o.jobSubmitters[Backend(s.id)])
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", s.id, err)
		}
		format, err := corpus.ParseFormat(s.cfg.Format)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", s.id, err)
		}

		b := dispatch.NewBackend(dispatch.BackendConfig{
			ID:                s.id,
			Name:              s.cfg.Name,
			Enabled:           s.cfg.Enabled,
			Bucket:            s.cfg.Bucket,
			KeyPrefix:         s.cfg.KeyPrefix,
			BaseModel:         s.cfg.BaseModel,
			Format:            format,
			Region:            s.cfg.Region,
			Project:           s.cfg.Project,
			Timeout:           cfg.DispatchTimeout,
			EstimatedDuration: s.cfg.EstimatedDuration,
			MirrorDir:         cfg.MirrorDir,
		}, store, submitter, logger)

		info := b.Info()
		logger.Info("dispatch: backend registered",
			"backend", info.ID, "name", info.Name, "enabled", info.Enabled, "configured", info.Configured)
		out = append(out, b)
	}
	return out, nil
}

func newBlobStore(ctx context.Context, cfg config.BackendConfig, scheme string, override BlobStore, logger *slog.Logger) (dispatch.BlobStore, error) {
	if override != nil {
		return override, nil
	}
	if cfg.StorageEndpoint == "" {
		return nil, nil
	}
	store, err := dispatch.NewMinioStore(dispatch.MinioConfig{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Region:    cfg.Region,
		UseSSL:    cfg.StorageUseSSL,
		Scheme:    scheme,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Enabled && cfg.Bucket != "" {
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := store.EnsureBucket(ensureCtx, cfg.Bucket, cfg.Region); err != nil {
			// Uploads report their own errors; the bucket may also exist
			// under credentials that cannot list it.
			logger.Warn("dispatch: ensure bucket failed", "bucket", cfg.Bucket, "error", err)
		}
	}
	return store, nil
}

func newJobSubmitter(ctx context.Context, id model.BackendID, cfg config.BackendConfig, override JobSubmitter) (dispatch.JobSubmitter, error) {
	if override != nil {
		return &jobSubmitterAdapter{backend: Backend(id), submitter: override}, nil
	}
	switch id {
	case model.BackendA:
		if cfg.RoleARN == "" {
			return nil, nil
		}
		return dispatch.NewBedrockSubmitter(ctx, dispatch.BedrockConfig{
			Region:  cfg.Region,
			RoleARN: cfg.RoleARN,
		})
	case model.BackendB:
		if cfg.Project == "" {
			return nil, nil
		}
		return dispatch.NewVertexSubmitter(ctx, cfg.Project, cfg.Region)
	}
	return nil, fmt.Errorf("unknown backend %q", id)
}

func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch {
	case !cfg.RateLimitEnabled:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	case cfg.RedisURL != "":
		// Equivalent budget to the token bucket: burst requests per burst/rps.
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		l, err := ratelimit.NewRedisLimiterFromURL(ctx, cfg.RedisURL, "hikaku:ratelimit", cfg.RateLimitBurst, window)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting: redis (sliding window)", "limit", cfg.RateLimitBurst, "window", window)
		return l, nil
	default:
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
	}
}

// Handler returns the root HTTP handler, including every middleware.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the HTTP server, then blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called; callers should
// not call it separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a two-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight submissions, which
// may still be running a dispatch cycle,
// (2) wait for dispatch hooks to deliver their reports.
// It then closes the history store, the rate limiter and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hikaku shutting down")

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	hookCtx, hookCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
	a.pipeline.Drain(hookCtx)
	hookCancel()

	a.release()
	a.logger.Info("hikaku stopped")
	return nil
}

// release closes everything opened by New, in reverse order.
func (a *App) release() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// ── Adapters ──────────────────────────────────────────────────────────────

type dispatchHookAdapter struct {
	hook DispatchHook
}

func (a *dispatchHookAdapter) OnDispatch(ctx context.Context, r model.DispatchReport) error {
	return a.hook.OnDispatch(ctx, toPublicReport(r))
}

type jobSubmitterAdapter struct {
	backend   Backend
	submitter JobSubmitter
}

func (a *jobSubmitterAdapter) SubmitJob(ctx context.Context, spec dispatch.JobSpec) (string, error) {
	return a.submitter.SubmitJob(ctx, TrainingJob{
		Backend:         a.backend,
		Name:            spec.JobName,
		CustomModelName: spec.CustomModelName,
		BaseModel:       spec.BaseModel,
		TrainingURI:     spec.TrainingURI,
		ValidationURI:   spec.ValidationURI,
		OutputURI:       spec.OutputURI,
	})
}

type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(model.OperatorRole(role))
}

func toPublicJob(j model.JobRecord) Job {
	return Job{
		Name:                j.JobName,
		Backend:             Backend(j.Backend),
		ExternalID:          j.ExternalJobID,
		Examples:            j.TrainingExampleCount,
		Location:            j.BlobLocation,
		SubmittedAt:         j.SubmittedAt,
		EstimatedCompletion: j.EstimatedCompletion,
	}
}

func toPublicReport(r model.DispatchReport) DispatchReport {
	out := DispatchReport{
		CycleID:     r.CycleID,
		Outcome:     string(r.Outcome),
		EventCount:  r.EventCount,
		CorpusSizes: make(map[Backend]int, len(r.CorpusSizes)),
		CompletedAt: r.CompletedAt,
	}
	for b, n := range r.CorpusSizes {
		out.CorpusSizes[Backend(b)] = n
	}
	for _, br := range r.Backends {
		switch {
		case br.Skipped:
			out.Skipped = append(out.Skipped, Backend(br.Backend))
		case br.Job != nil:
			out.Jobs = append(out.Jobs, toPublicJob(*br.Job))
		default:
			out.Failures = append(out.Failures, BackendFailure{
				Backend: Backend(br.Backend),
				Kind:    br.ErrorKind,
				Message: br.Error,
			})
		}
	}
	return out
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
