// Package bootstrap wires storage, the pipeline stages, the correlation
// path and the API server into one process, with phased shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herringbone/api"
	"herringbone/config"
	"herringbone/core"
	"herringbone/correlate"
	"herringbone/detect"
	"herringbone/ingest"
	"herringbone/orchestrate"
	"herringbone/pipeline"
	"herringbone/storage"

	"go.uber.org/zap"
)

// App holds every wired component of a herringbone process.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	// Storage
	Mongo         *storage.MongoDB
	Redis         *core.RedisCache
	EventStore    *storage.EventStore
	IncidentStore *storage.IncidentStore
	RuleStore     *storage.RuleStore

	// Domain
	Correlator   *correlate.Engine
	Orchestrator *orchestrate.Orchestrator
	DetectStage  *detect.Stage

	// Services
	APIServer *api.API
	Receiver  *ingest.Receiver
	Runners   []*pipeline.Runner
}

// localNotifier feeds detections to the in-process orchestrator.
type localNotifier struct {
	orch *orchestrate.Orchestrator
}

func (n *localNotifier) NotifyDetection(ctx context.Context, payload core.DetectionPayload) error {
	_, err := n.orch.ProcessDetection(ctx, payload)
	return err
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Herringbone starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// Storage
	mongo, err := storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.MongoDB.MaxPoolSize, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}
	app.Mongo = mongo

	// Release already-opened connections when a later init step fails.
	fail := func(err error) (*App, error) {
		if app.Redis != nil {
			_ = app.Redis.Close()
		}
		_ = mongo.Close(ctx)
		return nil, err
	}

	if cfg.Redis.Enabled {
		redis := core.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, sugar)
		if err := redis.Ping(ctx); err != nil {
			_ = redis.Close()
			return fail(fmt.Errorf("failed to connect to Redis: %w", err))
		}
		app.Redis = redis
	}

	app.EventStore = storage.NewEventStore(mongo, cfg.Pipeline.NewestFirst, sugar)

	incidents, err := storage.NewIncidentStore(mongo, sugar)
	if err != nil {
		return fail(err)
	}
	app.IncidentStore = incidents

	rules, err := storage.NewRuleStore(mongo, sugar)
	if err != nil {
		return fail(err)
	}
	app.RuleStore = rules

	// Correlation path
	app.Correlator = correlate.NewEngine(incidents, app.EventStore, cfg.Correlation.Window, sugar)
	app.Orchestrator = orchestrate.NewOrchestrator(app.Correlator, incidents, sugar)

	// Pipeline stages
	extractor := pipeline.NewServiceClient("extractor", cfg.Services.ExtractorURL,
		cfg.Services.ExtractorTimeout, app.serviceTokens("parser"), sugar)
	recon := pipeline.NewServiceClient("recon", cfg.Services.ReconURL,
		cfg.Services.ReconTimeout, app.serviceTokens("parser"), sugar)

	parseStage := pipeline.NewParseStage(app.EventStore, rules, extractor, sugar)
	enrichStage := pipeline.NewEnrichStage(app.EventStore, recon, sugar)
	app.DetectStage = detect.NewStage(
		app.EventStore,
		app.ruleSource(),
		app.evaluator(sugar),
		app.notifier(sugar),
		cfg.Pipeline.WaitForEnrichment,
		sugar,
	)

	app.Runners = []*pipeline.Runner{
		pipeline.NewRunner(ctx, parseStage, cfg.Pipeline.PollInterval, sugar),
		pipeline.NewRunner(ctx, enrichStage, cfg.Pipeline.PollInterval, sugar),
		pipeline.NewRunner(ctx, app.DetectStage, cfg.Pipeline.PollInterval, sugar),
	}

	// HTTP surface
	app.APIServer = api.NewAPI(cfg, incidents, app.EventStore, rules,
		app.Correlator, app.Orchestrator, mongo, sugar)
	app.Receiver = ingest.NewReceiver(app.EventStore, app.Redis, sugar)
	app.Receiver.Register(app.APIServer.Router())

	return app, nil
}

// serviceTokens returns the outbound credential provider for a named
// internal client, or nil when auth is disabled.
func (a *App) serviceTokens(service string) core.TokenSource {
	if !a.Config.Auth.Enabled {
		return nil
	}
	return api.ServiceTokenSource(service, []string{
		api.ScopeCorrelate,
		api.ScopeIncidentsWrite,
		api.ScopeIncidentsRead,
		api.ScopeMatcher,
	}, a.Config)
}

// ruleSource builds the detector's rule source, cached behind Redis
// when a cache is configured.
func (a *App) ruleSource() detect.RuleSource {
	source := detect.NewStoreRuleSource(a.RuleStore)
	if a.Redis == nil {
		return source
	}
	return detect.NewCachedRuleSource(source, a.Redis, a.Config.Redis.RuleCacheTTL, a.Sugar)
}

// evaluator selects in-process or remote rule matching per config.
func (a *App) evaluator(sugar *zap.SugaredLogger) detect.Evaluator {
	if a.Config.Services.MatcherMode == config.MatcherModeHTTP {
		client := pipeline.NewServiceClient("matcher", a.Config.Services.MatcherURL,
			a.Config.Services.MatcherTimeout, a.serviceTokens("detector"), sugar)
		return detect.NewHTTPEvaluator(client)
	}
	return detect.NewLocalEvaluator(a.Config.Detect.RegexTimeout)
}

// notifier routes detections to a remote orchestrator when one is
// configured, otherwise to the in-process one.
func (a *App) notifier(sugar *zap.SugaredLogger) detect.Notifier {
	if url := a.Config.Services.OrchestratorURL; url != "" {
		client := pipeline.NewServiceClient("orchestrator", url,
			30*time.Second, a.serviceTokens("detector"), sugar)
		return detect.NewHTTPNotifier(client)
	}
	return &localNotifier{orch: a.Orchestrator}
}

// Start launches the pipeline runners and the API server.
func (a *App) Start(ctx context.Context) error {
	for _, runner := range a.Runners {
		runner.Start()
	}

	go func() {
		if err := a.APIServer.Start(); err != nil {
			a.Sugar.Errorf("API server exited: %v", err)
		}
	}()

	a.Sugar.Info("Herringbone started")
	return nil
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	// Phase 1 - stop accepting HTTP traffic, receiver included
	a.Sugar.Info("Phase 1: Stopping API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.APIServer.Shutdown(ctx); err != nil {
		a.Sugar.Errorf("API shutdown error: %v", err)
	}

	// Phase 2 - stop pipeline runners, letting in-flight polls finish
	a.Sugar.Info("Phase 2: Stopping pipeline runners...")
	for _, runner := range a.Runners {
		runner.Stop()
	}

	// Phase 3 - close storage
	a.Sugar.Info("Phase 3: Closing storage...")
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorf("Redis close error: %v", err)
		}
	}
	if err := a.Mongo.Close(ctx); err != nil {
		a.Sugar.Errorf("MongoDB close error: %v", err)
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
