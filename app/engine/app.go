package engine

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/twbx/app/engine/activity"
	"github.com/canopy-network/twbx/app/engine/workflow"
	"github.com/canopy-network/twbx/pkg/dispatch"
	balance "github.com/canopy-network/twbx/pkg/engine"
	"github.com/canopy-network/twbx/pkg/logging"
	"github.com/canopy-network/twbx/pkg/pricing"
	"github.com/canopy-network/twbx/pkg/redis"
	"github.com/canopy-network/twbx/pkg/retry"
	"github.com/canopy-network/twbx/pkg/rpc"
	"github.com/canopy-network/twbx/pkg/store"
	"github.com/canopy-network/twbx/pkg/temporal"
	"github.com/robfig/cron/v3"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	RedisClient    *redis.Client
	Scheduler      *Scheduler
	Pool           pond.Pool
	Logger         *zap.Logger
}

// Start starts the worker and the scheduler and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) {
	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}
	a.Scheduler.Start()
	a.Logger.Info("Engine started",
		zap.String("queue", a.TemporalClient.EngineQueue),
		zap.Strings("scopes", a.Scheduler.Scopes))
	<-ctx.Done()
	a.Stop()
}

// Stop stops the scheduler first so no new runs start, then drains the worker.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Worker.Stop()
	a.Pool.StopAndWait()
	if err := a.RedisClient.Close(); err != nil {
		a.Logger.Warn("Closing Redis", zap.Error(err))
	}
	a.TemporalClient.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize wires the application from the environment.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	registry, err := balance.LoadRegistry(cfg.RegistryPath)
	if err != nil {
		logger.Fatal("Unable to load scope registry", zap.String("path", cfg.RegistryPath), zap.Error(err))
	}

	redisClient, err := redis.NewClient(ctx, redis.ConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("Unable to connect to Redis", zap.Error(err))
	}

	scopeStore := store.NewRedis(redisClient.GetClient(), store.RedisConfig{
		KeyPrefix: cfg.StoreKeyPrefix,
		Retry:     retry.Config{MaxRetries: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, JitterEnabled: true},
	}, logger.Named("store"))

	oracle := pricing.NewCoinGeckoOracle(cfg.CoinGecko, logger.Named("coingecko"))
	prices, err := pricing.NewCache(cfg.Price, oracle, redisClient.GetClient(), logger.Named("prices"))
	if err != nil {
		logger.Fatal("Unable to build price cache", zap.Error(err))
	}

	dispatcher, err := dispatch.New(cfg.Sink, logger.Named("dispatch"))
	if err != nil {
		logger.Fatal("Unable to build dispatcher", zap.Error(err))
	}

	pool := pond.NewPool(activity.WorkerParallelism(cfg.Parallelism))

	eng, err := balance.New(balance.Config{
		WindowMs:            cfg.WindowMs,
		MaxBoundaries:       cfg.MaxBoundaries,
		PricePositionsAtNow: cfg.PricePositionsAtNow,
		APIKey:              cfg.Sink.APIKey,
		RunnerID:            cfg.RunnerID,
	}, balance.Deps{
		Registry:  registry,
		Adapter:   balance.JSONAdapter{},
		Store:     scopeStore,
		Sender:    dispatcher,
		Prices:    prices,
		Publisher: redisClient,
		Pool:      pool,
		Logger:    logger.Named("engine"),
	})
	if err != nil {
		logger.Fatal("Unable to build engine", zap.Error(err))
	}
	if err := eng.Health(ctx); err != nil {
		logger.Fatal("Scope store is unreachable", zap.Error(err))
	}

	rpcOpts := rpc.Opts{RPS: cfg.SourceRPS, Burst: cfg.SourceRPS * 2, BreakerFailures: 5, BreakerCooldown: 30 * time.Second}
	source := rpc.NewHTTPFactory(rpcOpts).NewSource(cfg.SourceEndpoints)

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	activityContext := &activity.Context{
		Logger: logger.Named("activity"),
		Engine: eng,
		Store:  scopeStore,
		Source: source,
	}
	workflowContext := workflow.Context{
		ActivityContext: activityContext,
		Config: workflow.Config{
			MaxBlocksPerBatch: cfg.MaxBlocksPerBatch,
			MaxBatches:        cfg.MaxBatchesPerRun,
		},
	}

	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.EngineQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers: 10,
			MaxConcurrentActivityTaskPollers: 10,
			// Scopes are independent; batches of one scope are serialized by the workflow.
			MaxConcurrentActivityExecutionSize: len(registry.Scopes) + 1,
			WorkerStopTimeout:                  1 * time.Minute,
		},
	)
	wkr.RegisterWorkflowWithOptions(
		workflowContext.ScopeSyncWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.ScopeSyncWorkflowName},
	)
	wkr.RegisterActivity(activityContext.GetScopeProgress)
	wkr.RegisterActivity(activityContext.ProcessRange)

	scheduler := &Scheduler{
		Starter:           temporalClient.TClient,
		Queue:             temporalClient.EngineQueue,
		Scopes:            registry.Keys(),
		MaxBlocksPerBatch: cfg.MaxBlocksPerBatch,
		MaxBatches:        cfg.MaxBatchesPerRun,
		Logger:            logger.Named("scheduler"),
	}
	if err := scheduler.Setup(ctx, cron.DefaultLogger, cfg.CronSpec); err != nil {
		logger.Fatal("Unable to set up scheduler", zap.String("cronSpec", cfg.CronSpec), zap.Error(err))
	}

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		RedisClient:    redisClient,
		Scheduler:      scheduler,
		Pool:           pool,
		Logger:         logger,
	}
}
