package promoter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ppdbx/chunkpromoter/app/promoter/activity"
	"github.com/ppdbx/chunkpromoter/app/promoter/types"
	"github.com/ppdbx/chunkpromoter/app/promoter/workflow"
	"github.com/ppdbx/chunkpromoter/pkg/cycle"
	"github.com/ppdbx/chunkpromoter/pkg/db"
	"github.com/ppdbx/chunkpromoter/pkg/db/chunks"
	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/logging"
	"github.com/ppdbx/chunkpromoter/pkg/redis"
	"github.com/ppdbx/chunkpromoter/pkg/storage/gcs"
	"github.com/ppdbx/chunkpromoter/pkg/temporal"
	"github.com/ppdbx/chunkpromoter/pkg/utils"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

const DefaultInterval = 5 * time.Minute

// Config is read from the environment at startup.
type Config struct {
	Queue          string
	Interval       time.Duration
	Tables         []entities.Table
	ChunkColumn    string
	CleanupTimeout time.Duration
	MaxResumes     int
	HTTPAddr       string
}

func configFromEnv(queue string) (Config, error) {
	tables, err := entities.ParseList(utils.EnvList("PROMOTE_TABLES", nil))
	if err != nil {
		return Config{}, err
	}
	return Config{
		Queue:          queue,
		Interval:       utils.EnvDuration("PROMOTE_INTERVAL", DefaultInterval),
		Tables:         tables,
		ChunkColumn:    utils.Env("CHUNK_COLUMN", entities.DefaultChunkColumn),
		CleanupTimeout: utils.EnvDuration("CLEANUP_TIMEOUT", 5*time.Minute),
		MaxResumes:     utils.EnvInt("MAX_RESUMES", workflow.DefaultConfig().MaxResumes),
		HTTPAddr:       utils.Env("HTTP_ADDR", ":3010"),
	}, nil
}

func scheduleOptions(cfg Config) client.ScheduleOptions {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return client.ScheduleOptions{
		ID:      temporal.SchedulePromoteChunks,
		Spec:    temporal.GetScheduleSpec(interval),
		Overlap: enums.SCHEDULE_OVERLAP_POLICY_SKIP,
		Action: &client.ScheduleWorkflowAction{
			ID:        temporal.PromoteChunksWorkflowID("scheduled"),
			Workflow:  workflow.PromoteChunksWorkflowName,
			TaskQueue: cfg.Queue,
			Args:      []interface{}{types.WorkflowPromoteChunksInput{Trigger: "schedule"}},
		},
	}
}

type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Config         Config

	Store     chunks.Store
	Warehouse *db.Warehouse
	// Optional; nil when REDIS_HOST or GCS_BUCKET is unset.
	RedisClient *redis.Client
	Storage     *gcs.Client

	Server *http.Server
	Logger *zap.Logger
}

// Start ensures the schedule, starts the worker and the HTTP server, and blocks until the
// context is canceled.
func (a *App) Start(ctx context.Context) {
	created, err := temporal.EnsureSchedule(ctx, a.TemporalClient.TSClient, a.Logger, scheduleOptions(a.Config))
	if err != nil {
		a.Logger.Fatal("Unable to ensure promotion schedule", zap.Error(err))
	}
	if created {
		a.Logger.Info("Promotion schedule created", zap.Duration("interval", a.Config.Interval))
	}

	if err := a.Worker.Start(); err != nil {
		a.Logger.Fatal("Unable to start worker", zap.Error(err))
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	a.Logger.Info("Promoter started", zap.String("queue", a.Config.Queue), zap.String("http", a.Config.HTTPAddr))

	<-ctx.Done()
	a.Stop()
}

// Stop stops the worker and releases every connection.
func (a *App) Stop() {
	a.Worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)

	if err := a.Warehouse.Close(); err != nil {
		a.Logger.Error("Failed to close warehouse connection", zap.Error(err))
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Error("Failed to close metadata store", zap.Error(err))
	}
	if a.RedisClient != nil {
		_ = a.RedisClient.Close()
	}
	if a.Storage != nil {
		_ = a.Storage.Close()
	}
	a.TemporalClient.Close()

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

// Initialize initializes the application.
func Initialize(ctx context.Context) *App {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		logger.Fatal("Unable to establish temporal connection", zap.Error(err))
	}

	cfg, err := configFromEnv(temporalClient.PromoterQueue)
	if err != nil {
		logger.Fatal("Invalid promoter configuration", zap.Error(err))
	}

	backends := db.ConfigFromEnv("promoter")
	store, err := db.OpenStore(ctx, logger, backends)
	if err != nil {
		logger.Fatal("Unable to open metadata store", zap.Error(err), zap.String("backend", backends.Metadata))
	}
	wh, err := db.OpenWarehouse(ctx, logger, backends)
	if err != nil {
		logger.Fatal("Unable to connect to warehouse", zap.Error(err), zap.String("backend", backends.Warehouse))
	}

	runner := &cycle.Runner{
		Logger:         logger,
		Store:          store,
		Executor:       wh,
		Tables:         cfg.Tables,
		ChunkColumn:    cfg.ChunkColumn,
		CleanupTimeout: cfg.CleanupTimeout,
	}

	app := &App{
		TemporalClient: temporalClient,
		Config:         cfg,
		Store:          store,
		Warehouse:      wh,
		Logger:         logger,
	}

	checks := map[string]Check{
		"temporal": func(ctx context.Context) error {
			_, err := temporalClient.TClient.CheckHealth(ctx, nil)
			return err
		},
		"metadata": func(ctx context.Context) error {
			_, err := store.ColumnNames(ctx)
			return err
		},
	}

	if utils.Env("REDIS_HOST", "") != "" {
		rc, err := redis.NewClient(ctx, logger, redis.ConfigFromEnv())
		if err != nil {
			logger.Fatal("Unable to connect to redis", zap.Error(err))
		}
		publisher := redis.NewPublisher(rc, "")
		if err := publisher.ValidateStream(ctx); err != nil {
			if !errors.Is(err, redis.ErrStreamNotFound) {
				logger.Fatal("Unable to validate promotion stream", zap.Error(err))
			}
			// XADD creates the stream on the first promotion.
			logger.Warn("Promotion stream does not exist yet", zap.String("stream", publisher.Stream))
		}
		app.RedisClient = rc
		runner.Notifier = publisher
		checks["redis"] = rc.Health
	}

	if utils.Env("GCS_BUCKET", "") != "" {
		storage, err := gcs.NewClient(ctx, logger, "", "")
		if err != nil {
			logger.Fatal("Unable to create object store client", zap.Error(err))
		}
		app.Storage = storage
		runner.Archiver = &cycle.ObjectArchiver{
			Logger:         logger,
			Storage:        storage,
			ManifestPrefix: utils.Env("GCS_MANIFEST_PREFIX", cycle.DefaultManifestPrefix),
			ChunkPrefix:    utils.Env("GCS_CHUNK_PREFIX", cycle.DefaultChunkPrefix),
			KeepChunkFiles: utils.Env("GCS_KEEP_CHUNK_FILES", "false") == "true",
		}
	}

	activityContext := &activity.Context{
		Logger: logger,
		Runner: runner,
	}
	workflowContext := workflow.Context{
		TemporalClient:  temporalClient,
		ActivityContext: activityContext,
		Config:          workflow.Config{MaxResumes: cfg.MaxResumes},
	}

	// One promotion at a time: the workflow id is fixed per trigger and the schedule skips
	// overlaps, so a small worker is enough.
	wkr := worker.New(
		temporalClient.TClient,
		cfg.Queue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers:       2,
			MaxConcurrentActivityTaskPollers:       2,
			MaxConcurrentActivityExecutionSize:     4,
			MaxConcurrentWorkflowTaskExecutionSize: 4,
			WorkerStopTimeout:                      time.Minute,
		},
	)

	wkr.RegisterWorkflowWithOptions(
		workflowContext.PromoteChunksWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.PromoteChunksWorkflowName},
	)
	wkr.RegisterActivity(activityContext.GetPromotableChunks)
	wkr.RegisterActivity(activityContext.PromoteChunks)
	wkr.RegisterActivity(activityContext.MarkChunksPromoted)
	wkr.RegisterActivity(activityContext.PublishPromotion)
	wkr.RegisterActivity(activityContext.ArchivePromotion)
	app.Worker = wkr

	app.Server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(logger, checks),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app
}
