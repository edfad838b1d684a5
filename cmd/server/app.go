package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/genflow/internal/api"
	"github.com/phrazzld/genflow/internal/config"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/events"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/notify"
	"github.com/phrazzld/genflow/internal/platform/gemini"
	"github.com/phrazzld/genflow/internal/platform/memory"
	"github.com/phrazzld/genflow/internal/platform/postgres"
	"github.com/phrazzld/genflow/internal/platform/restprovider"
	"github.com/phrazzld/genflow/internal/service/auth"
	"github.com/phrazzld/genflow/internal/storage"
	"github.com/phrazzld/genflow/internal/store"
	"github.com/phrazzld/genflow/internal/task"
)

// Process roles
const (
	roleAPI       = "api"
	roleWorker    = "worker"
	roleScheduler = "scheduler"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	roles  mapset.Set[string]

	// db is nil with the memory driver.
	db            *sql.DB
	tasks         store.TaskRecordStore
	notifications store.NotificationStore
	files         *storage.FileStore

	jwtService auth.JWTService
	registry   *generation.Registry
	emitter    *events.InMemoryEventEmitter
	dispatcher *task.Dispatcher
	fanout     *notify.Fanout

	// pool and scheduler are nil when the process does not run the
	// worker or scheduler role.
	pool      *task.ExecutionPool
	scheduler *task.PollScheduler
	runner    *task.TaskRunner
}

// newApplication creates a new application instance with all dependencies
// initialized for the configured roles. queues restricts the queue classes
// the worker role binds; empty means all.
func newApplication(ctx context.Context, cfg *config.Config, queues []string, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		roles:  mapset.NewSet(cfg.Server.Roles...),
	}

	classes, err := parseQueueClasses(queues)
	if err != nil {
		return nil, err
	}

	if err := app.openStores(ctx); err != nil {
		return nil, err
	}

	app.files, err = storage.NewFileStore(cfg.Storage.BasePath, cfg.Storage.BaseURL)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize asset storage: %w", err)
	}

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.registry, err = buildRegistry(ctx, cfg, app.files, logger)
	if err != nil {
		app.cleanup()
		return nil, err
	}
	logger.Info("provider adapters registered", "adapters", app.registry.Names())

	// Every process that can finalize a task records notifications; the api
	// role additionally delivers them to live subscribers.
	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.fanout = notify.NewFanout(app.notifications, notify.Config{
		SubscriberBuffer: cfg.Notify.SubscriberBuffer,
		BacklogLimit:     cfg.Notify.BacklogLimit,
		AppendRetries:    cfg.Notify.AppendRetries,
		AppendBackoff:    cfg.Notify.AppendBackoff,
	}, logger)
	app.emitter.RegisterHandler(app.fanout)

	retry := task.NewRetryPolicy(app.tasks, app.emitter, task.RetryPolicyConfig{
		BaseBackoff:   cfg.Retry.BaseBackoff,
		MaxBackoff:    cfg.Retry.MaxBackoff,
		JitterPercent: cfg.Retry.JitterPercent,
	}, logger)

	var handoff task.PollHandoff
	if app.roles.Contains(roleScheduler) {
		app.scheduler = task.NewPollScheduler(app.tasks, app.emitter, app.registry, retry, task.PollSchedulerConfig{
			Interval:    cfg.Poll.Interval,
			MaxPolls:    cfg.Poll.MaxPolls,
			Concurrency: cfg.Poll.Concurrency,
			CallTimeout: cfg.Poll.CallTimeout,
		}, logger)
		handoff = app.scheduler
	}

	var enqueuer task.Enqueuer
	if app.roles.Contains(roleWorker) {
		app.pool = task.NewExecutionPool(app.tasks, app.emitter, app.registry, retry, handoff, task.ExecutionPoolConfig{
			Classes:      poolClasses(cfg.Queues, classes),
			CallTimeout:  cfg.Execution.CallTimeout,
			PollInterval: cfg.Poll.Interval,
			PollMaxWait:  cfg.Poll.MaxWait,
		}, logger)
		enqueuer = app.pool
		logger.Info("execution pool configured", "queue_classes", app.pool.Classes())
	}

	app.runner = task.NewTaskRunner(app.tasks, app.emitter, app.pool, app.scheduler, retry, task.TaskRunnerConfig{
		StuckTaskAge:           cfg.Execution.StuckTaskAge,
		StuckTaskCheckInterval: cfg.Execution.StuckCheckInterval,
		NotifyReconcileWindow:  cfg.Notify.ReconcileWindow,
	}, logger)

	app.dispatcher = task.NewDispatcher(app.tasks, app.registry, enqueuer, task.DispatcherConfig{
		Coalesce:    cfg.Dispatcher.Coalesce,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, logger)

	logger.Info("application initialized", "roles", app.roles.ToSlice())
	return app, nil
}

// openStores connects the task record and notification stores.
func (app *application) openStores(ctx context.Context) error {
	switch app.config.Database.Driver {
	case "memory":
		if app.roles.Cardinality() < 3 {
			app.logger.Warn("memory store is process-local; roles in other processes will not see its records")
		}
		app.tasks = memory.NewTaskRecordStore()
		app.notifications = memory.NewNotificationStore()
		return nil
	case "postgres":
		db, err := postgres.Open(ctx, app.config.Database)
		if err != nil {
			return err
		}
		app.logger.Info("database connection established",
			"database_url", postgres.MaskDatabaseURL(app.config.Database.URL))
		app.db = db
		app.tasks = postgres.NewPostgresTaskRecordStore(db)
		app.notifications = postgres.NewPostgresNotificationStore(db)
		return nil
	default:
		return fmt.Errorf("unsupported database driver %q", app.config.Database.Driver)
	}
}

// buildRegistry registers the adapters whose credentials are configured.
// Gemini serves video, scenes and images; the REST backend serves audio
// and may also render scenes.
func buildRegistry(
	ctx context.Context,
	cfg *config.Config,
	files storage.Writer,
	logger *slog.Logger,
) (*generation.Registry, error) {
	reg := generation.NewRegistry()

	geminiEnabled := cfg.Gemini.APIKey != ""
	if geminiEnabled {
		backend, err := gemini.NewBackend(ctx, cfg.Gemini)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini backend: %w", err)
		}
		video, err := gemini.NewVideoAdapter(backend, files, cfg.Gemini.VideoModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize video adapter: %w", err)
		}
		image, err := gemini.NewImageAdapter(backend, files, cfg.Gemini.ImageModel, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize image adapter: %w", err)
		}
		reg.Register(video, domain.KindVideo, domain.KindScene)
		reg.Register(image, domain.KindImage)
	}

	if cfg.RestProvider.BaseURL != "" {
		rest, err := restprovider.New(restprovider.Config{
			BaseURL:        cfg.RestProvider.BaseURL,
			APIKey:         cfg.RestProvider.APIKey,
			RequestTimeout: cfg.RestProvider.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize REST provider: %w", err)
		}
		if geminiEnabled {
			reg.Register(rest, domain.KindAudio)
			reg.Allow(domain.KindScene, rest.Name())
		} else {
			reg.Register(rest, domain.KindAudio, domain.KindScene)
		}
	}

	if len(reg.Names()) == 0 {
		logger.Warn("no provider adapters configured; every submission will be rejected")
	}
	return reg, nil
}

// parseQueueClasses validates the --queues flag.
func parseQueueClasses(names []string) (mapset.Set[domain.QueueClass], error) {
	all := mapset.NewSet(domain.AllQueueClasses()...)
	if len(names) == 0 {
		return all, nil
	}
	selected := mapset.NewSet[domain.QueueClass]()
	for _, n := range names {
		class := domain.QueueClass(strings.ToLower(strings.TrimSpace(n)))
		if !all.Contains(class) {
			return nil, fmt.Errorf("unknown queue class %q", n)
		}
		selected.Add(class)
	}
	return selected, nil
}

func poolClasses(cfg config.QueuesConfig, selected mapset.Set[domain.QueueClass]) map[domain.QueueClass]task.QueueClassConfig {
	byClass := map[domain.QueueClass]config.QueueConfig{
		domain.QueueClassVideo: cfg.Video,
		domain.QueueClassImage: cfg.Image,
		domain.QueueClassAudio: cfg.Audio,
	}
	out := make(map[domain.QueueClass]task.QueueClassConfig, selected.Cardinality())
	for class := range selected.Iter() {
		qc := byClass[class]
		out[class] = task.QueueClassConfig{
			Workers:       qc.Workers,
			RatePerSecond: qc.RatePerSecond,
			Burst:         qc.Burst,
			Capacity:      qc.Capacity,
		}
	}
	return out
}

// Run starts the configured roles and blocks until ctx is cancelled or one
// of them fails.
func (app *application) Run(ctx context.Context) error {
	defer app.cleanup()

	if err := app.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if app.roles.Contains(roleAPI) {
		g.Go(func() error {
			return app.fanout.Run(gctx, app.config.Notify.SyncInterval)
		})
		g.Go(func() error {
			return app.startHTTPServer(gctx, app.setupRouter())
		})
	} else {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if stopErr := app.runner.Stop(); stopErr != nil {
		err = errors.Join(err, fmt.Errorf("task runner: %w", stopErr))
	}
	return err
}

// healthChecks returns the dependency checks served by /health.
func (app *application) healthChecks() map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"storage": func(context.Context) error {
			_, err := os.Stat(app.files.BasePath())
			return err
		},
	}
	if app.db != nil {
		checks["database"] = app.db.PingContext
	}
	return checks
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.fanout != nil {
		app.fanout.Close()
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
		app.db = nil
	}
	app.logger.Info("application shutdown completed")
}
