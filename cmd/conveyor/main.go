// Command conveyor runs the job queues, their workers and the periodic
// maintenance tasks in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/conveyor/core/config"
	"github.com/dmitrymomot/conveyor/core/deadletter"
	"github.com/dmitrymomot/conveyor/core/dependency"
	"github.com/dmitrymomot/conveyor/core/health"
	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/core/metrics"
	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/core/registry"
	"github.com/dmitrymomot/conveyor/core/scheduler"
	"github.com/dmitrymomot/conveyor/core/worker"
	"github.com/dmitrymomot/conveyor/integration/database/mongo"
	"github.com/dmitrymomot/conveyor/integration/database/redis"
	"github.com/dmitrymomot/conveyor/integration/queue/redisqueue"
	"github.com/dmitrymomot/conveyor/integration/store/mongostore"
	"github.com/dmitrymomot/conveyor/pkg/ratelimiter"
)

type appConfig struct {
	Env            string        `env:"APP_ENV" envDefault:"development"`
	Service        string        `env:"SERVICE_NAME" envDefault:"conveyor"`
	HealthInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"1m"`
	// DependencyPolicy is "fire" or "cancel" for dependents of failed parents.
	DependencyPolicy string `env:"DEPENDENCY_FAILURE_POLICY" envDefault:"fire"`
	RedisKeyPrefix   string `env:"QUEUE_REDIS_PREFIX" envDefault:"cq"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		app    appConfig
		qcfg   queue.Config
		wcfg   worker.Config
		rlcfg  ratelimiter.Config
		scfg   scheduler.Config
		rdbcfg redis.Config
	)
	for _, load := range []func() error{
		func() error { return config.Load(&app) },
		func() error { return config.Load(&qcfg) },
		func() error { return config.Load(&wcfg) },
		func() error { return config.Load(&rlcfg) },
		func() error { return config.Load(&scfg) },
		func() error { return config.Load(&rdbcfg) },
	} {
		if err := load(); err != nil {
			return err
		}
	}

	log := logger.ForEnv(app.Env, app.Service)
	checks := health.Checks{"live": health.Liveness}

	backend, closeRedis := connectRedis(ctx, log, rdbcfg, app.RedisKeyPrefix)
	defer closeRedis()

	adapter, err := queue.NewFromConfig(ctx, qcfg, backend, queue.WithLogger(log))
	if err != nil {
		return fmt.Errorf("create queue adapter: %w", err)
	}
	checks["queue"] = adapter.Healthcheck

	stores, closeMongo, err := openStores(ctx, log, checks)
	if err != nil {
		return err
	}
	defer closeMongo()

	limiter := ratelimiter.NewFromConfig(rlcfg, ratelimiter.WithLogger(log))

	recorder, err := metrics.NewRecorder(stores.metrics, metrics.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			log.Error("failed to flush metrics", logger.Error(err))
		}
	}()

	dlq, err := deadletter.NewManager(adapter, stores.deadLetter, deadletter.WithLogger(log))
	if err != nil {
		return err
	}

	policy := dependency.FireOnFailure
	if app.DependencyPolicy == "cancel" {
		policy = dependency.CancelOnFailure
	}
	deps, err := dependency.NewManager(adapter, stores.dependencies,
		dependency.WithLogger(log),
		dependency.WithFailurePolicy(policy))
	if err != nil {
		return err
	}

	runtime, err := worker.NewRuntimeFromConfig(wcfg, adapter,
		worker.WithLogger(log),
		worker.WithMetrics(recorder),
		worker.WithDeadLetter(dlq),
		worker.WithDependencies(deps))
	if err != nil {
		return err
	}

	reg, err := registry.New(adapter,
		registry.WithLogger(log),
		registry.WithLimiter(limiter),
		registry.WithRuntime(runtime),
		registry.WithMetrics(recorder),
		registry.WithDeadLetter(dlq),
		registry.WithDependencies(deps))
	if err != nil {
		return err
	}

	sched := scheduler.NewFromConfig(scfg, scheduler.WithLogger(log))
	if err := registerTasks(sched, scfg, reg, dlq, deps); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(limiter.Run(ctx))
	g.Go(health.Watch(ctx, log, checks, app.HealthInterval))

	if adapter.Enabled() {
		if err := reg.StartWorkers(loggingProcessors(log)); err != nil {
			return err
		}
		checks["workers"] = runtime.Healthcheck
		checks["scheduler"] = sched.Healthcheck

		g.Go(adapter.Run(ctx))
		g.Go(runtime.Run(ctx))
		g.Go(sched.Run(ctx))
	} else {
		log.Warn("queue backend unavailable, workers and scheduler are not started")
	}

	log.Info("conveyor started",
		slog.String("env", app.Env),
		slog.Bool("queue_enabled", adapter.Enabled()),
		slog.Int("queues", len(registry.Kinds())))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("conveyor stopped")
	return nil
}

// connectRedis returns a backend even when Redis is down; the adapter then
// starts disabled and rejects operations with ErrBackendUnavailable.
func connectRedis(ctx context.Context, log *slog.Logger, cfg redis.Config, prefix string) (queue.Backend, func()) {
	rdb, err := redis.Connect(ctx, cfg)
	if err != nil {
		log.Error("redis unavailable", logger.Error(err))
		return redisqueue.New(nil, redisqueue.WithPrefix(prefix)), func() {}
	}
	return redisqueue.New(rdb, redisqueue.WithPrefix(prefix)), func() {
		if err := rdb.Close(); err != nil {
			log.Error("failed to close redis", logger.Error(err))
		}
	}
}

type storeSet struct {
	deadLetter   deadletter.Store
	dependencies dependency.Store
	metrics      metrics.Store
}

// openStores uses MongoDB when MONGODB_URL is set and in-memory stores otherwise.
func openStores(ctx context.Context, log *slog.Logger, checks health.Checks) (storeSet, func(), error) {
	if os.Getenv("MONGODB_URL") == "" {
		log.Warn("MONGODB_URL not set, dead letter, dependency and metrics data is kept in memory")
		return storeSet{
			deadLetter:   deadletter.NewMemoryStore(),
			dependencies: dependency.NewMemoryStore(),
			metrics:      metrics.NewMemoryStore(),
		}, func() {}, nil
	}

	var cfg mongo.Config
	if err := config.Load(&cfg); err != nil {
		return storeSet{}, nil, err
	}
	db, err := mongo.NewWithDatabase(ctx, cfg, "")
	if err != nil {
		return storeSet{}, nil, err
	}
	closeFn := func() {
		if err := db.Client().Disconnect(context.Background()); err != nil {
			log.Error("failed to disconnect mongodb", logger.Error(err))
		}
	}
	if err := mongostore.Migrate(ctx, db); err != nil {
		closeFn()
		return storeSet{}, nil, err
	}
	checks["mongo"] = mongo.Healthcheck(db.Client())

	return storeSet{
		deadLetter:   mongostore.NewDeadLetterStore(db),
		dependencies: mongostore.NewDependencyStore(db),
		metrics:      mongostore.NewMetricsStore(db),
	}, closeFn, nil
}

func registerTasks(s *scheduler.Scheduler, cfg scheduler.Config, reg *registry.Registry, dlq *deadletter.Manager, deps *dependency.Manager) error {
	tasks := []struct {
		name, spec string
		task       scheduler.Task
	}{
		{"dead-letter-cleanup", cfg.DeadLetterCleanup, scheduler.DeadLetterCleanup(dlq, cfg.DeadLetterRetentionDays)},
		{"dead-letter-sweep", cfg.DeadLetterSweep, scheduler.DeadLetterSweep(dlq, deps, reg.Adapter().QueueNames)},
		{"dependency-purge", cfg.DependencyPurge, scheduler.DependencyPurge(deps)},
		{"dependency-reconcile", cfg.DependencyReconcile, scheduler.DependencyReconcile(deps, cfg.DependencyReconcileAge)},
		{"analytics-rollup", cfg.AnalyticsRollup, func(ctx context.Context) error {
			now := time.Now()
			_, err := reg.AddAnalyticsJob(ctx, registry.AnalyticsPayload{
				Report: "daily-rollup",
				From:   now.Add(-24 * time.Hour),
				To:     now,
			})
			return err
		}},
	}
	for _, t := range tasks {
		if err := s.Add(t.name, t.spec, t.task); err != nil {
			return fmt.Errorf("register %s: %w", t.name, err)
		}
	}
	return nil
}
