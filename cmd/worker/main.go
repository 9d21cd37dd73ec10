// Package main - долгоживущий процесс движка ведомостей.
//
// Worker:
// - слушает изменения в PostgreSQL (LISTEN/NOTIFY) и инвалидирует ведомости;
// - получает инвалидации от соседних экземпляров через Redis pub/sub;
// - по расписанию проверяет согласованность данных и прогревает кеш;
// - отдаёт по HTTP пробы, статистику и ручную инвалидацию.
//
// Без Redis каждый экземпляр работает только с локальными поколениями.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/gradebook/config"
	"github.com/alem-hub/gradebook/internal/application/eventhandler"
	"github.com/alem-hub/gradebook/internal/infrastructure/messaging"
	"github.com/alem-hub/gradebook/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/gradebook/internal/infrastructure/persistence/redis"
	"github.com/alem-hub/gradebook/internal/infrastructure/scheduler"
	"github.com/alem-hub/gradebook/internal/infrastructure/scheduler/jobs"
	"github.com/alem-hub/gradebook/internal/infrastructure/service"
	httpapi "github.com/alem-hub/gradebook/internal/interface/http"
	"github.com/alem-hub/gradebook/internal/interface/http/handlers"
	"github.com/alem-hub/gradebook/pkg/circuitbreaker"
	"github.com/alem-hub/gradebook/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. КОНФИГУРАЦИЯ И ЛОГИРОВАНИЕ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg)
	instanceID := uuid.NewString()
	log.Info("starting gradebook worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"instance_id", instanceID,
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 2. POSTGRESQL И МИГРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	dbConn, err := postgres.NewConnection(ctx, postgresConfig(cfg.Database), log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()

	if cfg.Database.Migrate {
		if err := runMigrations(ctx, dbConn, log); err != nil {
			return err
		}
	}

	semesters := postgres.NewSemesterRepository(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		cache   *redis.Cache
		gbCache *redis.GradeBookCache
	)
	if !cfg.Redis.Disabled {
		cache, err = redis.NewCache(redisConfig(cfg.Redis))
		if err != nil {
			log.Warn("redis unavailable, running with local generations only", "error", err)
			cache = nil
		} else {
			defer cache.Close()
			gbCache = redis.NewGradeBookCache(cache, instanceID, log)
			log.Info("redis connection established", "addr", cache.Config().Addr())
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT BUS И СЕРВИС ВЕДОМОСТЕЙ
	// ─────────────────────────────────────────────────────────────────────────
	eventBus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: cfg.Engine.EventWorkers,
		Logger:         log,
	})
	defer func() {
		log.Info("closing event bus...")
		_ = eventBus.Close()
	}()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithEventPublisher(eventBus),
		service.WithRetryIf(postgres.IsTransient),
		service.WithInstanceID(instanceID),
		service.WithLoadTimeout(cfg.Engine.LoadTimeout),
	}
	if gbCache != nil {
		opts = append(opts, service.WithSharedState(gbCache))
	}
	gradeBooks := service.NewGradeBookService(semesters, opts...)

	upstream := eventhandler.NewOnUpstreamChangedHandler(gradeBooks, log, eventhandler.DefaultUpstreamChangedConfig())
	if err := eventBus.SubscribeMany(upstream.EventTypes(), upstream.Handle); err != nil {
		return fmt.Errorf("failed to subscribe upstream handler: %w", err)
	}

	// Пачки уведомлений по одному семестру сливаются в одну инвалидацию.
	coalescer := messaging.NewCoalescer(eventBus, cfg.Engine.CoalesceWindow, log)
	defer func() { _ = coalescer.Close() }()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. ПЛАНИРОВЩИК
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = setupScheduler(cfg, log, semesters, gradeBooks, gbCache)
		if err != nil {
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. HTTP (health, stats, admin)
	// ─────────────────────────────────────────────────────────────────────────
	var httpServer *httpapi.Server
	if cfg.HTTP.Enabled {
		httpServer = setupHTTPServer(cfg, log, dbConn, cache, gbCache, gradeBooks, coalescer, sched)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ЗАПУСК
	// ─────────────────────────────────────────────────────────────────────────
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	errCh := make(chan error, 3)

	listener := postgres.NewChangeListener(dbConn, coalescer, log)
	go func() {
		if err := listener.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("change listener: %w", err)
		}
	}()

	// Потеря подписки не останавливает воркер: она переподключается,
	// а чтения проверяют общую генерацию.
	if gbCache != nil {
		go gbCache.RunInvalidationSubscriber(runCtx, func(msg redis.InvalidationMessage) {
			gradeBooks.DropLocal(msg.SemesterID)
			log.Debug("sibling invalidation applied",
				"semester_id", msg.SemesterID,
				"origin", msg.Origin,
				"generation", msg.Generation,
			)
		})
	}

	if sched != nil {
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	if httpServer != nil {
		go func() {
			if err := httpServer.Start(); err != nil {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	log.Info("gradebook worker is running",
		"redis", gbCache != nil,
		"scheduler", sched != nil,
		"http", httpServer != nil,
		"coalesce_window", cfg.Engine.CoalesceWindow.String(),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case runErr = <-errCh:
		log.Error("service error", "error", runErr)
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancelShutdown()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("failed to stop http server", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if sched != nil {
			if err := sched.Stop(); err != nil {
				log.Warn("failed to stop scheduler", "error", err)
			}
		}
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout exceeded, jobs abandoned")
	}

	stats := gradeBooks.Stats()
	log.Info("shutdown completed",
		"hits", stats.Hits,
		"misses", stats.Misses,
		"shared", stats.Shared,
		"discarded", stats.Discarded,
		"invalidated", stats.Invalidated,
		"coalesced", coalescer.Merged(),
	)
	return runErr
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	return logger.Setup(logger.Options{
		Output:  os.Stdout,
		Level:   logger.ParseLevel(cfg.App.LogLevel),
		Format:  logger.Format(cfg.App.LogFormat),
		Service: cfg.App.Name,
		Version: cfg.App.Version,
	})
}

func runMigrations(ctx context.Context, conn *postgres.Connection, log *slog.Logger) error {
	migrator := postgres.NewMigrator(conn)
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	status, err := migrator.Status(ctx)
	if err != nil {
		log.Warn("failed to get migration status", "error", err)
		return nil
	}
	applied := 0
	for _, m := range status {
		if m.IsApplied {
			applied++
		}
	}
	log.Info("migrations completed", "applied", applied, "total", len(status))
	return nil
}

func setupScheduler(
	cfg *config.Config,
	log *slog.Logger,
	semesters *postgres.SemesterRepository,
	gradeBooks *service.GradeBookService,
	gbCache *redis.GradeBookCache,
) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(scheduler.Config{
		Logger:   log,
		Timezone: cfg.App.Location,
	})

	var locker jobs.Locker
	if gbCache != nil {
		locker = gbCache
	}

	auditCfg := jobs.DefaultConsistencyAuditConfig()
	auditCfg.MaxSemesters = cfg.Scheduler.AuditMaxSemesters
	auditCfg.Timeout = cfg.Scheduler.AuditTimeout
	audit := jobs.NewConsistencyAuditJob(semesters, semesters, locker, log, auditCfg)
	if err := sched.Register(audit, cfg.Scheduler.AuditSchedule); err != nil {
		return nil, fmt.Errorf("failed to register audit job: %w", err)
	}

	warmCfg := jobs.DefaultWarmCacheConfig()
	warmCfg.MaxSemesters = cfg.Scheduler.WarmMaxSemesters
	warmCfg.Parallel = cfg.Engine.WarmParallel
	warmCfg.Timeout = cfg.Scheduler.WarmTimeout
	warm := jobs.NewWarmCacheJob(semesters, gradeBooks, log, warmCfg)
	if err := sched.Register(warm, cfg.Scheduler.WarmSchedule); err != nil {
		return nil, fmt.Errorf("failed to register warm job: %w", err)
	}
	return sched, nil
}

func setupHTTPServer(
	cfg *config.Config,
	log *slog.Logger,
	dbConn *postgres.Connection,
	cache *redis.Cache,
	gbCache *redis.GradeBookCache,
	gradeBooks *service.GradeBookService,
	coalescer *messaging.Coalescer,
	sched *scheduler.Scheduler,
) *httpapi.Server {
	health := handlers.NewHealthChecker(cfg.App.Version, 3*time.Second)
	health.AddCheck("postgres", handlers.NewPingCheck(dbConn), true)
	if cache != nil {
		// Redis не критичен: без него движок работает на локальных поколениях.
		health.AddCheck("redis", func(ctx context.Context) error {
			if gbCache.Breaker().State() == circuitbreaker.StateOpen {
				return circuitbreaker.ErrCircuitOpen
			}
			return cache.Ping(ctx)
		}, false)
	}

	deps := httpapi.Dependencies{
		Health:      health,
		Invalidator: gradeBooks,
		Logger:      log,
		Stats: func() any {
			st := gradeBooks.Stats()
			out := map[string]any{
				"instance_id": gradeBooks.InstanceID(),
				"hits":        st.Hits,
				"misses":      st.Misses,
				"shared":      st.Shared,
				"discarded":   st.Discarded,
				"invalidated": st.Invalidated,
				"coalesced":   coalescer.Merged(),
				"cached":      gradeBooks.Cached(),
			}
			if gbCache != nil {
				out["redis_breaker"] = gbCache.Breaker().State().String()
			}
			return out
		},
	}
	if sched != nil {
		deps.Jobs = sched
	}

	return httpapi.NewServer(httpapi.Config{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		AdminToken:   cfg.HTTP.AdminToken,
	}, deps)
}

func postgresConfig(c config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = c.URL
	pc.Host = c.Host
	pc.Port = c.Port
	pc.Database = c.Name
	pc.User = c.User
	pc.Password = c.Password
	pc.SSLMode = c.SSLMode
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnLifetime = c.MaxConnLifetime
	pc.MaxConnIdleTime = c.MaxConnIdleTime
	pc.ConnectTimeout = c.ConnectTimeout
	return pc
}

func redisConfig(c config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.Host = c.Host
	rc.Port = c.Port
	rc.Password = c.Password
	rc.DB = c.DB
	rc.PoolSize = c.PoolSize
	rc.MinIdleConns = c.MinIdleConns
	rc.DialTimeout = c.DialTimeout
	rc.ReadTimeout = c.ReadTimeout
	rc.WriteTimeout = c.WriteTimeout
	if c.SnapshotTTL > 0 {
		rc.SnapshotTTL = c.SnapshotTTL
	}
	return rc
}
