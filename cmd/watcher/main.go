package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"slotwatch/internal/api"
	"slotwatch/internal/automation"
	"slotwatch/internal/config"
	"slotwatch/internal/database"
	"slotwatch/internal/dispatcher"
	"slotwatch/internal/domain"
	"slotwatch/internal/events"
	"slotwatch/internal/health"
	"slotwatch/internal/logging"
	"slotwatch/internal/metrics"
	"slotwatch/internal/models"
	"slotwatch/internal/notify"
	"slotwatch/internal/pool"
	"slotwatch/internal/queue"
	"slotwatch/internal/registry"
	"slotwatch/internal/repository"
	"slotwatch/internal/scheduler"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	reg, err := registry.Load(cfg.Targets.Path)
	if err != nil {
		logger.Error().Err(err).Str("targets_path", cfg.Targets.Path).Msg("load targets")
		return err
	}

	db, err := initDatabase(cfg, reg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient := initRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}
	state, transport := initState(redisClient, logger)

	q := queue.New(db, transport, queueOptions(cfg), logger)

	sessions := pool.New(
		automation.HTTPSessionFactory{Timeout: cfg.Queue.Check.Timeout, UserAgent: cfg.Pool.UserAgent},
		proxyProvider(cfg),
		state,
		pool.Options{
			MaxSessions:    cfg.Pool.MaxSessions,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			IdleTimeout:    cfg.Pool.IdleTimeout,
			ProxyCacheTTL:  cfg.Proxy.CacheTTL,
		},
		logger,
	)
	defer sessions.Close()

	bus := events.NewEventBus()
	bus.Subscribe(events.AllEvents, func(ev *events.Event) error {
		logger.Debug().Str("event", ev.Type).Int64("user_id", ev.UserID).Msg("notification delivered")
		return nil
	})

	notifier := notify.NewNotifier(q, logger)
	delivery := notify.NewDispatcher(bus, logger, notify.NewLogSender(logger))

	monitor := health.New(db, state, notifier, health.Options{
		ErrorThreshold: cfg.Health.ErrorThreshold,
		Cooldown:       cfg.Health.Cooldown,
		AlertCooldown:  cfg.Health.AlertCooldown,
		SweepSpec:      cfg.Health.SweepSpec,
	}, logger)

	dispatch := dispatcher.New(db, reg, sessions, automation.Uniform(automation.JSONStrategy{}),
		monitor, q, notifier, logger)

	q.Handle(models.TaskCheck, dispatch.HandleCheck)
	q.OnTerminal(models.TaskCheck, dispatch.CheckTerminal)
	q.Handle(models.TaskBooking, dispatch.HandleBooking)
	q.OnTerminal(models.TaskBooking, dispatch.BookingTerminal)
	q.Handle(models.TaskNotification, delivery.HandleNotification)

	sched := scheduler.New(reg, monitor, q, sessions, scheduler.OptionsFromConfig(cfg), logger)

	if err := q.Start(ctx); err != nil {
		return err
	}
	defer q.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sessions.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	if cfg.Restricted.Path != "" {
		g.Go(func() error { return sched.Watch(gctx, cfg.Restricted.Path) })
	}
	g.Go(func() error { return database.NewBackupService(db, cfg.Backup, logger).Run(gctx) })
	if cfg.API.Enabled {
		srv := api.NewHTTPServer(cfg.API, cfg.Monitoring.PrometheusEnabled, api.Deps{
			Store:   db,
			Catalog: reg,
			Health:  monitor,
			Pool:    sessions,
		}, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info().Int("targets", reg.Len()).Bool("api", cfg.API.Enabled).Msg("watcher started")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("component stopped")
		return err
	}
	logger.Info().Msg("watcher stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, baseLogger, closer, nil
}

func initDatabase(cfg *config.Config, reg *registry.Registry, logger *zerolog.Logger) (*database.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		logger.Error().Err(err).Msg("create database directory")
		return nil, err
	}

	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	if err := db.SyncTargets(context.Background(), reg.List()); err != nil {
		db.Close()
		logger.Error().Err(err).Msg("sync targets")
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// initState picks the cooldown/proxy cache and the queue transport. Without
// Redis both live in process memory.
func initState(client *redis.Client, logger *zerolog.Logger) (domain.StateStore, queue.Transport) {
	memory := repository.NewMemoryStateStore()
	if client == nil {
		return memory, queue.NewMemoryTransport(0)
	}
	store := repository.NewFailoverStateStore(repository.NewRedisStateStore(client), memory, logger)
	return store, queue.NewRedisTransport(client)
}

func proxyProvider(cfg *config.Config) pool.ProxyProvider {
	if cfg.Proxy.ProviderURL == "" {
		return nil
	}
	return pool.HTTPProxyProvider{URL: cfg.Proxy.ProviderURL}
}

func queueOptions(cfg *config.Config) queue.Options {
	kind := func(k config.KindConfig) queue.KindOptions {
		return queue.KindOptions{Workers: k.Workers, Timeout: k.Timeout, MaxAttempts: k.MaxAttempts}
	}
	return queue.Options{
		Kinds: map[models.TaskKind]queue.KindOptions{
			models.TaskCheck:        kind(cfg.Queue.Check),
			models.TaskBooking:      kind(cfg.Queue.Booking),
			models.TaskNotification: kind(cfg.Queue.Notification),
		},
		Retry: queue.RetryPolicy{
			InitialDelay:  cfg.Queue.Retry.InitialDelay,
			MaxDelay:      cfg.Queue.Retry.MaxDelay,
			BackoffFactor: cfg.Queue.Retry.BackoffFactor,
			Jitter:        cfg.Queue.Retry.Jitter,
		},
		PollInterval: cfg.Queue.PollInterval,
	}
}
