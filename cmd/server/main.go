package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mallflow/internal/api"
	"mallflow/internal/broker"
	"mallflow/internal/config"
	"mallflow/internal/export"
	"mallflow/internal/metrics"
	"mallflow/internal/model"
	"mallflow/internal/repository"
	"mallflow/internal/service"
	"mallflow/pkg/logger"

	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(cfg.Server.Environment, cfg.Log.Level)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infrastructure
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	etcdCli, err := initEtcd(cfg.Etcd)
	if err != nil {
		return err
	}
	defer etcdCli.Close()

	db, err := initDB(cfg.Database)
	if err != nil {
		return err
	}

	mq, err := initBroker(cfg.MQ)
	if err != nil {
		return err
	}
	defer mq.Close()

	var store export.ObjectStore
	if cfg.Export.Bucket != "" {
		s3Store, err := export.NewS3Store(ctx, cfg.Export)
		if err != nil {
			return err
		}
		store = s3Store
	} else {
		logger.Warn("export bucket not configured, table exports will fail")
	}
	registry := export.NewRegistry()
	export.RegisterDefaults(registry, db, store, cfg.Export)

	// Repositories
	taskRepo := repository.NewTaskRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	notifRepo := repository.NewNotificationRepository(db)

	// Services
	observer := metrics.NewPrometheusObserver()
	codecs := service.NewPayloadCodecs()
	producer := service.NewOutboxProducer(codecs)
	hub := service.NewHub(observer, cfg.Stream.HeartbeatInterval, cfg.Stream.ClientBufferSize)

	gate := service.NewTaskGate(db, taskRepo, outboxRepo, producer, registry)
	executor := service.NewTaskExecutor(db, taskRepo, outboxRepo, notifRepo, producer, registry, observer, service.ExecutorConfig{
		MaxFailureCount: cfg.Task.MaxFailureCount,
		Lease:           cfg.Task.Lease,
	})
	poller := service.NewTaskPoller(taskRepo, executor.Execute, service.PollerConfig{
		Interval:   cfg.Task.PollInterval,
		BatchSize:  cfg.Task.BatchSize,
		Workers:    cfg.Task.Workers,
		StaleAfter: cfg.Task.StaleAfter,
	})
	dispatcher := service.NewOutboxDispatcher(outboxRepo, mq, codecs, observer, service.DispatcherConfig{
		Interval:  cfg.Outbox.Interval,
		BatchSize: cfg.Outbox.BatchSize,
		Workers:   cfg.Outbox.Workers,
		Policy:    service.RetryPolicy{MaxRetry: cfg.Outbox.MaxRetry, Base: cfg.Outbox.BaseBackoff, Cap: cfg.Outbox.MaxBackoff},
	})
	push := service.NewPushDispatcher(notifRepo, hub, observer, service.PushConfig{
		RetryInterval: cfg.Notification.RetryInterval,
		BatchSize:     cfg.Notification.BatchSize,
		Workers:       cfg.Notification.Workers,
		OrphanAfter:   cfg.Notification.OrphanAfter,
		Policy:        service.RetryPolicy{MaxRetry: cfg.Notification.MaxRetry, Base: cfg.Notification.BaseBackoff, Cap: cfg.Notification.MaxBackoff},
	})
	reaper := service.NewReaper(etcdCli, taskRepo, outboxRepo, notifRepo, executor, service.ReaperConfig{
		Interval:         cfg.Reaper.Interval,
		BatchSize:        cfg.Reaper.BatchSize,
		LockKey:          cfg.Reaper.LockKey,
		LockTTL:          cfg.Reaper.LockTTL,
		OutboxStaleAfter: cfg.Outbox.StaleAfter,
		OutboxRetention:  cfg.Outbox.Retention,
		NotifyStaleAfter: cfg.Notification.StaleAfter,
	})
	consumers := service.NewConsumers(mq, gate, executor.Execute, push, cfg.Task.Workers)
	query := service.NewQueryService(taskRepo, notifRepo)

	// Background routines
	var wg conc.WaitGroup
	wg.Go(func() {
		logger.Info("starting hub")
		hub.Run(ctx)
	})
	wg.Go(func() {
		logger.Info("starting outbox dispatcher")
		dispatcher.Run(ctx)
	})
	wg.Go(func() {
		logger.Info("starting task poller")
		poller.Run(ctx)
	})
	wg.Go(func() {
		logger.Info("starting push retry scanner")
		push.RunRetries(ctx)
	})
	wg.Go(func() {
		logger.Info("starting reaper")
		reaper.Run(ctx)
	})
	wg.Go(func() {
		logger.Info("starting consumers")
		consumers.Run(ctx)
	})

	// HTTP
	r := api.RegisterRoutes(api.Handlers{
		Export: api.NewExportHandler(gate, cfg.Idempotency.Header),
		Query:  api.NewQueryHandler(query),
		Stream: api.NewStreamHandler(hub),
		Health: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}, rdb, cfg)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stopping the hub first ends open streams so Shutdown does not wait on them.
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	wg.Wait()

	logger.Info("server exited properly")
	return nil
}

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initEtcd(cfg config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

func initBroker(cfg config.MQConfig) (broker.Broker, error) {
	switch cfg.Type {
	case "local":
		logger.Warn("using in-process broker, events do not leave this instance")
		return broker.NewLocalBroker(cfg.LocalBuffer), nil
	case "kafka":
		return broker.NewKafkaBroker(broker.KafkaConfig{
			Brokers:      cfg.Brokers,
			GroupID:      cfg.GroupID,
			WriteTimeout: cfg.WriteTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown mq type %q", cfg.Type)
	}
}

func initDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Dedup depends on the unique indexes declared on these models.
	if err := db.AutoMigrate(&model.Task{}, &model.OutboxEntry{}, &model.Notification{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}
