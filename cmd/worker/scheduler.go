package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmehdipour/mail-archiver/internal/backoff"
	"github.com/jmehdipour/mail-archiver/internal/config"
	"github.com/jmehdipour/mail-archiver/internal/db"
	"github.com/jmehdipour/mail-archiver/internal/delivery"
	"github.com/jmehdipour/mail-archiver/internal/lock"
	"github.com/jmehdipour/mail-archiver/internal/logger"
	"github.com/jmehdipour/mail-archiver/internal/metrics"
	"github.com/jmehdipour/mail-archiver/internal/model"
	"github.com/jmehdipour/mail-archiver/internal/notify"
	"github.com/jmehdipour/mail-archiver/internal/repository"
	"github.com/jmehdipour/mail-archiver/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run per-consumer delivery schedulers",
	RunE:  runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	pgDB, err := db.NewPostgresConnection(cfg.Postgres.DSN, db.PostgresOpts{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Postgres.ConnMaxIdleTime,
		PingTimeout:     cfg.Postgres.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}
	defer pgDB.Close()

	redisClient, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	chDB, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.ClickHouse.DSN,
		MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
		MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
		ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
		PingTimeout:     cfg.ClickHouse.PingTimeout,
	})
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	defer func() { _ = chDB.Close() }()

	// a consumer without an endpoint is pull-only: no scheduler goroutine
	factory := func(c model.Consumer) delivery.Capability {
		if c.Endpoint == nil || *c.Endpoint == "" {
			return nil
		}
		return delivery.NewHTTPEndpoint(
			*c.Endpoint,
			cfg.Scheduler.Endpoints.TimeoutMs,
			cfg.Scheduler.Endpoints.FailThreshold,
			cfg.Scheduler.Endpoints.OpenForMs,
		)
	}

	m := &scheduler.Manager{
		Consumers: repository.NewConsumersRepository(pgDB),
		Queue:     repository.NewDispatchesRepository(pgDB),
		Mail:      repository.NewMailRepository(pgDB),
		Locker:    lock.NewPGLocker(pgDB),
		Bus:       notify.NewRedisBus(redisClient),
		Audit:     repository.NewCHDeliveriesRepository(chDB),
		Policy: &backoff.Exponential{
			Initial:    cfg.Scheduler.Backoff.Initial,
			Max:        cfg.Scheduler.Backoff.Max,
			Multiplier: cfg.Scheduler.Backoff.Multiplier,
			Jitter:     cfg.Scheduler.Backoff.Jitter,
		},
		Factory: factory,
		Cfg: scheduler.Config{
			PollInterval:    cfg.Scheduler.PollInterval,
			DeliveryTimeout: cfg.Scheduler.DeliveryTimeout,
		},
		RefreshInterval: cfg.Scheduler.RefreshInterval,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> scheduler manager started poll=%s refresh=%s",
		cfg.Scheduler.PollInterval, cfg.Scheduler.RefreshInterval)

	return m.Run(ctx)
}
