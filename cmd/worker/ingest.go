package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jmehdipour/mail-archiver/internal/config"
	"github.com/jmehdipour/mail-archiver/internal/db"
	"github.com/jmehdipour/mail-archiver/internal/ingest"
	"github.com/jmehdipour/mail-archiver/internal/kafka"
	"github.com/jmehdipour/mail-archiver/internal/logger"
	"github.com/jmehdipour/mail-archiver/internal/metrics"
	"github.com/jmehdipour/mail-archiver/internal/notify"
	"github.com/jmehdipour/mail-archiver/internal/repository"
	"github.com/jmehdipour/mail-archiver/internal/worker"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Archive raw mail from the kafka inbound topic",
	RunE:  runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
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

	svc := ingest.New(
		pgDB,
		repository.NewMailRepository(pgDB),
		repository.NewConsumersRepository(pgDB),
		repository.NewDispatchesRepository(pgDB),
		notify.NewRedisBus(redisClient),
		nil,
	)

	groupID := cfg.Kafka.GroupID
	if groupID == "" {
		groupID = "mailarc-ingest"
	}
	consumer := kafka.NewConsumerFromConfig(kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		Topic:          cfg.Kafka.Topic,
		GroupID:        groupID,
		MinBytes:       cfg.Kafka.MinBytes,
		MaxBytes:       cfg.Kafka.MaxBytes,
		CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
	})
	defer consumer.Close()

	w := worker.NewArchiverKafka(consumer, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf(">> ingest worker started topic=%s group=%s", cfg.Kafka.Topic, groupID)

	return w.Run(ctx)
}
