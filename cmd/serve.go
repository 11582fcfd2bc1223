package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/mail-archiver/internal/config"
	"github.com/jmehdipour/mail-archiver/internal/db"
	httpSrv "github.com/jmehdipour/mail-archiver/internal/http"
	"github.com/jmehdipour/mail-archiver/internal/ingest"
	"github.com/jmehdipour/mail-archiver/internal/logger"
	"github.com/jmehdipour/mail-archiver/internal/notify"
	"github.com/jmehdipour/mail-archiver/internal/repository"
	smtpSrv "github.com/jmehdipour/mail-archiver/internal/smtp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP API and SMTP front",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)

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

		server := httpSrv.NewServer(cfg, pgDB, chDB, redisClient)

		// SMTP front shares the archive path with the kafka worker
		ingestSvc := ingest.New(
			pgDB,
			repository.NewMailRepository(pgDB),
			repository.NewConsumersRepository(pgDB),
			repository.NewDispatchesRepository(pgDB),
			notify.NewRedisBus(redisClient),
			nil,
		)
		smtpServer := smtpSrv.NewServer(smtpSrv.NewBackend(ingestSvc), smtpSrv.Config{
			Addr:    cfg.SMTP.Addr,
			Domain:  cfg.SMTP.Domain,
			MaxSize: cfg.SMTP.MaxSize,
		})

		errCh := make(chan error, 2)
		go func() {
			log.Printf("starting http on %s", cfg.HTTP.Addr)
			errCh <- server.Start(cfg.HTTP.Addr)
		}()
		go func() {
			log.Printf("starting smtp on %s", cfg.SMTP.Addr)
			errCh <- smtpServer.ListenAndServe()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			log.Printf("signal received: %s, shutting down...", sig)
		case err := <-errCh:
			if err != nil {
				log.Printf("server exited: %v", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		if err := smtpServer.Shutdown(ctx); err != nil {
			logger.L().Warn("smtp shutdown", zap.Error(err))
		}

		return nil
	},
}
