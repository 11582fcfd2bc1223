package cmd

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/jmehdipour/mail-archiver/internal/config"
	"github.com/jmehdipour/mail-archiver/internal/db"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

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

		log.Println(">> Seeding demo consumers...")

		if err := seedConsumers(pgDB); err != nil {
			return err
		}

		log.Println(">> Seed completed ✅")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// seedConsumers inserts deterministic demo consumers (idempotent on name).
func seedConsumers(dbx *sqlx.DB) error {
	consumers := []struct {
		Name     string
		Endpoint *string
	}{
		{Name: "indexer", Endpoint: strptr("http://localhost:9101/ingest")},
		{Name: "spam-filter", Endpoint: strptr("http://localhost:9102/scan")},
		{Name: "compliance-export", Endpoint: strptr("http://localhost:9103/export")},
		{Name: "pull-only-client", Endpoint: nil},
	}

	const q = `
INSERT INTO consumer (name, endpoint)
VALUES ($1, $2)
ON CONFLICT DO NOTHING
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, c := range consumers {
		if _, err := tx.Exec(q, c.Name, c.Endpoint); err != nil {
			return fmt.Errorf("insert consumer %q: %w", c.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consumers: %w", err)
	}
	return nil
}

func strptr(s string) *string { return &s }
