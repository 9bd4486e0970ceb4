// Command appctl is the operator tool for checkout attempts and applications.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/scholarstream/application-service/internal/config"
	"github.com/scholarstream/application-service/internal/store"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(openRepository).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openRepository connects with the service's own configuration.
func openRepository(ctx context.Context) (store.Repository, func(), error) {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return nil, nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 2
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresRepository(pool, cfg.EventsExchange), pool.Close, nil
}
