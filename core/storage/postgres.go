package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/wispberry-tech/sanctuary/core"
)

// PostgresStorage implements core.Storage for PostgreSQL databases
type PostgresStorage struct {
	*sqlStore
}

// NewPostgresStorage connects to databaseDSN, applies pending migrations and
// returns the storage.
func NewPostgresStorage(ctx context.Context, databaseDSN string) (*PostgresStorage, error) {
	config, err := pgx.ParseConfig(databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}

	db := stdlib.OpenDB(*config)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	schemaManager := core.NewSchemaManager(db, core.DatabasePostgres)
	if err := schemaManager.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &PostgresStorage{sqlStore: newSQLStore(db, dialectPostgres)}, nil
}
