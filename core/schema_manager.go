package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// Database types understood by SchemaManager.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// requiredTables must exist for the service to run.
var requiredTables = []string{
	"users",
	"sessions",
	"login_attempts",
	"password_reset_tokens",
	"congregation_memberships",
	"security_events",
}

// SchemaManager applies the embedded migrations and validates the schema.
type SchemaManager struct {
	db     *sql.DB
	dbType string // "sqlite" or "postgres"
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *sql.DB, dbType string) *SchemaManager {
	return &SchemaManager{
		db:     db,
		dbType: dbType,
	}
}

func (sm *SchemaManager) provider() (*goose.Provider, error) {
	var dialect goose.Dialect
	switch sm.dbType {
	case DatabaseSQLite:
		dialect = goose.DialectSQLite3
	case DatabasePostgres:
		dialect = goose.DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	fsys, err := fs.Sub(migrationFiles, "migrations/"+sm.dbType)
	if err != nil {
		return nil, fmt.Errorf("failed to open migrations for %s: %w", sm.dbType, err)
	}

	provider, err := goose.NewProvider(dialect, sm.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider, nil
}

// Migrate applies all pending migrations.
func (sm *SchemaManager) Migrate(ctx context.Context) error {
	provider, err := sm.provider()
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	for _, result := range results {
		slog.Info("Applied migration",
			"database_type", sm.dbType,
			"version", result.Source.Version,
			"duration", result.Duration,
		)
	}
	return nil
}

// Rollback reverts the most recent migration.
func (sm *SchemaManager) Rollback(ctx context.Context) error {
	provider, err := sm.provider()
	if err != nil {
		return err
	}

	result, err := provider.Down(ctx)
	if err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	slog.Info("Rolled back migration", "database_type", sm.dbType, "version", result.Source.Version)
	return nil
}

// Version returns the current schema version.
func (sm *SchemaManager) Version(ctx context.Context) (int64, error) {
	provider, err := sm.provider()
	if err != nil {
		return 0, err
	}
	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// tableExists checks if a table exists in the database
func (sm *SchemaManager) tableExists(ctx context.Context, tableName string) (bool, error) {
	var query string

	switch sm.dbType {
	case DatabaseSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='table' AND name = ?`
	case DatabasePostgres:
		query = `SELECT table_name FROM information_schema.tables
		         WHERE table_schema = current_schema() AND table_name = $1`
	default:
		return false, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	var foundTable string
	err := sm.db.QueryRowContext(ctx, query, tableName).Scan(&foundTable)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return foundTable == tableName, nil
}

// ValidateSchema checks that every required table exists.
func (sm *SchemaManager) ValidateSchema(ctx context.Context) error {
	var missingTables []string
	for _, tableName := range requiredTables {
		exists, err := sm.tableExists(ctx, tableName)
		if err != nil {
			return fmt.Errorf("failed to check if table %s exists: %w", tableName, err)
		}
		if !exists {
			missingTables = append(missingTables, tableName)
		}
	}

	if len(missingTables) > 0 {
		return fmt.Errorf("schema validation failed: missing tables %s", strings.Join(missingTables, ", "))
	}

	slog.Debug("Schema validation passed", "database_type", sm.dbType)
	return nil
}

// GetSchemaInfo returns information about the current schema
func (sm *SchemaManager) GetSchemaInfo(ctx context.Context) (*SchemaInfo, error) {
	info := &SchemaInfo{
		DatabaseType: sm.dbType,
		Tables:       make(map[string]*TableInfo),
	}

	var query string
	switch sm.dbType {
	case DatabaseSQLite:
		query = `SELECT name FROM sqlite_master WHERE type='table' ORDER BY name`
	case DatabasePostgres:
		query = `SELECT table_name FROM information_schema.tables
		         WHERE table_schema = current_schema() ORDER BY table_name`
	default:
		return nil, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}

	rows, err := sm.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}

		info.Tables[tableName] = &TableInfo{
			Name:   tableName,
			Exists: true,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	version, err := sm.Version(ctx)
	if err != nil {
		return nil, err
	}
	info.Version = version

	return info, nil
}

// SchemaInfo contains information about the database schema
type SchemaInfo struct {
	DatabaseType string                `json:"database_type"`
	Version      int64                 `json:"version"`
	Tables       map[string]*TableInfo `json:"tables"`
}

// TableInfo contains information about a specific table
type TableInfo struct {
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
}
