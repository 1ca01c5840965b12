// Package sqlstore persists instructions, charge points and connector
// statuses with database/sql on SQLite or PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config selects the database.
type Config struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
}

// SetDefaults fills zero values with an on-disk SQLite database.
func (c *Config) SetDefaults() {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.Driver == "postgres" {
		c.Driver = DriverPostgres
	}
	if c.DSN == "" && c.Driver == DriverSQLite {
		c.DSN = "fieldcmd.db"
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported store driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("store dsn is required")
	}
	return nil
}

// Store is the SQL backed instruction, charge point and status store.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	switch {
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	case cfg.Driver == DriverSQLite:
		// SQLite allows a single writer
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: cfg.Driver, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instruction (
			` + idColumn + `,
			node_id BIGINT NOT NULL,
			topic TEXT NOT NULL,
			created_ms BIGINT NOT NULL,
			state TEXT NOT NULL,
			status_date_ms BIGINT NOT NULL,
			expiration_ms BIGINT,
			params TEXT NOT NULL,
			result_params TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS instruction_node_state ON instruction (node_id, state)`,
		`CREATE TABLE IF NOT EXISTS charge_point (
			id BIGINT PRIMARY KEY,
			node_id BIGINT NOT NULL,
			identifier TEXT NOT NULL UNIQUE,
			tracks_connector_zero BOOLEAN NOT NULL DEFAULT FALSE,
			source_id_template TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS connector_status (
			charge_point_id BIGINT NOT NULL,
			connector_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT NOT NULL,
			info TEXT NOT NULL,
			vendor_id TEXT NOT NULL,
			vendor_error_code TEXT NOT NULL,
			ts_ms BIGINT NOT NULL,
			PRIMARY KEY (charge_point_id, connector_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
