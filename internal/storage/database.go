package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"botchat/internal/config"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

// Open connects to the database described by cfg.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)

	switch Dialect(cfg.Driver) {
	case "sqlite3":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// sqlite serialises writers anyway; one connection keeps pragmas and
		// in-memory databases consistent across the pool.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				cfg.Username,
				cfg.Password,
				cfg.Host,
				cfg.Port,
				cfg.DBName,
				cfg.Params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Dialect normalises driver aliases to the names used for migrations.
func Dialect(driver string) string {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return "sqlite3"
	case "mysql":
		return "mysql"
	default:
		return strings.ToLower(driver)
	}
}

// Migrate applies every pending migration for the driver's dialect.
func Migrate(ctx context.Context, db *sql.DB, driver string) ([]*goose.MigrationResult, error) {
	var dialect goose.Dialect
	switch Dialect(driver) {
	case "sqlite3":
		dialect = goose.DialectSQLite3
	case "mysql":
		dialect = goose.DialectMySQL
	default:
		return nil, fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	fsys, err := fs.Sub(migrations, "migrations/"+Dialect(driver))
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return results, fmt.Errorf("migrate (%s): %w", driver, err)
	}
	return results, nil
}
