package storage

import (
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"invoicepreview/internal/config"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		db, err = openSQLite(dbCfg)
	case "mysql":
		db, err = openMySQL(dbCfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openSQLite(dbCfg config.DatabaseConfig) (*sql.DB, error) {
	if dbCfg.DSN == "" {
		return nil, fmt.Errorf("sqlite dsn must be provided")
	}
	db, err := sql.Open("sqlite3", dbCfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if dbCfg.DSN == ":memory:" {
		// each pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return db, nil
}

func openMySQL(dbCfg config.DatabaseConfig) (*sql.DB, error) {
	dsn, err := mysqlDSN(dbCfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql database: %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxIdleConns(4)
	return db, nil
}

// mysqlDSN builds the driver DSN. DATETIME columns are scanned into
// time.Time, so parseTime is always on and times are read as UTC.
func mysqlDSN(dbCfg config.DatabaseConfig) (string, error) {
	raw := dbCfg.DSN
	if raw == "" {
		port := dbCfg.Port
		if port == 0 {
			port = 3306
		}
		raw = fmt.Sprintf("%s:%s@tcp(%s)/%s",
			dbCfg.Username,
			dbCfg.Password,
			net.JoinHostPort(dbCfg.Host, strconv.Itoa(port)),
			dbCfg.DBName,
		)
		if dbCfg.Params != "" {
			raw += "?" + dbCfg.Params
		}
	}
	mc, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN(), nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS viewers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label TEXT NOT NULL,
				upstream_token TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				last_seen_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS viewer_tokens (
				token TEXT PRIMARY KEY,
				viewer_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(viewer_id) REFERENCES viewers(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_viewer_tokens_viewer ON viewer_tokens(viewer_id)`,
			`CREATE TABLE IF NOT EXISTS cached_files (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				cache_key TEXT NOT NULL UNIQUE,
				file_name TEXT NOT NULL,
				stored_path TEXT NOT NULL,
				content_type TEXT NOT NULL,
				size INTEGER NOT NULL,
				owner TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_cached_files_expiry ON cached_files(expires_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS viewers (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				label VARCHAR(255) NOT NULL,
				upstream_token TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				last_seen_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS viewer_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				viewer_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_viewer_tokens_viewer (viewer_id),
				CONSTRAINT fk_viewer_tokens_viewer FOREIGN KEY (viewer_id) REFERENCES viewers(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS cached_files (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				cache_key VARCHAR(255) NOT NULL,
				file_name VARCHAR(255) NOT NULL,
				stored_path TEXT NOT NULL,
				content_type VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				owner VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_cached_files_key (cache_key),
				INDEX idx_cached_files_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
