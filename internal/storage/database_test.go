package storage

import (
	"strings"
	"testing"
	"time"

	"invoicepreview/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	// migrations must be repeatable
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}

	now := time.Now().UTC()
	res, err := db.Exec(`INSERT INTO viewers (label, upstream_token, created_at, last_seen_at) VALUES (?, ?, ?, ?)`,
		"facturas", "sealed", now, now)
	if err != nil {
		t.Fatalf("insert viewer: %v", err)
	}
	viewerID, _ := res.LastInsertId()
	if _, err := db.Exec(`INSERT INTO viewer_tokens (token, viewer_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"tok", viewerID, now, now.Add(time.Hour)); err != nil {
		t.Fatalf("insert token: %v", err)
	}
	if _, err := db.Exec(`DELETE FROM viewers WHERE id = ?`, viewerID); err != nil {
		t.Fatalf("delete viewer: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM viewer_tokens`).Scan(&count); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("tokens should cascade with their viewer, got %d", count)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"oracle": {}}}
	if _, err := Open("oracle", cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open("sqlite3", cfg); err == nil {
		t.Fatalf("expected error for missing config")
	}
	if err := Migrate(nil, "oracle"); err == nil {
		t.Fatalf("expected migrate error for unsupported driver")
	}
}

func TestMySQLDSNForcesParseTime(t *testing.T) {
	dsn, err := mysqlDSN(config.DatabaseConfig{
		Host:     "db.local",
		Username: "preview",
		Password: "secret",
		DBName:   "invoices",
		Params:   "charset=utf8mb4",
	})
	if err != nil {
		t.Fatalf("mysqlDSN error: %v", err)
	}
	if !strings.Contains(dsn, "tcp(db.local:3306)/invoices") {
		t.Fatalf("unexpected address in %q", dsn)
	}
	if !strings.Contains(dsn, "parseTime=true") || !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("expected parseTime and charset in %q", dsn)
	}

	dsn, err = mysqlDSN(config.DatabaseConfig{DSN: "u:p@tcp(127.0.0.1:3307)/x"})
	if err != nil {
		t.Fatalf("mysqlDSN error: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("explicit dsn should gain parseTime, got %q", dsn)
	}

	if _, err := mysqlDSN(config.DatabaseConfig{DSN: "not a dsn"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
