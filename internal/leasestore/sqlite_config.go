package leasestore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver; keeps the binary CGO-free
)

// sqliteOpenConfig mirrors the teacher's persistence/sqlite package: WAL
// mode and a busy_timeout apply to every pooled connection via DSN pragmas,
// rather than being set per-connection after the fact.
type sqliteOpenConfig struct {
	BusyTimeout time.Duration
	MaxOpenConns int
}

func defaultSqliteConfig() sqliteOpenConfig {
	return sqliteOpenConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 20,
	}
}

// openSqlite opens a connection pool against dbPath with mandatory pragmas.
func openSqlite(dbPath string, cfg sqliteOpenConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("leasestore: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("leasestore: ping failed: %w", err)
	}

	return db, nil
}
