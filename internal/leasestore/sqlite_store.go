package leasestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
)

const schemaVersion = 1

// schema matches the persistent schema named in SPEC_FULL.md §6.
const schema = `
CREATE TABLE IF NOT EXISTS containers (
	id TEXT PRIMARY KEY,
	port INTEGER NOT NULL,
	start_time INTEGER NOT NULL,
	expiration_time INTEGER NOT NULL,
	user_uuid TEXT NOT NULL,
	ip_address TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_containers_user_uuid ON containers(user_uuid);
CREATE INDEX IF NOT EXISTS idx_containers_expiration ON containers(expiration_time);

CREATE TABLE IF NOT EXISTS ip_requests (
	ip_address TEXT NOT NULL,
	request_time INTEGER NOT NULL,
	PRIMARY KEY (ip_address, request_time)
);
CREATE INDEX IF NOT EXISTS idx_ip_requests_time ON ip_requests(request_time);
`

// SqliteStore is the production Lease Store implementation (§4.B). It keeps
// two separate connection pools against the same database file: reqDB
// serves request-path operations, maintDB serves the maintenance sweep, so
// a long sweep cannot starve user requests (§5 "Shared resource policy").
type SqliteStore struct {
	reqDB   *sql.DB
	maintDB *sql.DB
}

// NewSqliteStore opens (and migrates) the database at dbPath, sizing the
// request pool to requestPoolSize connections and the maintenance pool to
// maintenancePoolSize connections.
func NewSqliteStore(dbPath string, requestPoolSize, maintenancePoolSize int) (*SqliteStore, error) {
	reqCfg := defaultSqliteConfig()
	reqCfg.MaxOpenConns = requestPoolSize

	reqDB, err := openSqlite(dbPath, reqCfg)
	if err != nil {
		return nil, err
	}

	maintCfg := defaultSqliteConfig()
	maintCfg.MaxOpenConns = maintenancePoolSize
	maintDB, err := openSqlite(dbPath, maintCfg)
	if err != nil {
		_ = reqDB.Close()
		return nil, err
	}

	s := &SqliteStore{reqDB: reqDB, maintDB: maintDB}
	if err := s.migrate(); err != nil {
		_ = reqDB.Close()
		_ = maintDB.Close()
		return nil, fmt.Errorf("leasestore: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	var current int
	if err := s.reqDB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}
	tx, err := s.reqDB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes both connection pools.
func (s *SqliteStore) Close() error {
	err1 := s.reqDB.Close()
	err2 := s.maintDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// withRetry retries transient (connection-level) errors up to 3 times with
// exponential backoff (0.5s, 1s, 2s), per §4.B "Retry semantics". Logical
// errors (constraint violations, ErrNoRows) are returned immediately.
func withRetry(ctx context.Context, op string, fn func() error) error {
	delays := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || attempt == len(delays) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[attempt]):
		}
	}
	return lastErr
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	// modernc.org/sqlite surfaces SQLITE_BUSY as a generic *sqlite.Error;
	// string sniffing is the pragmatic cross-driver signal here, as in the
	// teacher's retry helpers for store-level transient failures.
	msg := err.Error()
	return contains(msg, "SQLITE_BUSY") || contains(msg, "database is locked") || contains(msg, "driver: bad connection")
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func (s *SqliteStore) InsertLease(ctx context.Context, lease model.Lease) error {
	return withRetry(ctx, "insert_lease", func() error {
		_, err := s.reqDB.ExecContext(ctx,
			`INSERT INTO containers (id, port, start_time, expiration_time, user_uuid, ip_address)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			lease.ID, lease.Port, lease.StartedAt.Unix(), lease.ExpiresAt.Unix(), lease.Owner, lease.ClientAddr,
		)
		return err
	})
}

func (s *SqliteStore) GetLeaseByOwner(ctx context.Context, owner string) (*model.Lease, error) {
	row := s.reqDB.QueryRowContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address FROM containers WHERE user_uuid = ? LIMIT 1`,
		owner,
	)
	return scanLease(row)
}

func (s *SqliteStore) GetLeaseByID(ctx context.Context, id string) (*model.Lease, error) {
	row := s.reqDB.QueryRowContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address FROM containers WHERE id = ? LIMIT 1`,
		id,
	)
	return scanLease(row)
}

func (s *SqliteStore) LeaseExists(ctx context.Context, leaseID string) (bool, error) {
	if leaseID == "" {
		return false, nil
	}
	var count int
	err := s.reqDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM containers WHERE id = ?`, leaseID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SqliteStore) UpdateExpiresAt(ctx context.Context, id string, newExpiry time.Time) error {
	return withRetry(ctx, "update_expires_at", func() error {
		res, err := s.reqDB.ExecContext(ctx, `UPDATE containers SET expiration_time = ? WHERE id = ?`, newExpiry.Unix(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.NewError(model.KindNotFound, "lease %s not found", id)
		}
		return nil
	})
}

// DeleteLease removes the lease row. It is idempotent: deleting an id that
// no longer exists is not an error, and the second of two concurrent
// callers observes a zero-row-affected delete and returns (false, nil)
// rather than an error (§4.E.4 "idempotent under concurrent callers").
func (s *SqliteStore) DeleteLease(ctx context.Context, id string) (bool, error) {
	var affected bool
	err := withRetry(ctx, "delete_lease", func() error {
		res, err := s.maintDB.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = n > 0
		return nil
	})
	return affected, err
}

// ScanExpired returns leases whose expiry has passed, oldest first (§4.B).
// It runs against the maintenance pool since it is only called from the
// sweeper.
func (s *SqliteStore) ScanExpired(ctx context.Context, now time.Time) ([]model.Lease, error) {
	rows, err := s.maintDB.QueryContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address FROM containers
		 WHERE expiration_time < ? ORDER BY expiration_time ASC`,
		now.Unix(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLeases(rows)
}

func (s *SqliteStore) ListLeases(ctx context.Context) ([]model.Lease, error) {
	rows, err := s.maintDB.QueryContext(ctx,
		`SELECT id, port, start_time, expiration_time, user_uuid, ip_address FROM containers ORDER BY expiration_time ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLeases(rows)
}

func (s *SqliteStore) CountLeases(ctx context.Context) (int, error) {
	var n int
	err := s.reqDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM containers`).Scan(&n)
	return n, err
}

func (s *SqliteStore) CountLeasesByClient(ctx context.Context, clientAddr string) (int, error) {
	var n int
	err := s.reqDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM containers WHERE ip_address = ?`, clientAddr).Scan(&n)
	return n, err
}

// RecordRateEvent inserts an admission event, silently ignoring duplicate
// (ip_address, request_time) collisions (§4.B).
func (s *SqliteStore) RecordRateEvent(ctx context.Context, clientAddr string, at time.Time) error {
	return withRetry(ctx, "record_rate_event", func() error {
		_, err := s.reqDB.ExecContext(ctx,
			`INSERT OR IGNORE INTO ip_requests (ip_address, request_time) VALUES (?, ?)`,
			clientAddr, at.Unix(),
		)
		return err
	})
}

func (s *SqliteStore) CountRateEvents(ctx context.Context, clientAddr string, since time.Time) (int, error) {
	var n int
	err := s.reqDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM ip_requests WHERE ip_address = ? AND request_time > ?`,
		clientAddr, since.Unix(),
	).Scan(&n)
	return n, err
}

// PruneRateEvents deletes events older than `before`. Best-effort: run from
// the maintenance pool without retry; an error is logged here and also
// returned to the caller, matching §4.B "may be sampled".
func (s *SqliteStore) PruneRateEvents(ctx context.Context, before time.Time) error {
	logger := log.WithComponent("leasestore")
	_, err := s.maintDB.ExecContext(ctx, `DELETE FROM ip_requests WHERE request_time < ?`, before.Unix())
	if err != nil {
		logger.Warn().Err(err).Msg("prune_rate_events failed")
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (*model.Lease, error) {
	var l model.Lease
	var start, expires int64
	err := row.Scan(&l.ID, &l.Port, &start, &expires, &l.Owner, &l.ClientAddr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.StartedAt = time.Unix(start, 0)
	l.ExpiresAt = time.Unix(expires, 0)
	return &l, nil
}

func collectLeases(rows *sql.Rows) ([]model.Lease, error) {
	var out []model.Lease
	for rows.Next() {
		var l model.Lease
		var start, expires int64
		if err := rows.Scan(&l.ID, &l.Port, &start, &expires, &l.Owner, &l.ClientAddr); err != nil {
			return nil, err
		}
		l.StartedAt = time.Unix(start, 0)
		l.ExpiresAt = time.Unix(expires, 0)
		out = append(out, l)
	}
	return out, rows.Err()
}
