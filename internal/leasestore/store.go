// Package leasestore is the durable record of active leases and recent
// admission events (SPEC_FULL.md §4.B). All operations are thread-safe;
// operations touching multiple rows run inside a transaction.
package leasestore

import (
	"context"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
)

// Store is the Lease Store component's contract. SqliteStore is the
// production implementation; MemoryStore backs unit tests that don't need
// to exercise SQL.
type Store interface {
	InsertLease(ctx context.Context, lease model.Lease) error
	GetLeaseByOwner(ctx context.Context, owner string) (*model.Lease, error)
	GetLeaseByID(ctx context.Context, id string) (*model.Lease, error)
	UpdateExpiresAt(ctx context.Context, id string, newExpiry time.Time) error
	DeleteLease(ctx context.Context, id string) (bool, error)
	ScanExpired(ctx context.Context, now time.Time) ([]model.Lease, error)
	ListLeases(ctx context.Context) ([]model.Lease, error)
	CountLeases(ctx context.Context) (int, error)
	CountLeasesByClient(ctx context.Context, clientAddr string) (int, error)
	LeaseExists(ctx context.Context, leaseID string) (bool, error)

	RecordRateEvent(ctx context.Context, clientAddr string, at time.Time) error
	CountRateEvents(ctx context.Context, clientAddr string, since time.Time) (int, error)
	PruneRateEvents(ctx context.Context, before time.Time) error

	Close() error
}
