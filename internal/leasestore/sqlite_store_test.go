package leasestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "leases.db")
	s, err := NewSqliteStore(dbPath, 4, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := model.Lease{
		ID: "lease-1", Port: 9000, Owner: "owner-1", ClientAddr: "1.2.3.4",
		StartedAt: time.Unix(1000, 0), ExpiresAt: time.Unix(2000, 0),
	}
	require.NoError(t, s.InsertLease(ctx, lease))

	got, err := s.GetLeaseByID(ctx, "lease-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, lease.Port, got.Port)
	require.Equal(t, lease.Owner, got.Owner)

	byOwner, err := s.GetLeaseByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.NotNil(t, byOwner)
	require.Equal(t, "lease-1", byOwner.ID)

	missing, err := s.GetLeaseByOwner(ctx, "no-such-owner")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestExtendIsRelativeToExistingExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lease := model.Lease{
		ID: "lease-1", Port: 9000, Owner: "owner-1", ClientAddr: "1.2.3.4",
		StartedAt: time.Unix(1000, 0), ExpiresAt: time.Unix(2000, 0),
	}
	require.NoError(t, s.InsertLease(ctx, lease))

	addTime := 600 * time.Second
	for i := 0; i < 3; i++ {
		current, err := s.GetLeaseByID(ctx, "lease-1")
		require.NoError(t, err)
		require.NoError(t, s.UpdateExpiresAt(ctx, "lease-1", current.ExpiresAt.Add(addTime)))
	}

	final, err := s.GetLeaseByID(ctx, "lease-1")
	require.NoError(t, err)
	require.Equal(t, lease.ExpiresAt.Add(3*addTime), final.ExpiresAt)
}

func TestDeleteLeaseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lease := model.Lease{ID: "lease-1", Port: 9000, Owner: "o", ClientAddr: "1.1.1.1", StartedAt: time.Now(), ExpiresAt: time.Now()}
	require.NoError(t, s.InsertLease(ctx, lease))

	first, err := s.DeleteLease(ctx, "lease-1")
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.DeleteLease(ctx, "lease-1")
	require.NoError(t, err)
	require.False(t, second)
}

func TestScanExpiredOrderedOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.InsertLease(ctx, model.Lease{ID: "l2", Port: 9001, Owner: "o2", ClientAddr: "1.1.1.1", StartedAt: now, ExpiresAt: now.Add(-10 * time.Second)}))
	require.NoError(t, s.InsertLease(ctx, model.Lease{ID: "l1", Port: 9000, Owner: "o1", ClientAddr: "1.1.1.1", StartedAt: now, ExpiresAt: now.Add(-20 * time.Second)}))

	expired, err := s.ScanExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	require.Equal(t, "l1", expired[0].ID)
	require.Equal(t, "l2", expired[1].ID)
}

func TestRateEventsWindowedCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", now.Add(-10*time.Minute)))
	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", now.Add(-5*time.Minute)))
	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", now.Add(-2*time.Hour)))

	count, err := s.CountRateEvents(ctx, "1.2.3.4", now.Add(-1*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRecordRateEventIgnoresDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts := time.Unix(1000, 0)

	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", ts))
	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", ts)) // duplicate key, no error

	count, err := s.CountRateEvents(ctx, "1.2.3.4", time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestPruneRateEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", now.Add(-2*time.Hour)))
	require.NoError(t, s.RecordRateEvent(ctx, "1.2.3.4", now))

	require.NoError(t, s.PruneRateEvents(ctx, now.Add(-1*time.Hour)))

	count, err := s.CountRateEvents(ctx, "1.2.3.4", time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestLeaseExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.LeaseExists(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.InsertLease(ctx, model.Lease{ID: "lease-x", Port: 9000, Owner: "o", ClientAddr: "1.1.1.1", StartedAt: time.Now(), ExpiresAt: time.Now()}))
	ok, err = s.LeaseExists(ctx, "lease-x")
	require.NoError(t, err)
	require.True(t, ok)
}
