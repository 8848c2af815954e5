package resourcemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/runtimeadapter"
)

func TestRefreshPublishesSnapshot(t *testing.T) {
	store := leasestore.NewMemoryStore()
	runtime := runtimeadapter.NewFakeAdapter()
	ctx := context.Background()

	require.NoError(t, store.InsertLease(ctx, model.Lease{ID: "l1", Port: 9000, Owner: "o1", ClientAddr: "1.1.1.1", StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}))
	h, err := runtime.CreateAndStart(ctx, runtimeadapter.Spec{Name: "proj_session_o1", HostPort: 9000})
	require.NoError(t, err)
	runtime.SetStats(h.ID, runtimeadapter.Stats{CPUPercent: 12, MemoryGB: 0.5})

	mon := New(store, runtime, nil, Config{
		Interval:         time.Minute,
		SoftLimitPercent: 80,
		NamePrefix:       "proj_session_",
		Limits:           model.ResourceLimits{MaxContainers: 10, MaxCPUPercent: 100, MaxMemoryGB: 10},
	})

	require.NoError(t, mon.refresh(ctx))

	snap := mon.Snapshot(ctx)
	require.Equal(t, 1, snap.LeaseCount)
	require.Equal(t, 12.0, snap.CPUPercent)
	require.Equal(t, 0.5, snap.MemoryGB)
}

func TestSnapshotTriggersRefreshWhenStale(t *testing.T) {
	store := leasestore.NewMemoryStore()
	runtime := runtimeadapter.NewFakeAdapter()
	ctx := context.Background()

	mon := New(store, runtime, nil, Config{
		Interval:         time.Millisecond,
		SoftLimitPercent: 80,
		NamePrefix:       "proj_session_",
		Limits:           model.ResourceLimits{MaxContainers: 10},
	})

	snap := mon.Snapshot(ctx)
	require.False(t, snap.SampledAt.IsZero())
}

type fakeHost struct {
	cpu, mem float64
}

func (f fakeHost) SampleHost(ctx context.Context) (float64, float64, error) {
	return f.cpu, f.mem, nil
}

func TestRefreshPrefersHostSampleWhenMuchHigher(t *testing.T) {
	store := leasestore.NewMemoryStore()
	runtime := runtimeadapter.NewFakeAdapter()
	ctx := context.Background()

	mon := New(store, runtime, fakeHost{cpu: 90, mem: 5}, Config{
		Interval:         time.Minute,
		SoftLimitPercent: 80,
		NamePrefix:       "proj_session_",
		Limits:           model.ResourceLimits{MaxCPUPercent: 100, MaxMemoryGB: 10},
	})

	require.NoError(t, mon.refresh(ctx))
	snap := mon.Snapshot(ctx)
	require.Equal(t, 90.0, snap.CPUPercent)
	require.Equal(t, 5.0, snap.MemoryGB)
}
