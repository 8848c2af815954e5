package portregistry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysMissing struct{}

func (alwaysMissing) LeaseExists(ctx context.Context, leaseID string) (bool, error) {
	return false, nil
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	r := New(9000, 9001, 3)

	port, err := r.Allocate(context.Background(), "lease-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
	assert.True(t, r.IsAllocated(9000))

	r.Release(port)
	assert.False(t, r.IsAllocated(9000))

	port2, err := r.Allocate(context.Background(), "lease-2", nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, port2)
}

func TestReleaseOnFreeSlotIsNoop(t *testing.T) {
	r := New(9000, 9001, 3)
	r.Release(9000) // never allocated
	assert.False(t, r.IsAllocated(9000))
}

func TestAllocateLowestPortFirst(t *testing.T) {
	r := New(9000, 9005, 3)
	port, err := r.Allocate(context.Background(), "h", nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, port)
}

func TestAllocateExhaustion(t *testing.T) {
	r := New(9000, 9002, 2)

	_, err := r.Allocate(context.Background(), "a", nil)
	require.NoError(t, err)
	_, err = r.Allocate(context.Background(), "b", nil)
	require.NoError(t, err)

	_, err = r.Allocate(context.Background(), "c", nil)
	require.ErrorIs(t, err, ErrNoneAvailable)
}

func TestAllocateRespectsBlocked(t *testing.T) {
	r := New(9000, 9002, 3)
	port, err := r.Allocate(context.Background(), "a", map[int]bool{9000: true})
	require.NoError(t, err)
	assert.Equal(t, 9001, port)
}

// TestConcurrentAllocateDistinctPorts exercises the concurrency contract in
// SPEC_FULL.md §4.A/§8: N concurrent allocators against an N-port pool each
// receive a distinct port, and an (N+1)th fails with NONE_AVAILABLE.
func TestConcurrentAllocateDistinctPorts(t *testing.T) {
	const n = 50
	r := New(9000, 9000+n, 3)

	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := r.Allocate(context.Background(), "h", nil)
			require.NoError(t, err)
			results <- port
		}(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool, n)
	for p := range results {
		assert.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)

	_, err := r.Allocate(context.Background(), "overflow", nil)
	assert.ErrorIs(t, err, ErrNoneAvailable)
}

func TestSweepStaleReleasesOrphans(t *testing.T) {
	r := New(9000, 9001, 3)
	port, err := r.Allocate(context.Background(), "dead-lease", nil)
	require.NoError(t, err)

	r.mu.Lock()
	r.slots[port].ReservedAt = r.slots[port].ReservedAt.Add(-1 * time.Hour)
	r.mu.Unlock()

	released := r.SweepStale(context.Background(), 0, alwaysMissing{})
	assert.Equal(t, 1, released)
	assert.False(t, r.IsAllocated(port))
}
