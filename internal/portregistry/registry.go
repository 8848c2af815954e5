// Package portregistry maintains the authoritative set of host ports and
// their allocation status, issuing atomic reservations (SPEC_FULL.md §4.A).
//
// The concurrency contract (§4.A) requires that concurrent allocate calls
// either each receive a distinct port or observe NONE_AVAILABLE — never the
// same port twice — without degenerating into a thundering herd of
// optimistic retries. A relational Lease Store would express this with
// SELECT ... FOR UPDATE SKIP LOCKED; this in-memory implementation uses a
// mutex guarding the slot table, so N concurrent allocators each acquire the
// lock in turn and take the lowest FREE port that is not in their blocklist,
// never receiving the same port twice.
package portregistry

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/metrics"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
)

// ErrNoneAvailable is returned by Allocate when no FREE slot could be found.
var ErrNoneAvailable = model.NewError(model.KindNoPorts, "no ports available")

// HolderChecker is consulted by SweepStale to decide whether a RESERVED
// slot's holder still has a matching Lease. The Lease Store satisfies this.
type HolderChecker interface {
	LeaseExists(ctx context.Context, leaseID string) (bool, error)
}

// Registry is the Port Registry component (§4.A).
type Registry struct {
	mu    sync.Mutex
	slots map[int]*model.PortSlot

	maxAttempts int
}

// New constructs a Registry covering [start, stop) and populates every slot
// as FREE. Per §4.A "Initialization", this must only be called once per
// process lifetime against a fresh pool; a restarting process that wants to
// preserve allocation state should rehydrate slots from the Lease Store
// instead of calling New again over the same range.
func New(start, stop int, maxAttempts int) *Registry {
	r := &Registry{
		slots:       make(map[int]*model.PortSlot, stop-start),
		maxAttempts: maxAttempts,
	}
	for p := start; p < stop; p++ {
		r.slots[p] = &model.PortSlot{Port: p, State: model.SlotFree}
	}
	return r
}

// Size returns the number of ports in the configured pool.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Allocate atomically selects one FREE slot whose port is not in blocked,
// marks it RESERVED with the given holder, and returns its port. Ties break
// on lowest port number first (§4.A). It makes up to
// PORT_ALLOCATION_MAX_ATTEMPTS passes, sleeping between them with
// exponential backoff (base 500ms, factor 2, jittered) -- in this in-memory
// implementation a single locked pass is authoritative and the blocked set
// is fixed for the whole call, so a later pass only succeeds if another
// caller released a slot in the meantime.
func (r *Registry) Allocate(ctx context.Context, holder string, blocked map[int]bool) (int, error) {
	logger := log.WithComponent("portregistry")

	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		port, ok := r.tryAllocate(holder, blocked)
		if ok {
			metrics.PortAllocations.WithLabelValues("success").Inc()
			return port, nil
		}

		if attempt == r.maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			metrics.PortAllocations.WithLabelValues("failure").Inc()
			return 0, ctx.Err()
		case <-time.After(jitter(backoff)):
		}
		backoff *= 2
	}

	logger.Warn().Int("attempts", r.maxAttempts).Msg("port allocation exhausted")
	metrics.PortAllocations.WithLabelValues("failure").Inc()
	return 0, ErrNoneAvailable
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func (r *Registry) tryAllocate(holder string, blocked map[int]bool) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := make([]int, 0, len(r.slots))
	for p := range r.slots {
		ports = append(ports, p)
	}
	sort.Ints(ports)

	now := time.Now()
	for _, p := range ports {
		if blocked[p] {
			continue
		}
		slot := r.slots[p]
		if slot.State != model.SlotFree {
			continue
		}
		slot.State = model.SlotReserved
		slot.Holder = holder
		slot.ReservedAt = now
		return p, true
	}
	return 0, false
}

// Release sets the slot back to FREE and clears its holder. It is
// idempotent: releasing an already-FREE port is a no-op (§4.A, §8).
func (r *Registry) Release(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[port]
	if !ok || slot.State == model.SlotFree {
		return
	}
	slot.State = model.SlotFree
	slot.Holder = ""
	slot.ReservedAt = time.Time{}
	metrics.PortAllocations.WithLabelValues("released").Inc()
}

// SetHolder rebinds an already-RESERVED slot to a new holder id. Used by the
// Lease Manager once the runtime adapter has produced a handle id, since the
// holder is not known at the moment Allocate is called (§4.E.1).
func (r *Registry) SetHolder(port int, holder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slot, ok := r.slots[port]; ok && slot.State == model.SlotReserved {
		slot.Holder = holder
	}
}

// IsAllocated reports whether the given port is currently RESERVED.
func (r *Registry) IsAllocated(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[port]
	return ok && slot.State == model.SlotReserved
}

// SweepStale releases every RESERVED slot older than maxAge whose holder has
// no matching Lease in the store (§4.A, §4.E.4 step 4). It returns the
// number of slots released.
func (r *Registry) SweepStale(ctx context.Context, maxAge time.Duration, exists HolderChecker) int {
	logger := log.WithComponent("portregistry")
	now := time.Now()

	r.mu.Lock()
	var candidates []*model.PortSlot
	for _, slot := range r.slots {
		if slot.Orphaned(now, maxAge) {
			candidates = append(candidates, slot)
		}
	}
	r.mu.Unlock()

	released := 0
	for _, slot := range candidates {
		ok, err := exists.LeaseExists(ctx, slot.Holder)
		if err != nil {
			logger.Warn().Err(err).Int("port", slot.Port).Msg("sweep_stale: lease lookup failed, leaving slot reserved")
			continue
		}
		if ok {
			continue
		}
		r.Release(slot.Port)
		released++
		logger.Info().Int("port", slot.Port).Str("holder", slot.Holder).Msg("released orphaned port slot")
	}
	return released
}

// Snapshot returns a defensive copy of all slots, for admin introspection.
func (r *Registry) Snapshot() []model.PortSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.PortSlot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}
