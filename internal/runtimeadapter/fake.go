package runtimeadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FakeAdapter is an in-memory Adapter for unit tests of higher-level
// components (internal/manager). It never shells out; it tracks handles and
// lets tests script port-in-use failures by host port (§8).
type FakeAdapter struct {
	mu        sync.Mutex
	handles   map[string]Handle
	statuses  map[string]Status
	stats     map[string]Stats
	logs      map[string]string
	nextID    int
	busyPorts map[int]bool // ports that should fail CreateAndStart with PortInUse
}

// NewFakeAdapter constructs an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		handles:   make(map[string]Handle),
		statuses:  make(map[string]Status),
		stats:     make(map[string]Stats),
		logs:      make(map[string]string),
		busyPorts: make(map[int]bool),
	}
}

// MarkPortBusy causes the next CreateAndStart for that host port to fail as
// if the runtime reported the port already bound, exercising the Lease
// Manager's blocklist-and-retry path (§4.E.1).
func (f *FakeAdapter) MarkPortBusy(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.busyPorts[port] = true
}

func (f *FakeAdapter) CreateAndStart(ctx context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.busyPorts[spec.HostPort] {
		delete(f.busyPorts, spec.HostPort)
		return Handle{}, &APIError{Cause: fmt.Errorf("port is already allocated: %d", spec.HostPort), PortInUse: true}
	}

	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	h := Handle{ID: id, Name: spec.Name}
	f.handles[id] = h
	f.statuses[id] = Status{State: StateRunning, Running: true}
	f.stats[id] = Stats{CPUPercent: 0, MemoryGB: 0}
	f.logs[id] = ""
	return h, nil
}

func (f *FakeAdapter) Remove(ctx context.Context, handleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handleID)
	delete(f.statuses, handleID)
	delete(f.stats, handleID)
	delete(f.logs, handleID)
	return nil
}

func (f *FakeAdapter) Status(ctx context.Context, handleID string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[handleID]
	if !ok {
		return Status{State: StateNotFound, Running: false}, nil
	}
	return st, nil
}

func (f *FakeAdapter) Stats(ctx context.Context, handleID string) (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats[handleID], nil
}

// SetStats lets tests script a CPU/memory reading for a handle.
func (f *FakeAdapter) SetStats(handleID string, s Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[handleID] = s
}

func (f *FakeAdapter) ListByNamePrefix(ctx context.Context, prefix string) ([]Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Handle
	for _, h := range f.handles {
		if strings.HasPrefix(h.Name, prefix) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *FakeAdapter) Restart(ctx context.Context, handleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[handleID]; !ok {
		return fmt.Errorf("runtimeadapter: fake: no such handle %s", handleID)
	}
	f.statuses[handleID] = Status{State: StateRunning, Running: true}
	return nil
}

// Logs returns the scripted log text for a handle. Unlike Status, an
// unknown handle is an error, mirroring Restart and the Docker adapter's
// NOT_FOUND-as-error behavior.
func (f *FakeAdapter) Logs(ctx context.Context, handleID string, tail int, since time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handles[handleID]; !ok {
		return "", fmt.Errorf("runtimeadapter: fake: no such handle %s", handleID)
	}
	return f.logs[handleID], nil
}

// SetLogs lets tests script the log content returned for a handle.
func (f *FakeAdapter) SetLogs(handleID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[handleID] = text
}

func (f *FakeAdapter) Close() error { return nil }
