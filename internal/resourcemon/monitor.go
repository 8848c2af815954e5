// Package resourcemon implements the Resource Monitor (SPEC_FULL.md §4.F): a
// single background sampler that publishes a current-vs-limit snapshot
// consulted by the Admission Controller.
package resourcemon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/metrics"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/runtimeadapter"
)

// HostSampler optionally reports whole-host CPU%/memory-GB usage, used to
// account for runtime-daemon overhead the per-handle sum misses (§4.F.3).
// A nil HostSampler disables host reconciliation.
type HostSampler interface {
	SampleHost(ctx context.Context) (cpuPercent, memoryGB float64, err error)
}

// Monitor samples runtime usage on a fixed interval and publishes a
// single-writer, many-reader Snapshot (§5 "Shared resource policy").
type Monitor struct {
	store   leasestore.Store
	runtime runtimeadapter.Adapter
	host    HostSampler

	interval        time.Duration
	staleAfter      time.Duration
	softLimitPct    float64
	namePrefix      string
	limits          model.ResourceLimits

	mu       sync.RWMutex
	snapshot model.Snapshot

	group singleflight.Group
}

// Config configures a Monitor.
type Config struct {
	Interval         time.Duration
	SoftLimitPercent float64
	NamePrefix       string
	Limits           model.ResourceLimits
}

// New constructs a Monitor. host may be nil to disable host reconciliation.
func New(store leasestore.Store, runtime runtimeadapter.Adapter, host HostSampler, cfg Config) *Monitor {
	return &Monitor{
		store:        store,
		runtime:      runtime,
		host:         host,
		interval:     cfg.Interval,
		staleAfter:   3 * cfg.Interval,
		softLimitPct: cfg.SoftLimitPercent,
		namePrefix:   cfg.NamePrefix,
		limits:       cfg.Limits,
	}
}

// Run ticks every Interval until ctx is cancelled, refreshing the snapshot.
func (m *Monitor) Run(ctx context.Context) {
	logger := log.WithComponent("resourcemon")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("resource monitor stopping")
			return
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("resource sample failed")
			}
		}
	}
}

// Snapshot returns the most recently published snapshot, triggering an
// on-demand refresh first if it is stale (§3, §4.F "Consumers... trigger an
// on-demand refresh").
func (m *Monitor) Snapshot(ctx context.Context) model.Snapshot {
	m.mu.RLock()
	current := m.snapshot
	m.mu.RUnlock()

	if !current.StaleAfter(time.Now(), m.staleAfter) {
		return current
	}

	// singleflight collapses concurrent on-demand refreshes from many
	// admission checks into one sample pass.
	v, _, _ := m.group.Do("refresh", func() (any, error) {
		_ = m.refresh(ctx)
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.snapshot, nil
	})
	if snap, ok := v.(model.Snapshot); ok {
		return snap
	}
	return current
}

func (m *Monitor) refresh(ctx context.Context) error {
	logger := log.WithComponent("resourcemon")

	count, err := m.store.CountLeases(ctx)
	if err != nil {
		return err
	}

	handles, err := m.runtime.ListByNamePrefix(ctx, m.namePrefix)
	if err != nil {
		return err
	}

	var summedCPU, summedMem float64
	for _, h := range handles {
		stats, err := m.runtime.Stats(ctx, h.ID)
		if err != nil {
			logger.Debug().Err(err).Str("handle", h.ID).Msg("stats read failed, skipping")
			continue
		}
		summedCPU += stats.CPUPercent
		summedMem += stats.MemoryGB
	}

	cpu, mem := summedCPU, summedMem
	if m.host != nil {
		if hostCPU, hostMem, err := m.host.SampleHost(ctx); err == nil {
			// host sample accounts for daemon overhead the per-handle sum
			// misses; prefer it when it diverges meaningfully (§4.F.3).
			if hostCPU > summedCPU*1.5 {
				cpu = hostCPU
			}
			if hostMem > summedMem*1.5 {
				mem = hostMem
			}
		} else {
			logger.Debug().Err(err).Msg("host sample failed, using summed per-handle reading")
		}
	}

	snap := model.Snapshot{
		LeaseCount: count,
		CPUPercent: cpu,
		MemoryGB:   mem,
		Limits:     m.limits,
		SampledAt:  time.Now(),
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()

	m.publishMetrics(snap)
	m.logSoftLimitWarnings(snap)
	return nil
}

func (m *Monitor) publishMetrics(snap model.Snapshot) {
	metrics.ResourceUsage.WithLabelValues(string(model.DimensionContainers)).Set(float64(snap.LeaseCount))
	metrics.ResourceUsage.WithLabelValues(string(model.DimensionCPU)).Set(snap.CPUPercent)
	metrics.ResourceUsage.WithLabelValues(string(model.DimensionMemory)).Set(snap.MemoryGB)
	metrics.LeasesActive.Set(float64(snap.LeaseCount))
}

// logSoftLimitWarnings emits a warning per dimension over SoftLimitPercent
// of its configured limit, grounded on the original resource_monitor's
// _log_high_usage.
func (m *Monitor) logSoftLimitWarnings(snap model.Snapshot) {
	logger := log.WithComponent("resourcemon")
	if m.softLimitPct <= 0 {
		return
	}

	if snap.Limits.MaxContainers > 0 {
		pct := float64(snap.LeaseCount) / float64(snap.Limits.MaxContainers) * 100
		if pct >= m.softLimitPct {
			logger.Warn().Float64("percent", pct).Int("count", snap.LeaseCount).Int("limit", snap.Limits.MaxContainers).
				Msg("container count approaching quota")
		}
	}
	if snap.Limits.MaxCPUPercent > 0 {
		pct := snap.CPUPercent / snap.Limits.MaxCPUPercent * 100
		if pct >= m.softLimitPct {
			logger.Warn().Float64("percent", pct).Float64("cpu_percent", snap.CPUPercent).
				Float64("limit", snap.Limits.MaxCPUPercent).Msg("aggregate CPU approaching quota")
		}
	}
	if snap.Limits.MaxMemoryGB > 0 {
		pct := snap.MemoryGB / snap.Limits.MaxMemoryGB * 100
		if pct >= m.softLimitPct {
			logger.Warn().Float64("percent", pct).Float64("memory_gb", snap.MemoryGB).
				Float64("limit", snap.Limits.MaxMemoryGB).Msg("aggregate memory approaching quota")
		}
	}
}
