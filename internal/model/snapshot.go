package model

import "time"

// ResourceLimits are the configured ceilings the Resource Monitor checks
// the current Snapshot against (§3, §4.F).
type ResourceLimits struct {
	MaxContainers int
	MaxCPUPercent float64
	MaxMemoryGB   float64
}

// Snapshot is the Resource Monitor's most recently published usage reading
// (§3 Admission Snapshot; §4.F). It is ephemeral and in-memory: consumers
// read it without blocking and trigger an on-demand refresh if it is stale.
type Snapshot struct {
	LeaseCount  int
	CPUPercent  float64
	MemoryGB    float64
	Limits      ResourceLimits
	SampledAt   time.Time
}

// StaleAfter reports whether the snapshot is older than maxAge as of now.
func (s Snapshot) StaleAfter(now time.Time, maxAge time.Duration) bool {
	if s.SampledAt.IsZero() {
		return true
	}
	return now.Sub(s.SampledAt) > maxAge
}

// Dimension identifies which resource axis a RESOURCE_EXHAUSTED error names.
type Dimension string

const (
	DimensionContainers Dimension = "containers"
	DimensionCPU        Dimension = "cpu"
	DimensionMemory     Dimension = "memory"
)

// WouldExceed reports whether admitting `expected` additional containers
// (and their share of CPU/memory, assumed already reflected in the caller's
// projected values) would exceed any configured limit, returning the first
// dimension that fails.
func (s Snapshot) WouldExceed(expectedContainers int, expectedCPUPercent, expectedMemoryGB float64) (Dimension, bool) {
	if s.Limits.MaxContainers > 0 && s.LeaseCount+expectedContainers > s.Limits.MaxContainers {
		return DimensionContainers, true
	}
	if s.Limits.MaxCPUPercent > 0 && s.CPUPercent+expectedCPUPercent > s.Limits.MaxCPUPercent {
		return DimensionCPU, true
	}
	if s.Limits.MaxMemoryGB > 0 && s.MemoryGB+expectedMemoryGB > s.Limits.MaxMemoryGB {
		return DimensionMemory, true
	}
	return "", false
}
