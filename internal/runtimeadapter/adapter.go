// Package runtimeadapter abstracts the container runtime behind a small
// interface (SPEC_FULL.md §4.C): create-and-start, remove and status, plus
// stats, name-prefix listing, restart, logs and close. It never persists
// state; it is the only component in the system that talks to the runtime.
package runtimeadapter

import (
	"context"
	"time"
)

// SecurityOptions enumerates the hardening flags applied to every challenge
// container (§4.C, §6).
type SecurityOptions struct {
	NoNewPrivileges bool
	ReadOnlyRootFS  bool
	TmpfsEnabled    bool
	TmpfsSize       string
	DropAll         bool
	CapAdd          []string // e.g. NET_BIND_SERVICE, CHOWN
}

// Spec enumerates everything needed to create and start one challenge
// container (§4.C).
type Spec struct {
	Image           string
	Name            string
	HostPort        int
	ContainerPort   int
	Env             map[string]string
	NetworkName     string
	MemoryLimitStr  string // e.g. "256M"
	MemorySwapStr   string // e.g. "256M"
	CPUQuota        int64  // microseconds of CPU time per Period
	CPUPeriod       int64  // microseconds, typically 100000
	PidsLimit       int64
	ReadOnlyRootFS  bool
	Security        SecurityOptions
	Hostname        string
}

// State is the coarse runtime state reported by Status.
type State string

const (
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateCreated  State = "created"
	StateNotFound State = "not_found"
)

// Status describes a handle's current runtime state.
type Status struct {
	State   State
	Running bool
}

// Stats is a point-in-time resource reading for one handle, consumed by the
// Resource Monitor (§4.F).
type Stats struct {
	CPUPercent float64
	MemoryGB   float64
}

// Handle identifies a live sandbox workload (GLOSSARY).
type Handle struct {
	ID   string
	Name string
}

// APIError wraps a runtime-reported failure. PortInUse distinguishes the
// one error the Lease Manager recovers from locally by retrying with a
// different port (§4.E.1, §7).
type APIError struct {
	Cause     error
	PortInUse bool
}

func (e *APIError) Error() string { return e.Cause.Error() }
func (e *APIError) Unwrap() error { return e.Cause }

// Adapter is the Runtime Adapter component's contract (§4.C, §9: "Dynamic
// dispatch of runtime calls ... collapses to a small interface with one
// production implementation and one test fake").
type Adapter interface {
	// CreateAndStart creates then starts a container in two steps; if start
	// fails, the partial handle is removed before the error is returned.
	CreateAndStart(ctx context.Context, spec Spec) (Handle, error)
	// Remove force-removes a handle. NOT_FOUND is not an error.
	Remove(ctx context.Context, handleID string) error
	// Status introspects a handle. NOT_FOUND returns {state:not_found,running:false}.
	Status(ctx context.Context, handleID string) (Status, error)
	// Stats returns a point-in-time CPU/memory reading for a running handle.
	Stats(ctx context.Context, handleID string) (Stats, error)
	// ListByNamePrefix lists handles whose name starts with prefix, used by
	// the sweeper's orphan-recovery backstop (§4.E.1).
	ListByNamePrefix(ctx context.Context, prefix string) ([]Handle, error)
	// Restart restarts a handle in place without altering its lease row.
	Restart(ctx context.Context, handleID string) error
	// Logs returns up to tail lines of combined stdout/stderr emitted since
	// since (zero value means the container's start), used by the /logs
	// admin endpoint. NOT_FOUND is reported as an error.
	Logs(ctx context.Context, handleID string, tail int, since time.Time) (string, error)
	// Close releases adapter resources (client connections).
	Close() error
}
