// Package manager implements the Lease Manager (SPEC_FULL.md §4.E): the
// orchestrator that composes the Port Registry, Lease Store, Runtime
// Adapter, and Admission Controller into Create/Extend/Stop/Restart, the
// expiration sweep, and graceful shutdown.
package manager

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/admission"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/captcha"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/config"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/metrics"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/portregistry"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/runtimeadapter"
)

// Result is returned by Create on success.
type Result struct {
	LeaseID   string
	Port      int
	ExpiresAt time.Time
}

// AdminSnapshot is the detailed pool/lease/resource dump returned by the
// admin status endpoint (§6, grounded on the original's admin_status).
type AdminSnapshot struct {
	Ports                []model.PortSlot
	Leases               []model.Lease
	MaxContainersPerHour int
	RateLimitWindow      time.Duration
}

// Manager is the Lease Manager component.
type Manager struct {
	ports    *portregistry.Registry
	store    leasestore.Store
	runtime  runtimeadapter.Adapter
	admitter *admission.Controller
	captcha  *captcha.Store
	cfg      config.AppConfig
}

// New constructs a Manager wired to its collaborators. captchaStore may be
// nil; Manager only uses it to sweep expired challenges alongside its own
// lease sweep.
func New(ports *portregistry.Registry, store leasestore.Store, runtime runtimeadapter.Adapter, admitter *admission.Controller, captchaStore *captcha.Store, cfg config.AppConfig) *Manager {
	return &Manager{ports: ports, store: store, runtime: runtime, admitter: admitter, captcha: captchaStore, cfg: cfg}
}

// Create runs admission, allocates a port, starts the container, and
// persists the lease (§4.E.1).
func (m *Manager) Create(ctx context.Context, req admission.Request) (Result, error) {
	logger := log.WithComponent("manager")

	if err := m.admitter.AdmitCreate(ctx, req); err != nil {
		return Result{}, err
	}

	leaseName := generateLeaseName(m.cfg.ComposeProjectName, req.Owner)
	blocked := make(map[int]bool)

	var port int
	var handle runtimeadapter.Handle

	for attempt := 0; attempt < m.cfg.PortAllocationMaxAttempts; attempt++ {
		p, err := m.ports.Allocate(ctx, "", blocked)
		if err != nil {
			metrics.LeaseOperations.WithLabelValues("create", "no_ports").Inc()
			return Result{}, model.NewError(model.KindNoPorts, "no ports available after retries")
		}
		port = p

		spec := m.buildSpec(leaseName, port, req)
		h, err := m.runtime.CreateAndStart(ctx, spec)
		if err == nil {
			handle = h
			break
		}

		m.ports.Release(port)

		var apiErr *runtimeadapter.APIError
		if errors.As(err, &apiErr) && apiErr.PortInUse {
			logger.Warn().Int("port", port).Msg("port in use by external process, retrying with a new port")
			blocked[port] = true
			continue
		}

		metrics.LeaseOperations.WithLabelValues("create", "runtime_error").Inc()
		return Result{}, model.WrapError(model.KindRuntimeError, err, "runtime refused create/start")
	}

	if handle.ID == "" {
		metrics.LeaseOperations.WithLabelValues("create", "no_ports").Inc()
		return Result{}, model.NewError(model.KindNoPorts, "no ports available after retries")
	}

	m.ports.SetHolder(port, handle.ID)

	now := time.Now()
	if err := m.store.RecordRateEvent(ctx, req.ClientAddr, now); err != nil {
		logger.Warn().Err(err).Msg("record_rate_event failed, continuing")
	}

	lease := model.Lease{
		ID:         handle.ID,
		Port:       port,
		Owner:      req.Owner,
		ClientAddr: req.ClientAddr,
		StartedAt:  now,
		ExpiresAt:  now.Add(m.cfg.LeaveTime),
	}

	if err := m.store.InsertLease(ctx, lease); err != nil {
		// Failure-atomicity (§4.E.1): undo the handle and the port
		// reservation before surfacing the error.
		logger.Error().Err(err).Str("handle", handle.ID).Msg("insert_lease failed, rolling back handle and port")
		_ = m.runtime.Remove(ctx, handle.ID)
		m.ports.Release(port)
		metrics.LeaseOperations.WithLabelValues("create", "store_error").Inc()
		return Result{}, model.WrapError(model.KindStoreError, err, "persisting lease")
	}

	metrics.LeaseOperations.WithLabelValues("create", "success").Inc()
	return Result{LeaseID: lease.ID, Port: port, ExpiresAt: lease.ExpiresAt}, nil
}

func (m *Manager) buildSpec(name string, port int, req admission.Request) runtimeadapter.Spec {
	cpuPeriod := int64(100000)
	cpuQuota := int64(m.cfg.ContainerCPULimit * float64(cpuPeriod))

	var capAdd []string
	if m.cfg.CapNetBindService {
		capAdd = append(capAdd, "NET_BIND_SERVICE")
	}
	if m.cfg.CapChown {
		capAdd = append(capAdd, "CHOWN")
	}

	return runtimeadapter.Spec{
		Image:          m.cfg.ImagesName,
		Name:           name,
		HostPort:       port,
		ContainerPort:  m.cfg.PortInContainer,
		Env:            map[string]string{"FLAG": m.cfg.Flag},
		NetworkName:    m.cfg.NetworkName,
		MemoryLimitStr: m.cfg.ContainerMemoryLimit,
		MemorySwapStr:  m.cfg.ContainerSwapLimit,
		CPUQuota:       cpuQuota,
		CPUPeriod:      cpuPeriod,
		PidsLimit:      m.cfg.ContainerPidsLimit,
		ReadOnlyRootFS: m.cfg.EnableReadOnly,
		Hostname:       name,
		Security: runtimeadapter.SecurityOptions{
			NoNewPrivileges: m.cfg.EnableNoNewPrivileges,
			ReadOnlyRootFS:  m.cfg.EnableReadOnly,
			TmpfsEnabled:    m.cfg.EnableTmpfs,
			TmpfsSize:       m.cfg.TmpfsSize,
			DropAll:         m.cfg.DropAllCapabilities,
			CapAdd:          capAdd,
		},
	}
}

// Extend sets expires_at relative to its existing value, not to now (§4.E.2
// -- intentional and observable).
func (m *Manager) Extend(ctx context.Context, owner string) (time.Time, error) {
	lease, err := m.store.GetLeaseByOwner(ctx, owner)
	if err != nil {
		return time.Time{}, model.WrapError(model.KindStoreError, err, "looking up lease by owner")
	}
	if err := m.admitter.AdmitOwnership(ctx, owner, lease); err != nil {
		return time.Time{}, err
	}

	newExpiry := lease.ExpiresAt.Add(m.cfg.AddTime)
	if err := m.store.UpdateExpiresAt(ctx, lease.ID, newExpiry); err != nil {
		metrics.LeaseOperations.WithLabelValues("extend", "store_error").Inc()
		return time.Time{}, model.WrapError(model.KindStoreError, err, "extending lease")
	}
	metrics.LeaseOperations.WithLabelValues("extend", "success").Inc()
	return newExpiry, nil
}

// Stop runs the destruction sequence for the owner's lease (§4.E.3).
func (m *Manager) Stop(ctx context.Context, owner string) error {
	lease, err := m.store.GetLeaseByOwner(ctx, owner)
	if err != nil {
		return model.WrapError(model.KindStoreError, err, "looking up lease by owner")
	}
	if err := m.admitter.AdmitOwnership(ctx, owner, lease); err != nil {
		return err
	}

	m.destroy(ctx, *lease)
	metrics.LeaseOperations.WithLabelValues("stop", "success").Inc()
	return nil
}

// Restart calls runtime restart on the handle without touching the lease
// row (§4.E.3).
func (m *Manager) Restart(ctx context.Context, owner string) error {
	lease, err := m.store.GetLeaseByOwner(ctx, owner)
	if err != nil {
		return model.WrapError(model.KindStoreError, err, "looking up lease by owner")
	}
	if err := m.admitter.AdmitOwnership(ctx, owner, lease); err != nil {
		return err
	}

	if err := m.runtime.Restart(ctx, lease.ID); err != nil {
		metrics.LeaseOperations.WithLabelValues("restart", "runtime_error").Inc()
		return model.WrapError(model.KindRuntimeError, err, "restarting handle")
	}
	metrics.LeaseOperations.WithLabelValues("restart", "success").Inc()
	return nil
}

// Logs returns combined stdout/stderr for a managed container, matching the
// original's handle_user_container_logs: look the id up in the lease store
// first and report NOT_FOUND if it isn't a lease this deployer manages,
// then fetch from the runtime and report NOT_FOUND again if the runtime
// has no such handle (§4.C, §6).
func (m *Manager) Logs(ctx context.Context, leaseID string, tail int, since time.Time) (string, error) {
	exists, err := m.store.LeaseExists(ctx, leaseID)
	if err != nil {
		return "", model.WrapError(model.KindStoreError, err, "checking lease existence")
	}
	if !exists {
		return "", model.NewError(model.KindNotFound, "no lease %s managed by this deployer", leaseID)
	}

	text, err := m.runtime.Logs(ctx, leaseID, tail, since)
	if err != nil {
		return "", model.WrapError(model.KindNotFound, err, "fetching logs from runtime")
	}
	return text, nil
}

// RuntimeStatus reports the runtime's coarse state for a handle, used by the
// admin status endpoint's per-lease detail.
func (m *Manager) RuntimeStatus(ctx context.Context, handleID string) (string, error) {
	st, err := m.runtime.Status(ctx, handleID)
	if err != nil {
		return "", err
	}
	return string(st.State), nil
}

// AdminStatus assembles the detailed pool/lease/resource dump for the admin
// status endpoint (§6).
func (m *Manager) AdminStatus(ctx context.Context) (AdminSnapshot, error) {
	leases, err := m.store.ListLeases(ctx)
	if err != nil {
		return AdminSnapshot{}, model.WrapError(model.KindStoreError, err, "listing leases")
	}
	return AdminSnapshot{
		Ports:                m.ports.Snapshot(),
		Leases:               leases,
		MaxContainersPerHour: m.cfg.MaxContainersPerHour,
		RateLimitWindow:      m.cfg.RateLimitWindow,
	}, nil
}

// destroy runs the idempotent destruction sequence: remove -> release ->
// delete. Each step proceeds even if the previous one failed (§3, §4.E.4).
func (m *Manager) destroy(ctx context.Context, lease model.Lease) {
	logger := log.WithComponent("manager")

	if err := m.runtime.Remove(ctx, lease.ID); err != nil {
		logger.Warn().Err(err).Str("lease", lease.ID).Msg("runtime remove failed during destruction, continuing")
	}
	m.ports.Release(lease.Port)
	if _, err := m.store.DeleteLease(ctx, lease.ID); err != nil {
		logger.Warn().Err(err).Str("lease", lease.ID).Msg("delete_lease failed during destruction")
	}
}

// SweepExpired runs one pass of the expiration sweep (§4.E.4): scan expired
// leases oldest-first, destroy them in bounded batches with a pause between
// batches, then reclaim stale port slots.
func (m *Manager) SweepExpired(ctx context.Context) int {
	logger := log.WithComponent("manager")
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	expired, err := m.store.ScanExpired(ctx, time.Now())
	if err != nil {
		logger.Warn().Err(err).Msg("scan_expired failed, skipping this pass")
		return 0
	}

	reclaimed := 0
	batchSize := m.cfg.MaintenanceBatchSize
	if batchSize <= 0 {
		batchSize = len(expired)
	}

	for i := 0; i < len(expired); i += batchSize {
		end := i + batchSize
		if end > len(expired) {
			end = len(expired)
		}
		for _, lease := range expired[i:end] {
			m.destroy(ctx, lease)
			reclaimed++
			logger.Info().Str("lease", lease.ID).Int("port", lease.Port).Msg("reclaimed expired lease")
		}
		if end < len(expired) {
			select {
			case <-ctx.Done():
				metrics.SweepReclaimed.Add(float64(reclaimed))
				return reclaimed
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	orphansReleased := m.ports.SweepStale(ctx, m.cfg.StalePortMaxAge, m.store)
	if orphansReleased > 0 {
		logger.Info().Int("count", orphansReleased).Msg("released orphaned port slots")
	}

	m.reclaimOrphanedHandles(ctx)

	if err := m.store.PruneRateEvents(ctx, time.Now().Add(-m.cfg.RateLimitWindow)); err != nil {
		logger.Warn().Err(err).Msg("prune_rate_events failed during sweep")
	}
	if m.captcha != nil {
		m.captcha.Sweep()
	}

	metrics.SweepReclaimed.Add(float64(reclaimed))
	m.publishPortGauge()
	return reclaimed
}

// reclaimOrphanedHandles removes runtime handles whose name matches the
// project's session prefix but have no corresponding lease row (§4.E.1:
// "the periodic sweep will reclaim any handle whose name matches the
// project prefix but has no lease row" -- recovery backstop for a crash
// between create_and_start and insert_lease, not a substitute for the
// synchronous cleanup already run in Create).
func (m *Manager) reclaimOrphanedHandles(ctx context.Context) {
	logger := log.WithComponent("manager")

	prefix := m.cfg.ComposeProjectName + "_session_"
	handles, err := m.runtime.ListByNamePrefix(ctx, prefix)
	if err != nil {
		logger.Warn().Err(err).Msg("list_by_name_prefix failed, skipping orphan recovery this pass")
		return
	}

	for _, h := range handles {
		exists, err := m.store.LeaseExists(ctx, h.ID)
		if err != nil {
			logger.Warn().Err(err).Str("handle", h.ID).Msg("lease_exists check failed during orphan recovery")
			continue
		}
		if exists {
			continue
		}
		if err := m.runtime.Remove(ctx, h.ID); err != nil {
			logger.Warn().Err(err).Str("handle", h.ID).Msg("orphan handle remove failed")
			continue
		}
		logger.Info().Str("handle", h.ID).Msg("reclaimed orphaned runtime handle with no lease row")
	}
}

func (m *Manager) publishPortGauge() {
	free := 0
	for _, slot := range m.ports.Snapshot() {
		if slot.State == model.SlotFree {
			free++
		}
	}
	metrics.PortsFree.Set(float64(free))
}

// RunSweeper drives the expiration sweep loop until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context) {
	logger := log.WithComponent("manager")
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sweeper stopping")
			return
		case <-ticker.C:
			m.SweepExpired(ctx)
		}
	}
}

// Shutdown iterates every lease and runs the destruction sequence, bounded
// by ShutdownTimeout (§4.E.5). Leases still standing past the deadline are
// logged and left to future sweeps.
func (m *Manager) Shutdown(ctx context.Context) error {
	logger := log.WithComponent("manager")

	deadline, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	leases, err := m.store.ListLeases(deadline)
	if err != nil {
		return fmt.Errorf("manager: shutdown: listing leases: %w", err)
	}

	for i, lease := range leases {
		select {
		case <-deadline.Done():
			logger.Warn().Int("remaining", len(leases)-i).Msg("shutdown deadline exceeded, leaving surviving leases to future sweeps")
			return nil
		default:
			m.destroy(deadline, lease)
		}
	}
	return nil
}

func generateLeaseName(project, owner string) string {
	sanitizedOwner := strings.ReplaceAll(owner, "-", "_")
	suffix := randomSuffix(4)
	return fmt.Sprintf("%s_session_%s_%d_%s", project, sanitizedOwner, time.Now().Unix(), suffix)
}

const suffixCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomSuffix(n int) string {
	out := make([]byte, n)
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// fall back to a uuid-derived suffix; crypto/rand failing is not
		// expected in practice.
		id := uuid.NewString()
		return id[:n]
	}
	for i, b := range buf {
		out[i] = suffixCharset[int(b)%len(suffixCharset)]
	}
	return string(out)
}
