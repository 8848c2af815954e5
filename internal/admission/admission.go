// Package admission implements the Admission Controller (SPEC_FULL.md
// §4.D): a strict, short-circuiting chain of checks run before a new lease
// is created, plus the reduced ownership-only check used by extend/stop/
// restart.
package admission

import (
	"context"
	"net"
	"time"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/captcha"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/metrics"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/resourcemon"
)

// Request is the input to a create-admission check.
type Request struct {
	Owner          string
	ClientAddr     string
	CaptchaID      string
	CaptchaAnswer  string
	ExpectedCPU    float64
	ExpectedMemGB  float64
}

// Config controls which checks run and their thresholds.
type Config struct {
	BypassCaptcha         bool
	MaxContainersPerHour  int
	RateLimitWindow       time.Duration
	EnableResourceQuotas  bool
}

// Controller runs the admission chain against collaborating components.
type Controller struct {
	store    leasestore.Store
	captcha  *captcha.Store
	resource *resourcemon.Monitor
	cfg      Config
}

// New constructs a Controller. resource may be nil if resource quotas are
// disabled entirely.
func New(store leasestore.Store, captchaStore *captcha.Store, resource *resourcemon.Monitor, cfg Config) *Controller {
	return &Controller{store: store, captcha: captchaStore, resource: resource, cfg: cfg}
}

// AdmitCreate runs the full 5-check chain for a new-lease request (§4.D).
func (c *Controller) AdmitCreate(ctx context.Context, req Request) error {
	logger := log.WithComponent("admission")

	if req.Owner == "" {
		metrics.AdmissionDecisions.WithLabelValues(string(model.KindInvalidSession)).Inc()
		return model.NewError(model.KindInvalidSession, "missing owner")
	}

	if !c.cfg.BypassCaptcha {
		if req.CaptchaID == "" || !c.captcha.Verify(req.CaptchaID, req.CaptchaAnswer) {
			metrics.AdmissionDecisions.WithLabelValues(string(model.KindCaptchaInvalid)).Inc()
			return model.NewError(model.KindCaptchaInvalid, "missing, expired, or wrong captcha answer")
		}
	}

	if !isLoopback(req.ClientAddr) {
		since := time.Now().Add(-c.cfg.RateLimitWindow)
		eventCount, err := c.store.CountRateEvents(ctx, req.ClientAddr, since)
		if err != nil {
			return model.WrapError(model.KindStoreError, err, "counting rate events")
		}
		leaseCount, err := c.store.CountLeasesByClient(ctx, req.ClientAddr)
		if err != nil {
			return model.WrapError(model.KindStoreError, err, "counting leases by client")
		}
		if eventCount+leaseCount >= c.cfg.MaxContainersPerHour {
			metrics.AdmissionDecisions.WithLabelValues(string(model.KindRateLimited)).Inc()
			return model.NewError(model.KindRateLimited, "client %s over rate limit", req.ClientAddr)
		}
	}

	existing, err := c.store.GetLeaseByOwner(ctx, req.Owner)
	if err != nil {
		return model.WrapError(model.KindStoreError, err, "checking duplicate owner")
	}
	if existing != nil {
		metrics.AdmissionDecisions.WithLabelValues(string(model.KindDuplicateLease)).Inc()
		return model.NewError(model.KindDuplicateLease, "owner %s already holds a lease", req.Owner)
	}

	if c.cfg.EnableResourceQuotas && c.resource != nil {
		snap := c.resource.Snapshot(ctx)
		if dim, exceeded := snap.WouldExceed(1, req.ExpectedCPU, req.ExpectedMemGB); exceeded {
			metrics.AdmissionDecisions.WithLabelValues(string(model.KindResourceExhausted)).Inc()
			logger.Info().Str("dimension", string(dim)).Msg("resource quota would be exceeded")
			return model.NewResourceExhausted(dim)
		}
	}

	metrics.AdmissionDecisions.WithLabelValues("admitted").Inc()
	return nil
}

// AdmitOwnership runs the reduced check used by extend/stop/restart: session
// present, and the named lease must belong to owner (§4.D final paragraph).
func (c *Controller) AdmitOwnership(ctx context.Context, owner string, lease *model.Lease) error {
	if owner == "" {
		return model.NewError(model.KindInvalidSession, "missing owner")
	}
	if lease == nil || lease.Owner != owner {
		return model.NewError(model.KindNotFound, "no lease for owner %s", owner)
	}
	return nil
}

func isLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}
