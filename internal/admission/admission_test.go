package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/captcha"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
)

func newController(t *testing.T, cfg Config) (*Controller, *leasestore.MemoryStore, *captcha.Store) {
	store := leasestore.NewMemoryStore()
	cap := captcha.New(5, time.Minute)
	return New(store, cap, nil, cfg), store, cap
}

func TestAdmitCreateRejectsMissingOwner(t *testing.T) {
	c, _, _ := newController(t, Config{BypassCaptcha: true, MaxContainersPerHour: 3, RateLimitWindow: time.Hour})
	err := c.AdmitCreate(context.Background(), Request{ClientAddr: "9.9.9.9"})
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.KindInvalidSession, kind)
}

func TestAdmitCreateRejectsBadCaptcha(t *testing.T) {
	c, _, _ := newController(t, Config{MaxContainersPerHour: 3, RateLimitWindow: time.Hour})
	err := c.AdmitCreate(context.Background(), Request{Owner: "o1", ClientAddr: "9.9.9.9", CaptchaID: "bogus", CaptchaAnswer: "x"})
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.KindCaptchaInvalid, kind)
}

func TestAdmitCreateSucceedsWithBypassCaptcha(t *testing.T) {
	c, _, _ := newController(t, Config{BypassCaptcha: true, MaxContainersPerHour: 3, RateLimitWindow: time.Hour})
	err := c.AdmitCreate(context.Background(), Request{Owner: "o1", ClientAddr: "9.9.9.9"})
	require.NoError(t, err)
}

func TestAdmitCreateRejectsOverRateLimit(t *testing.T) {
	c, store, _ := newController(t, Config{BypassCaptcha: true, MaxContainersPerHour: 2, RateLimitWindow: time.Hour})
	ctx := context.Background()
	require.NoError(t, store.RecordRateEvent(ctx, "9.9.9.9", time.Now()))
	require.NoError(t, store.RecordRateEvent(ctx, "9.9.9.9", time.Now().Add(time.Second)))

	err := c.AdmitCreate(ctx, Request{Owner: "o1", ClientAddr: "9.9.9.9"})
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.KindRateLimited, kind)
}

func TestAdmitCreateLoopbackBypassesRateLimit(t *testing.T) {
	c, store, _ := newController(t, Config{BypassCaptcha: true, MaxContainersPerHour: 1, RateLimitWindow: time.Hour})
	ctx := context.Background()
	require.NoError(t, store.RecordRateEvent(ctx, "127.0.0.1", time.Now()))
	require.NoError(t, store.RecordRateEvent(ctx, "127.0.0.1", time.Now().Add(time.Second)))

	err := c.AdmitCreate(ctx, Request{Owner: "o1", ClientAddr: "127.0.0.1"})
	require.NoError(t, err)
}

func TestAdmitCreateRejectsDuplicateOwner(t *testing.T) {
	c, store, _ := newController(t, Config{BypassCaptcha: true, MaxContainersPerHour: 3, RateLimitWindow: time.Hour})
	ctx := context.Background()
	require.NoError(t, store.InsertLease(ctx, model.Lease{ID: "l1", Port: 9000, Owner: "o1", ClientAddr: "1.1.1.1", StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}))

	err := c.AdmitCreate(ctx, Request{Owner: "o1", ClientAddr: "2.2.2.2"})
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.KindDuplicateLease, kind)
}

func TestAdmitOwnershipRejectsWrongOwner(t *testing.T) {
	c, _, _ := newController(t, Config{})
	lease := &model.Lease{ID: "l1", Owner: "o1"}
	err := c.AdmitOwnership(context.Background(), "o2", lease)
	kind, ok := model.KindOf(err)
	require.True(t, ok)
	require.Equal(t, model.KindNotFound, kind)
}

func TestAdmitOwnershipAcceptsMatchingOwner(t *testing.T) {
	c, _, _ := newController(t, Config{})
	lease := &model.Lease{ID: "l1", Owner: "o1"}
	require.NoError(t, c.AdmitOwnership(context.Background(), "o1", lease))
}
