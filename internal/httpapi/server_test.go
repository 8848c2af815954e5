package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/admission"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/captcha"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/config"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/leasestore"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/manager"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/portregistry"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/ratelimit"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/resourcemon"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/runtimeadapter"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := leasestore.NewMemoryStore()
	runtime := runtimeadapter.NewFakeAdapter()
	ports := portregistry.New(9000, 9010, 3)
	captchaStore := captcha.New(5, time.Minute)
	resource := resourcemon.New(store, runtime, nil, resourcemon.Config{
		Interval:         time.Minute,
		SoftLimitPercent: 80,
		NamePrefix:       "ctf_session_",
		Limits:           model.ResourceLimits{MaxContainers: 50, MaxCPUPercent: 400, MaxMemoryGB: 16},
	})
	admitter := admission.New(store, captchaStore, resource, admission.Config{
		BypassCaptcha: true, MaxContainersPerHour: 3, RateLimitWindow: time.Hour,
	})
	cfg := config.AppConfig{
		LeaveTime: time.Hour, AddTime: 10 * time.Minute, ImagesName: "chal:latest",
		PortInContainer: 80, ComposeProjectName: "ctf", PortAllocationMaxAttempts: 3,
		MaintenanceBatchSize: 10, StalePortMaxAge: time.Hour, ShutdownTimeout: time.Second,
		ContainerMemoryLimit: "256M", ContainerSwapLimit: "256M",
	}
	mgr := manager.New(ports, store, runtime, admitter, captchaStore, cfg)
	limiter := ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000, CleanupInterval: time.Hour})

	return New(Config{
		Manager: mgr, Captcha: captchaStore, Resource: resource, Limiter: limiter,
		AdminKey: "secret", ServiceName: "test", EnableLogsEndpoint: true,
	})
}

func TestHealthEndpointOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetCaptchaIssuesChallenge(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/get_captcha", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "captcha_id")
}

func TestDeploySetsOwnerCookieAndSucceeds(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, ownerCookieName, cookies[0].Name)
}

func TestDeployTwiceSameOwnerFailsDuplicate(t *testing.T) {
	s := newTestServer(t)

	req1 := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	rec1 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)
	cookie := rec1.Result().Cookies()[0]

	req2 := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
	require.Contains(t, rec2.Body.String(), "error")
}

func TestMetricsRequiresAdminKeyFromNonPrivateAddr(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "8.8.8.8:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsAllowedFromLoopback(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsAllowedWithAdminKey(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics?admin_key=secret", nil)
	req.RemoteAddr = "8.8.8.8:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLogsRequiresContainerID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsUnmanagedContainerIsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/logs?container_id=no-such-lease", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsReturnsManagedContainerOutput(t *testing.T) {
	s := newTestServer(t)

	deployReq := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	deployRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(deployRec, deployReq)
	require.Equal(t, http.StatusOK, deployRec.Code)

	var deployed struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(deployRec.Body).Decode(&deployed))

	req := httptest.NewRequest(http.MethodGet, "/logs?container_id="+deployed.ID, nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), deployed.ID)
}

func TestAdminStatusIncludesPortsAndLeases(t *testing.T) {
	s := newTestServer(t)

	deployReq := httptest.NewRequest(http.MethodPost, "/deploy", nil)
	deployRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(deployRec, deployReq)
	require.Equal(t, http.StatusOK, deployRec.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "available_ports")
	require.Contains(t, rec.Body.String(), "leases")
}

func TestStopUnknownOwnerReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/stop", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
