// Package httpapi exposes the core's operations over HTTP (SPEC_FULL.md
// §6). It owns no domain state; every handler delegates to the Lease
// Manager, the CAPTCHA store, or the Resource Monitor. Grounded on the
// teacher's internal/api package: a Server struct holding collaborators,
// a routes() method building a chi.Router, and thin handler methods.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/admission"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/captcha"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/manager"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/model"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/ratelimit"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/resourcemon"
)

const ownerCookieName = "user_uuid"

// Server wires the core's components into an HTTP handler.
type Server struct {
	manager  *manager.Manager
	captcha  *captcha.Store
	resource *resourcemon.Monitor
	limiter  *ratelimit.Limiter

	adminKey           string
	serviceName        string
	enableLogsEndpoint bool
	startedAt          time.Time
}

// Config bundles the Server's dependencies and static settings.
type Config struct {
	Manager            *manager.Manager
	Captcha            *captcha.Store
	Resource           *resourcemon.Monitor
	Limiter            *ratelimit.Limiter
	AdminKey           string
	ServiceName        string
	EnableLogsEndpoint bool
}

// New constructs a Server.
func New(cfg Config) *Server {
	return &Server{
		manager:            cfg.Manager,
		captcha:            cfg.Captcha,
		resource:           cfg.Resource,
		limiter:            cfg.Limiter,
		adminKey:           cfg.AdminKey,
		serviceName:        cfg.ServiceName,
		enableLogsEndpoint: cfg.EnableLogsEndpoint,
		startedAt:          time.Now(),
	}
}

// Handler builds the full chi router (§6 "HTTP surface").
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.ambientRateLimit)
	r.Use(httprate.LimitByIP(100, time.Minute)) // per-IP windowed backstop behind the token bucket

	r.Get("/", s.handleIndex)
	r.Get("/get_captcha", s.handleGetCaptcha)
	r.Post("/deploy", s.handleDeploy)
	r.Post("/stop", s.handleStop)
	r.Post("/restart", s.handleRestart)
	r.Post("/extend", s.handleExtend)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealthCheck)
	r.Get("/metrics", s.withAdminGate(promhttp.Handler().ServeHTTP))
	r.Get("/logs", s.withAdminGate(s.handleLogs))
	r.Get("/admin/status", s.withAdminGate(s.handleAdminStatus))

	return r
}

func (s *Server) ambientRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ratelimit.GetClientIP(r)
		if !s.limiter.Allow(ip) {
			writeError(w, model.NewError(model.KindRateLimited, "too many requests"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.ensureOwnerCookie(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body>sandbox deployer</body></html>"))
}

func (s *Server) handleGetCaptcha(w http.ResponseWriter, r *http.Request) {
	id, challenge, err := s.captcha.Issue()
	if err != nil {
		writeError(w, model.WrapError(model.KindRuntimeError, err, "issuing captcha"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"captcha_id":    id,
		"captcha_image": challenge, // image rendering is out of scope; challenge text stands in for it
	})
}

type deployRequest struct {
	CaptchaID     string `json:"captcha_id"`
	CaptchaAnswer string `json:"captcha_answer"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	owner := s.ensureOwnerCookie(w, r)

	var body deployRequest
	_ = json.NewDecoder(r.Body).Decode(&body) // absent/malformed body fails admission at the captcha check

	res, err := s.manager.Create(r.Context(), admission.Request{
		Owner:         owner,
		ClientAddr:    ratelimit.GetClientIP(r),
		CaptchaID:     body.CaptchaID,
		CaptchaAnswer: body.CaptchaAnswer,
		ExpectedCPU:   0,
		ExpectedMemGB: 0,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "deployed",
		"port":            res.Port,
		"id":              res.LeaseID,
		"expiration_time": res.ExpiresAt.Unix(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	owner := s.ensureOwnerCookie(w, r)
	if err := s.manager.Stop(r.Context(), owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "stopped"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	owner := s.ensureOwnerCookie(w, r)
	if err := s.manager.Restart(r.Context(), owner); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "restarted"})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	owner := s.ensureOwnerCookie(w, r)
	newExpiry, err := s.manager.Extend(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":             "extended",
		"new_expiration_time": newExpiry.Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   s.serviceName,
		"challenge": "active",
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleLogs recovers raw container logs for a lease, matching the
// original's handle_user_container_logs: container_id identifies the
// lease, tail/since narrow the window, and a container_id that isn't a
// lease this deployer manages (or that the runtime no longer has) is a 404.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.enableLogsEndpoint {
		writeError(w, model.NewError(model.KindNotFound, "logs endpoint disabled"))
		return
	}

	containerID := r.URL.Query().Get("container_id")
	if containerID == "" {
		writeError(w, model.NewError(model.KindNotFound, "container_id is required"))
		return
	}

	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			tail = n
		}
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			since = time.Unix(n, 0)
		}
	}

	text, err := s.manager.Logs(r.Context(), containerID, tail, since)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(text))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"container_id": containerID, "logs": text})
}

// handleAdminStatus returns a detailed JSON dump of pool/lease/resource
// state, matching the original's admin_status: resource usage, port-pool
// availability, per-lease detail, and the rate-limit configuration.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.resource.Snapshot(ctx)

	admin, err := s.manager.AdminStatus(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	availablePorts := 0
	for _, slot := range admin.Ports {
		if slot.State == model.SlotFree {
			availablePorts++
		}
	}

	leases := make([]map[string]any, 0, len(admin.Leases))
	for _, lease := range admin.Leases {
		status, _ := s.manager.RuntimeStatus(ctx, lease.ID)
		leases = append(leases, map[string]any{
			"id":              lease.ID,
			"port":            lease.Port,
			"owner":           lease.Owner,
			"client_addr":     lease.ClientAddr,
			"expiration_time": lease.ExpiresAt.Unix(),
			"runtime_status":  status,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lease_count":             snap.LeaseCount,
		"cpu_percent":             snap.CPUPercent,
		"memory_gb":               snap.MemoryGB,
		"sampled_at":              snap.SampledAt.Unix(),
		"uptime_secs":             int(time.Since(s.startedAt).Seconds()),
		"available_ports":         availablePorts,
		"total_ports":             len(admin.Ports),
		"leases":                  leases,
		"max_containers_per_hour": admin.MaxContainersPerHour,
		"rate_limit_window_secs":  int(admin.RateLimitWindow.Seconds()),
	})
}

// withAdminGate enforces §6 "Admin endpoints are reachable without a key
// only from RFC1918/loopback source addresses; otherwise admin_key must
// match the configured value."
func (s *Server) withAdminGate(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := ratelimit.GetClientIP(r)
		if isPrivateOrLoopback(ip) {
			h(w, r)
			return
		}
		key := r.URL.Query().Get("admin_key")
		if s.adminKey == "" || key != s.adminKey {
			writeError(w, model.NewError(model.KindUnauthorized, "admin access requires a valid key"))
			return
		}
		h(w, r)
	}
}

func (s *Server) ensureOwnerCookie(w http.ResponseWriter, r *http.Request) string {
	c, err := r.Cookie(ownerCookieName)
	if err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ownerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func isPrivateOrLoopback(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	for _, cidr := range []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"} {
		_, block, err := net.ParseCIDR(cidr)
		if err == nil && block.Contains(ip) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("httpapi").Warn().Err(err).Msg("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var coreErr *model.Error
	if errors.As(err, &coreErr) {
		status = coreErr.HTTPStatus()
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
