// Package ratelimit implements the ambient per-IP HTTP throttle that sits in
// front of the Admission Controller's windowed, DB-backed rate check
// (SPEC_FULL.md DOMAIN STACK). It never substitutes for that check; it only
// protects the service from being hammered before a request ever reaches
// admission logic. Grounded on the teacher's internal/ratelimit/limiter.go.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/metrics"
)

// Config controls the per-IP token bucket.
type Config struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
}

// Limiter tracks one token bucket per client IP. Loopback addresses are
// always allowed, matching the admin/health bypass used elsewhere in the
// service (§4.D "loopback bypass").
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	perIP       map[string]*rate.Limiter
	lastCleanup time.Time
}

// New constructs a Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:         cfg,
		perIP:       make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether a request from clientIP may proceed.
func (l *Limiter) Allow(clientIP string) bool {
	if isLoopback(clientIP) {
		return true
	}

	limiter := l.getOrCreate(clientIP)
	if !limiter.Allow() {
		metrics.RateLimitRejections.Inc()
		return false
	}

	l.maybeCleanup()
	return true
}

func (l *Limiter) getOrCreate(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)
		l.perIP[ip] = lim
	}
	return lim
}

func (l *Limiter) maybeCleanup() {
	if l.cfg.CleanupInterval <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastCleanup) < l.cfg.CleanupInterval {
		return
	}
	l.perIP = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// GetClientIP extracts the caller's address, preferring X-Forwarded-For (a
// reverse proxy is assumed to sit in front of the service) and falling back
// to the TCP peer address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			xff = xff[:idx]
		}
		xff = strings.TrimSpace(xff)
		if xff != "" {
			return xff
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
