package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 2})
	require.True(t, l.Allow("1.2.3.4"))
	require.True(t, l.Allow("1.2.3.4"))
	require.False(t, l.Allow("1.2.3.4"))
}

func TestAllowPerIPIsolation(t *testing.T) {
	l := New(Config{Rate: 1, Burst: 1})
	require.True(t, l.Allow("1.1.1.1"))
	require.True(t, l.Allow("2.2.2.2")) // distinct bucket, unaffected
	require.False(t, l.Allow("1.1.1.1"))
}

func TestAllowLoopbackBypassesLimit(t *testing.T) {
	l := New(Config{Rate: 0, Burst: 0}) // would reject anything non-loopback
	require.True(t, l.Allow("127.0.0.1"))
	require.True(t, l.Allow("::1"))
}

func TestGetClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 10.0.0.1")
	r.RemoteAddr = "127.0.0.1:5555"
	require.Equal(t, "9.9.9.9", GetClientIP(r))
}

func TestGetClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "8.8.8.8:1234"
	require.Equal(t, "8.8.8.8", GetClientIP(r))
}
