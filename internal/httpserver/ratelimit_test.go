package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

func TestLimiterSetAllowsUpToBurstThenBlocks(t *testing.T) {
	spec := bucketSpec{name: "test", limit: 0, burst: 2}
	ls := newLimiterSet(spec, wlog.NewDiscard(), newSecurityLog(wlog.NewDiscard()))

	require.True(t, ls.allow("1.2.3.4"))
	require.True(t, ls.allow("1.2.3.4"))
	require.False(t, ls.allow("1.2.3.4"))
}

func TestLimiterSetKeysByIPIndependently(t *testing.T) {
	spec := bucketSpec{name: "test", limit: 0, burst: 1}
	ls := newLimiterSet(spec, wlog.NewDiscard(), newSecurityLog(wlog.NewDiscard()))

	require.True(t, ls.allow("1.1.1.1"))
	require.False(t, ls.allow("1.1.1.1"))
	require.True(t, ls.allow("2.2.2.2"))
}

func TestMiddlewareReturns429OverLimit(t *testing.T) {
	spec := bucketSpec{name: "test", limit: 0, burst: 0}
	ls := newLimiterSet(spec, wlog.NewDiscard(), newSecurityLog(wlog.NewDiscard()))

	handler := ls.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetRemoteIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	require.Equal(t, "203.0.113.5", getRemoteIP(req))
}

func TestGetRemoteIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	require.Equal(t, "10.0.0.1", getRemoteIP(req))
}
