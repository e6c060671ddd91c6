// Per-IP rate limiting (C12). golang.org/x/time/rate's token bucket is
// used directly rather than reimplemented; keying and cleanup follow
// the same "map of per-key state guarded by a mutex" shape gravwell
// uses for its per-tag throttles (ingest/entry/entry.go rate limiters),
// adapted here to key by client IP instead of ingest tag.
package httpserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"
)

// bucketSpec is one of spec.md §5's four named limits.
type bucketSpec struct {
	name  string
	limit rate.Limit
	burst int
}

var (
	loginLimit           = bucketSpec{"login", rate.Every(15 * time.Minute / 5), 5}
	passwordChangeLimit  = bucketSpec{"password-change", rate.Every(time.Hour / 3), 3}
	generalAPILimit      = bucketSpec{"general-api", rate.Every(time.Minute / 100), 100}
	threatFeedLimit      = bucketSpec{"threat-feed", rate.Every(time.Minute / 10), 10}
)

type limiterSet struct {
	spec bucketSpec
	lg   *wlog.Logger
	sec  *securityLog

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(spec bucketSpec, lg *wlog.Logger, sec *securityLog) *limiterSet {
	return &limiterSet{spec: spec, lg: lg, sec: sec, limiters: make(map[string]*rate.Limiter)}
}

func (ls *limiterSet) allow(ip string) bool {
	ls.mu.Lock()
	l, ok := ls.limiters[ip]
	if !ok {
		l = rate.NewLimiter(ls.spec.limit, ls.spec.burst)
		ls.limiters[ip] = l
	}
	ls.mu.Unlock()
	return l.Allow()
}

// middleware rejects over-limit requests with 429 and logs the hit to
// the security log (spec.md §5 "Hits increment a security log").
func (ls *limiterSet) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getRemoteIP(r)
		if !ls.allow(ip) {
			ls.sec.logf("rate limit exceeded: bucket=%s ip=%s path=%s", ls.spec.name, ip, r.URL.Path)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getRemoteIP mirrors gravwell's ingesters/HttpIngester/main.go
// getRemoteAddr/getRemoteIP: prefer the first X-Forwarded-For entry,
// fall back to the raw connection's address, keyed strictly by that
// resolved IP (spec.md §5 "keyed strictly by client IP as seen by the
// HTTP layer").
func getRemoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
