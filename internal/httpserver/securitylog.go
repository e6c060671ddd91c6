package httpserver

import "github.com/OCDEkr/OCDEThreatMap-sub001/internal/wlog"

// securityLog is the dedicated stream spec.md §7 requires for
// authorization failures (bad login, bad API key, rate-limit hits): a
// thin wrapper so those events are visibly tagged rather than mixed
// into general application logging, the way gravwell tags ingest
// errors with a KV pair rather than a separate logger.
type securityLog struct {
	lg *wlog.Logger
}

func newSecurityLog(lg *wlog.Logger) *securityLog {
	return &securityLog{lg: lg}
}

func (s *securityLog) logf(format string, args ...interface{}) {
	s.lg.Warnf("security: "+format, args...)
}
