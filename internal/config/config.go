// Package config loads the environment-variable configuration described
// in spec.md §6.4. A ".env" file, if present, is loaded first (ahead of
// the real environment) with godotenv, the way ClusterCockpit-cc-backend
// bootstraps local development without requiring a dozen exported vars.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort         string
	HTTPBindAddress  string
	SyslogPort       string
	SyslogBindAddress string

	SessionSecret string

	DashboardUsername string
	DashboardPassword string

	OCDEIPRanges []string

	ThreatFeedAPIKey   string
	ThreatFeedDemoFallback bool

	NodeEnv string
}

const (
	defaultHTTPBindAddress   = "127.0.0.1"
	defaultSyslogBindAddress = "127.0.0.1"
	defaultSyslogPort        = "514"
	defaultDashboardUser     = "admin"
	defaultDashboardPassword = "ChangeMe"
	minSessionSecretLen      = 32
)

// Load reads configuration from the process environment, first merging in
// a ".env" file if one is present in the working directory. Missing
// optional variables fall back to spec.md's documented defaults; it never
// itself exits the process — callers decide what's fatal.
func Load() *Config {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	c := &Config{
		HTTPPort:          os.Getenv("HTTP_PORT"),
		HTTPBindAddress:   getenvDefault("HTTP_BIND_ADDRESS", defaultHTTPBindAddress),
		SyslogPort:        getenvDefault("SYSLOG_PORT", defaultSyslogPort),
		SyslogBindAddress: getenvDefault("SYSLOG_BIND_ADDRESS", defaultSyslogBindAddress),

		SessionSecret: os.Getenv("SESSION_SECRET"),

		DashboardUsername: getenvDefault("DASHBOARD_USERNAME", defaultDashboardUser),
		DashboardPassword: getenvDefault("DASHBOARD_PASSWORD", defaultDashboardPassword),

		OCDEIPRanges: splitCSV(os.Getenv("OCDE_IP_RANGES")),

		ThreatFeedAPIKey:       os.Getenv("THREAT_FEED_API_KEY"),
		ThreatFeedDemoFallback: getenvBoolDefault("THREAT_FEED_DEMO_FALLBACK", true),

		NodeEnv: os.Getenv("NODE_ENV"),
	}
	return c
}

// SessionSecretWarning returns a non-empty warning string if the
// configured session secret is absent or too short to be safe.
func (c *Config) SessionSecretWarning() string {
	if c.SessionSecret == "" {
		return "SESSION_SECRET is unset; using an ephemeral, process-local secret"
	}
	if len(c.SessionSecret) < minSessionSecretLen {
		return "SESSION_SECRET is shorter than 32 characters"
	}
	return ""
}

func (c *Config) SecureCookies() bool {
	return strings.EqualFold(c.NodeEnv, "production")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
