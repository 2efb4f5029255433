// Package config loads visitorsync settings from VISITORSYNC_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// RemoteSync turns the sync protocol on. It only takes effect together
	// with RemoteEndpoint.
	RemoteSync            bool          `env:"VISITORSYNC_REMOTE_SYNC"             envDefault:"false"`
	RemoteEndpoint        string        `env:"VISITORSYNC_REMOTE_ENDPOINT"`
	AllowInsecureEndpoint bool          `env:"VISITORSYNC_ALLOW_INSECURE_ENDPOINT" envDefault:"false"`
	AutoSyncInterval      time.Duration `env:"VISITORSYNC_AUTO_SYNC_INTERVAL"      envDefault:"0s"`
	AutoSyncJitter        float64       `env:"VISITORSYNC_AUTO_SYNC_JITTER"        envDefault:"0.2"`
	SyncTimeout           time.Duration `env:"VISITORSYNC_SYNC_TIMEOUT"            envDefault:"15s"`
	SyncRetries           int           `env:"VISITORSYNC_SYNC_RETRIES"            envDefault:"0"`

	UserParams []string `env:"VISITORSYNC_USER_PARAMS" envSeparator:","`
	Prefix     string   `env:"VISITORSYNC_PREFIX"`

	ForceIPv4       bool          `env:"VISITORSYNC_FORCE_IPV4"        envDefault:"false"`
	IPCacheDuration time.Duration `env:"VISITORSYNC_IP_CACHE_DURATION" envDefault:"1h"`
	IPLookupURL     string        `env:"VISITORSYNC_IP_LOOKUP_URL"`

	// GracePeriod delays ready and reload handling so the host page can
	// settle.
	GracePeriod time.Duration `env:"VISITORSYNC_GRACE_PERIOD" envDefault:"100ms"`

	SiteURL      string `env:"VISITORSYNC_SITE_URL"      envDefault:"https://localhost/"`
	CookieStore  string `env:"VISITORSYNC_COOKIE_STORE"`
	DurableStore string `env:"VISITORSYNC_DURABLE_STORE" envDefault:"visitorsync-state.json"`
	WatchStore   bool   `env:"VISITORSYNC_WATCH_STORE"   envDefault:"false"`
	EventsURL    string `env:"VISITORSYNC_EVENTS_URL"`
}

// Load parses the environment. It does not validate.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.UserParams = normalizeParams(cfg.UserParams)
	return cfg, nil
}

// SyncEnabled reports whether both the feature flag and an endpoint are set.
func (c Config) SyncEnabled() bool {
	return c.RemoteSync && strings.TrimSpace(c.RemoteEndpoint) != ""
}

// CookieStoreDSN is CookieStore, or a cookie:// DSN derived from SiteURL.
func (c Config) CookieStoreDSN() string {
	if dsn := strings.TrimSpace(c.CookieStore); dsn != "" {
		return dsn
	}
	site, err := url.Parse(strings.TrimSpace(c.SiteURL))
	if err != nil || site.Host == "" {
		return ""
	}
	dsn := "cookie://" + site.Host + site.EscapedPath()
	if site.Scheme == "http" {
		dsn += "?insecure=true"
	}
	return dsn
}

func (c Config) Validate() error {
	var errs []error
	if c.RemoteSync {
		if strings.TrimSpace(c.RemoteEndpoint) == "" {
			errs = append(errs, errors.New("remote sync is enabled but no remote endpoint is set"))
		} else if err := c.validateEndpoint(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.AutoSyncInterval < 0 {
		errs = append(errs, fmt.Errorf("auto sync interval must not be negative: %s", c.AutoSyncInterval))
	}
	if c.AutoSyncJitter < 0 || c.AutoSyncJitter > 1 {
		errs = append(errs, fmt.Errorf("auto sync jitter must be between 0 and 1: %g", c.AutoSyncJitter))
	}
	if c.SyncTimeout < 0 {
		errs = append(errs, fmt.Errorf("sync timeout must not be negative: %s", c.SyncTimeout))
	}
	if c.SyncRetries < 0 {
		errs = append(errs, fmt.Errorf("sync retries must not be negative: %d", c.SyncRetries))
	}
	if c.IPCacheDuration < 0 {
		errs = append(errs, fmt.Errorf("ip cache duration must not be negative: %s", c.IPCacheDuration))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace period must not be negative: %s", c.GracePeriod))
	}
	if site := strings.TrimSpace(c.SiteURL); site != "" {
		parsed, err := url.Parse(site)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("site url must be an absolute http(s) url: %q", site))
		}
	}
	if events := strings.TrimSpace(c.EventsURL); events != "" {
		parsed, err := url.Parse(events)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("events url must be a ws(s) url: %q", events))
		}
	}
	if c.CookieStoreDSN() == "" && strings.TrimSpace(c.DurableStore) == "" {
		errs = append(errs, errors.New("at least one of cookie store and durable store is required"))
	}
	for _, name := range c.UserParams {
		if name == "timestamp" {
			errs = append(errs, errors.New("user params must not include the reserved name timestamp"))
		}
	}
	return errors.Join(errs...)
}

// validateEndpoint requires https. Plain http is accepted for loopback hosts
// when AllowInsecureEndpoint is set.
func (c Config) validateEndpoint() error {
	endpoint := strings.TrimSpace(c.RemoteEndpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid remote endpoint %q: %w", endpoint, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("remote endpoint must be an absolute url: %q", endpoint)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if c.AllowInsecureEndpoint && isLoopback(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("remote endpoint must use https: %q", endpoint)
	default:
		return fmt.Errorf("remote endpoint must use https: %q", endpoint)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func normalizeParams(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
