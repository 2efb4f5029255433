// Package ipinfo looks up the public address of the client, which feeds the
// visitor id digest.
package ipinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLookupURL     = "https://api64.ipify.org?format=json"
	DefaultIPv4LookupURL = "https://api.ipify.org?format=json"
	DefaultCacheDuration = time.Hour
)

type Options struct {
	LookupURL     string
	IPv4LookupURL string
	ForceIPv4     bool
	// CacheDuration of zero disables caching.
	CacheDuration time.Duration
	HTTPClient    *http.Client
	Now           func() time.Time
}

type Resolver struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

func NewResolver(opts Options) *Resolver {
	lookupURL := strings.TrimSpace(opts.LookupURL)
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	if opts.ForceIPv4 {
		lookupURL = strings.TrimSpace(opts.IPv4LookupURL)
		if lookupURL == "" {
			lookupURL = DefaultIPv4LookupURL
		}
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		url:        lookupURL,
		ttl:        opts.CacheDuration,
		httpClient: httpClient,
		now:        now,
	}
}

func (r *Resolver) ClientIP(ctx context.Context) (string, error) {
	r.mu.Lock()
	if r.cached != "" && r.now().Before(r.expiresAt) {
		ip := r.cached
		r.mu.Unlock()
		return ip, nil
	}
	r.mu.Unlock()

	ip, err := r.lookup(ctx)
	if err != nil {
		return "", err
	}
	if r.ttl > 0 {
		r.mu.Lock()
		r.cached = ip
		r.expiresAt = r.now().Add(r.ttl)
		r.mu.Unlock()
	}
	return ip, nil
}

func (r *Resolver) lookup(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("ip lookup: http %d", resp.StatusCode)
	}
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("ip lookup: %w", err)
	}
	ip := net.ParseIP(strings.TrimSpace(payload.IP))
	if ip == nil {
		return "", fmt.Errorf("ip lookup: invalid address %q", payload.IP)
	}
	return ip.String(), nil
}

// Static always returns the same address.
type Static string

func (s Static) ClientIP(context.Context) (string, error) {
	return string(s), nil
}
