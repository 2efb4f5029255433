package ipinfo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestResolverCachesLookup(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer server.Close()

	now := time.Unix(1700000000, 0)
	resolver := NewResolver(Options{
		LookupURL:     server.URL,
		CacheDuration: time.Minute,
		HTTPClient:    server.Client(),
		Now:           func() time.Time { return now },
	})
	for i := 0; i < 3; i++ {
		ip, err := resolver.ClientIP(context.Background())
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if ip != "203.0.113.7" {
			t.Fatalf("unexpected ip %s", ip)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one lookup while cached, got %d", calls)
	}

	now = now.Add(2 * time.Minute)
	if _, err := resolver.ClientIP(context.Background()); err != nil {
		t.Fatalf("lookup after expiry failed: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected cache expiry to trigger a second lookup, got %d", calls)
	}
}

func TestResolverForceIPv4UsesIPv4URL(t *testing.T) {
	v4 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"198.51.100.1"}`))
	}))
	defer v4.Close()

	resolver := NewResolver(Options{
		LookupURL:     "http://127.0.0.1:1/unused",
		IPv4LookupURL: v4.URL,
		ForceIPv4:     true,
		HTTPClient:    v4.Client(),
	})
	ip, err := resolver.ClientIP(context.Background())
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if ip != "198.51.100.1" {
		t.Fatalf("unexpected ip %s", ip)
	}
}

func TestResolverRejectsBadPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"not-an-ip"}`))
	}))
	defer server.Close()
	resolver := NewResolver(Options{LookupURL: server.URL, HTTPClient: server.Client()})
	if _, err := resolver.ClientIP(context.Background()); err == nil {
		t.Fatalf("expected invalid address error")
	}
}
