package localstore

import (
	"net/http/cookiejar"
	"net/url"
	"testing"
)

func TestCookieBackendStoresValuesInJar(t *testing.T) {
	jar, _ := cookiejar.New(nil)
	backend, err := NewCookieBackend(jar, "https://shop.example.com/")
	if err != nil {
		t.Fatalf("new cookie backend failed: %v", err)
	}
	if err := backend.Set("userID", "dnNfMTIz"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := backend.Get("userID")
	if err != nil || !ok || value != "dnNfMTIz" {
		t.Fatalf("expected cookie value, got %q ok=%v err=%v", value, ok, err)
	}

	site, _ := url.Parse("https://shop.example.com/checkout")
	found := false
	for _, c := range jar.Cookies(site) {
		if c.Name == "userID" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cookie to be sent for paths under the site")
	}

	if err := backend.Delete("userID"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := backend.Get("userID"); ok {
		t.Fatalf("expected cookie to be removed")
	}
}

func TestCookieBackendRequiresHost(t *testing.T) {
	if _, err := NewCookieBackend(nil, "/relative"); err == nil {
		t.Fatalf("expected error for site without host")
	}
}
