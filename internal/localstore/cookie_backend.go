package localstore

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const cookieMaxAge = 400 * 24 * time.Hour

// CookieBackend stores each key as a cookie for the site URL in a cookie
// jar. Sharing the jar with an http.Client sends the values along with
// requests to the site.
type CookieBackend struct {
	jar  http.CookieJar
	site *url.URL
	path string
}

func NewCookieBackend(jar http.CookieJar, siteURL string) (*CookieBackend, error) {
	site, err := url.Parse(strings.TrimSpace(siteURL))
	if err != nil {
		return nil, err
	}
	if site.Host == "" {
		return nil, fmt.Errorf("%w: cookie backend needs a site host", ErrInvalidInput)
	}
	if jar == nil {
		jar, err = cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
	}
	path := site.Path
	if path == "" {
		path = "/"
	}
	return &CookieBackend{jar: jar, site: site, path: path}, nil
}

// Jar returns the cookie jar the backend writes into.
func (b *CookieBackend) Jar() http.CookieJar {
	return b.jar
}

func (b *CookieBackend) Get(key string) (string, bool, error) {
	for _, c := range b.jar.Cookies(b.site) {
		if c.Name == key {
			return c.Value, true, nil
		}
	}
	return "", false, nil
}

func (b *CookieBackend) Set(key, value string) error {
	if key == "" {
		return ErrInvalidInput
	}
	b.jar.SetCookies(b.site, []*http.Cookie{{
		Name:     key,
		Value:    value,
		Path:     b.path,
		MaxAge:   int(cookieMaxAge / time.Second),
		Expires:  time.Now().Add(cookieMaxAge),
		Secure:   b.site.Scheme == "https",
		SameSite: http.SameSiteLaxMode,
	}})
	return nil
}

func (b *CookieBackend) Delete(key string) error {
	b.jar.SetCookies(b.site, []*http.Cookie{{
		Name:   key,
		Path:   b.path,
		MaxAge: -1,
	}})
	return nil
}

func (b *CookieBackend) Keys() ([]string, error) {
	cookies := b.jar.Cookies(b.site)
	keys := make([]string, 0, len(cookies))
	for _, c := range cookies {
		keys = append(keys, c.Name)
	}
	return keys, nil
}
