package localstore

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// FactoryOptions carries collaborators that cannot be expressed in a DSN.
type FactoryOptions struct {
	// CookieJar is used by cookie:// backends. A fresh jar is created when nil.
	CookieJar http.CookieJar
}

// BuildBackendFromDSN picks a backend by DSN scheme:
//
//	memory://                     in-process map
//	file:///var/lib/vs/state.json JSON file (a bare path works too)
//	cookie://example.com/         cookie jar scoped to https://example.com/
//	postgres://...                lib/pq
//	sqlite:///path/state.db       mattn/go-sqlite3
//	libsql://db.turso.io?...      libsql
//
// SQL DSNs accept a namespace query parameter.
func BuildBackendFromDSN(dsn string, opts FactoryOptions) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryBackend(), nil
	case "cookie", "cookies":
		if parsed.Host == "" {
			return nil, fmt.Errorf("%w: cookie backend needs a host", ErrInvalidInput)
		}
		site := &url.URL{Scheme: "https", Host: parsed.Host, Path: parsed.Path}
		if parsed.Query().Get("insecure") == "true" {
			site.Scheme = "http"
		}
		return NewCookieBackend(opts.CookieJar, site.String())
	case "postgres", "postgresql":
		namespace, cleaned := splitNamespace(parsed)
		return NewSQLBackend(driverPostgres, cleaned.String(), namespace)
	case "sqlite", "sqlite3":
		namespace, cleaned := splitNamespace(parsed)
		cleaned.Scheme = ""
		path, pathErr := dsnPath(cleaned, "")
		if pathErr != nil {
			return nil, pathErr
		}
		if cleaned.RawQuery != "" {
			path += "?" + cleaned.RawQuery
		}
		return NewSQLBackend(driverSQLite, "file:"+path, namespace)
	case "libsql":
		namespace, cleaned := splitNamespace(parsed)
		return NewSQLBackend(driverLibSQL, cleaned.String(), namespace)
	case "mysql":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

func splitNamespace(parsed *url.URL) (string, *url.URL) {
	cleaned := *parsed
	query := cleaned.Query()
	namespace := strings.TrimSpace(query.Get("namespace"))
	query.Del("namespace")
	cleaned.RawQuery = query.Encode()
	return namespace, &cleaned
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
