package statestore

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildBackendFromDSN picks a backend from the DSN scheme. It does not
// connect; callers Ping to find out whether the backend is reachable.
func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "redis", "rediss":
		return NewRedisBackend(dsn)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "bolt", "bbolt", "file":
		path, pathErr := dsnPath(parsed)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBoltBackend(path), nil
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, scheme)
	}
}

// SupportedScheme reports whether BuildBackendFromDSN understands dsn.
func SupportedScheme(dsn string) bool {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return false
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if _, ok := lookupBackendFactory(scheme); ok {
		return true
	}
	switch scheme {
	case "redis", "rediss", "postgres", "postgresql", "bolt", "bbolt", "file", "memory", "mem", "inmem":
		return true
	}
	return false
}

func dsnPath(parsed *url.URL) (string, error) {
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if parsed.Host != "" {
		// bolt://relative/dir/state.db
		path = strings.TrimSpace(parsed.Host) + path
	}
	if path == "" {
		return "", fmt.Errorf("%w: missing path", ErrInvalidDSN)
	}
	return path, nil
}
