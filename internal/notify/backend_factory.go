package notify

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// BuildDismissalBackendFromDSN selects a dismissal backend by DSN scheme:
// file paths (bare or file://) for single-machine use, memory: for tests,
// postgres:// for shared storage. An empty DSN returns nil so the caller can
// apply its own default.
func BuildDismissalBackendFromDSN(dsn string) (DismissalBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileDismissalBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryDismissalBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresDismissalBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported dismissal backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return filepath.Clean(raw), nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if parsed.Opaque != "" {
		path = parsed.Opaque
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("file DSN is missing a path: %s", raw)
	}
	return filepath.Clean(path), nil
}
