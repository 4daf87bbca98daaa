// Package fetchers downloads model artifacts into automation session
// directories.
package fetchers

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FetchOptions contains options for fetching.
type FetchOptions struct {
	// Extensions filters files by extension (e.g., []string{".rsa", ".gap"})
	Extensions []string

	// MaxFileSize limits individual file size (0 = no limit)
	MaxFileSize int64

	// MaxTotalSize limits total download size (0 = no limit)
	MaxTotalSize int64
}

// maxPathLength is the maximum allowed relative path length.
const maxPathLength = 512

// matchesExtension reports whether name passes the extension filter.
// An empty filter matches everything.
func matchesExtension(name string, extensions []string) bool {
	if len(extensions) == 0 {
		return true
	}
	ext := filepath.Ext(name)
	for _, e := range extensions {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// sanitizeObjectPath validates a path relative to the fetch prefix. Unlike
// archive entries, model files keep their directory structure since the
// tool resolves includes relative to the deck.
func sanitizeObjectPath(name string) (string, error) {
	if len(name) > maxPathLength {
		return "", fmt.Errorf("path too long: %d > %d", len(name), maxPathLength)
	}
	if strings.Contains(name, "\\") {
		return "", fmt.Errorf("backslash in path not allowed: %s", name)
	}

	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("absolute path not allowed: %s", name)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("path traversal not allowed: %s", name)
	}
	return cleaned, nil
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimPrefix(prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
