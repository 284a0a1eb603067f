package domain

import (
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading ~ to home.
func ExpandHome(home, path string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// NormalizePath expands ~ and cleans the result. Trailing "/**" is dropped so
// that "~/.ssh" and "~/.ssh/**" compare equal.
func NormalizePath(home, path string) string {
	p := ExpandHome(home, strings.TrimSpace(path))
	p = strings.TrimSuffix(p, "/**")
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

// IsWithin reports whether child equals parent or lies below it.
// Both paths must already be clean and absolute.
func IsWithin(parent, child string) bool {
	if parent == child {
		return true
	}
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, "../")
}
