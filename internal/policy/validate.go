package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// homeParents are directories whose direct children are user home roots.
var homeParents = []string{"/home", "/Users"}

// rootHomes are home roots of system accounts.
var rootHomes = []string{"/root", "/var/root"}

// Validator checks the structural invariants of a PolicyDocument.
type Validator struct {
	home string
	stat func(string) (os.FileInfo, error)
}

// NewValidator creates a validator that expands ~ against home.
func NewValidator(home string) *Validator {
	return &Validator{home: home, stat: os.Stat}
}

// NewValidatorWithStat creates a validator with a custom stat (for testing).
func NewValidatorWithStat(home string, stat func(string) (os.FileInfo, error)) *Validator {
	return &Validator{home: home, stat: stat}
}

// Validate returns an ErrPolicyInvalid-wrapped error listing every violation.
func (v *Validator) Validate(doc domain.PolicyDocument) error {
	var problems []string

	if len(doc.AllowedDirectories) != 1 {
		problems = append(problems,
			fmt.Sprintf("expected exactly one allowed directory, got %d", len(doc.AllowedDirectories)))
	}

	for _, dir := range doc.AllowedDirectories {
		if !filepath.IsAbs(dir) {
			problems = append(problems, fmt.Sprintf("allowed directory %q is not absolute", dir))
			continue
		}
		if reason := ScopeViolation(dir, v.home); reason != "" {
			problems = append(problems, reason)
			continue
		}
		info, err := v.stat(dir)
		if err != nil {
			problems = append(problems, fmt.Sprintf("allowed directory %q does not exist", dir))
			continue
		}
		if !info.IsDir() {
			problems = append(problems, fmt.Sprintf("allowed directory %q is not a directory", dir))
		}
	}

	if len(doc.DeniedPaths) == 0 {
		problems = append(problems, "denied paths are empty")
	}
	for _, pattern := range doc.DeniedPaths {
		expanded := domain.ExpandHome(v.home, pattern)
		if !filepath.IsAbs(expanded) {
			problems = append(problems, fmt.Sprintf("denied path %q is not absolute", pattern))
			continue
		}
		if !doublestar.ValidatePattern(expanded) {
			problems = append(problems, fmt.Sprintf("denied path %q is not a valid pattern", pattern))
			continue
		}
		for _, dir := range doc.AllowedDirectories {
			if filepath.IsAbs(dir) && DenialShadowed(dir, pattern, v.home) {
				problems = append(problems,
					fmt.Sprintf("allowed directory %q overlaps denied path %q", dir, pattern))
			}
		}
	}

	if len(doc.AuxiliaryServices) == 0 {
		problems = append(problems, "no auxiliary services declared")
	}
	names := make([]string, 0, len(doc.AuxiliaryServices))
	for name := range doc.AuxiliaryServices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if doc.AuxiliaryServices[name].Command == "" {
			problems = append(problems, fmt.Sprintf("service %q has no command", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrPolicyInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ScopeViolation returns why dir would effectively unrestrict the assistant,
// or "" when dir is an acceptable allowed directory.
func ScopeViolation(dir, home string) string {
	clean := filepath.Clean(dir)
	if clean == "/" {
		return fmt.Sprintf("allowed directory %q is the filesystem root", dir)
	}
	if home != "" && clean == filepath.Clean(home) {
		return fmt.Sprintf("allowed directory %q is the home directory", dir)
	}
	for _, h := range rootHomes {
		if clean == h {
			return fmt.Sprintf("allowed directory %q is a home directory", dir)
		}
	}
	parent := filepath.Dir(clean)
	for _, p := range homeParents {
		if parent == p || clean == p {
			return fmt.Sprintf("allowed directory %q is a home directory root", dir)
		}
	}
	return ""
}

// DenialShadowed reports whether allowedDir overlaps something pattern
// denies: allowedDir is an ancestor of (or equal to) the pattern's static
// base, or allowedDir lies inside a denied path. For globs the latter means
// the pattern matches allowedDir or one of its ancestors.
func DenialShadowed(allowedDir, pattern, home string) bool {
	allowed := filepath.Clean(allowedDir)
	p := domain.NormalizePath(home, pattern)
	if p == "" {
		return false
	}

	if !hasMeta(p) {
		return domain.IsWithin(allowed, p) || domain.IsWithin(p, allowed)
	}

	base, _ := doublestar.SplitPattern(p)
	if domain.IsWithin(allowed, filepath.Clean(base)) {
		return true
	}
	for dir := allowed; ; dir = filepath.Dir(dir) {
		if matched, err := doublestar.Match(p, dir); err == nil && matched {
			return true
		}
		if dir == filepath.Dir(dir) {
			return false
		}
	}
}

// CoversPattern reports whether denied contains want, treating "P" and "P/**" as equal.
func CoversPattern(denied []string, want, home string) bool {
	target := domain.NormalizePath(home, want)
	for _, d := range denied {
		if domain.NormalizePath(home, d) == target {
			return true
		}
	}
	return false
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
