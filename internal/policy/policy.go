// Package policy holds the built-in permission policy: the deny sets every
// document must carry, the document builder, and structural validation.
package policy

// DenySet is one category of paths the assistant must never reach.
// Implementations provide the category's path patterns.
type DenySet interface {
	// ID returns unique identifier (e.g., "identity", "shell").
	ID() string

	// Name returns human-readable name for display.
	Name() string

	// Patterns returns the denied path patterns.
	// Patterns are absolute, ~/-prefixed, or doublestar globs.
	Patterns() []string
}

// staticSet is a DenySet with a fixed pattern list.
type staticSet struct {
	id       string
	name     string
	patterns []string
}

func (s *staticSet) ID() string   { return s.id }
func (s *staticSet) Name() string { return s.name }

func (s *staticSet) Patterns() []string {
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}
