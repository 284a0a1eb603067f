package policy

import "fmt"

// Registry holds the deny sets in registration order.
type Registry struct {
	sets  []DenySet
	index map[string]int
}

// NewRegistry creates a registry with all built-in deny sets.
func NewRegistry() *Registry {
	return NewRegistryWithSets(
		NewIdentitySet(),
		NewCredentialSet(),
		NewShellSet(),
		NewSystemAuthSet(),
	)
}

// NewRegistryWithSets creates a registry with custom sets (for testing).
func NewRegistryWithSets(sets ...DenySet) *Registry {
	r := &Registry{index: make(map[string]int)}
	for _, s := range sets {
		r.Register(s)
	}
	return r
}

// Register adds a set, replacing any set with the same ID in place.
func (r *Registry) Register(s DenySet) {
	if i, ok := r.index[s.ID()]; ok {
		r.sets[i] = s
		return
	}
	r.index[s.ID()] = len(r.sets)
	r.sets = append(r.sets, s)
}

// Get returns a set by ID.
func (r *Registry) Get(id string) (DenySet, error) {
	i, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("deny set not found: %s", id)
	}
	return r.sets[i], nil
}

// GetAll returns all sets in registration order.
func (r *Registry) GetAll() []DenySet {
	out := make([]DenySet, len(r.sets))
	copy(out, r.sets)
	return out
}

// RequiredDenials returns every pattern of every set, deduplicated, in order.
func (r *Registry) RequiredDenials() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range r.sets {
		for _, p := range s.Patterns() {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
