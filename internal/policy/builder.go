package policy

import (
	"path/filepath"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// DefaultPersistenceService is the name of the auxiliary persistence helper.
const DefaultPersistenceService = "memory"

// DefaultPersistenceDescriptor is the expected launch form of the persistence helper.
func DefaultPersistenceDescriptor() domain.ServiceDescriptor {
	return domain.ServiceDescriptor{
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-memory"},
	}
}

// Builder constructs PolicyDocuments from built-in defaults.
// Extra denials can only add to the required set.
type Builder struct {
	registry     *Registry
	extraDenials []string
	serviceName  string
	service      domain.ServiceDescriptor
}

// NewBuilder creates a builder over the given registry.
func NewBuilder(registry *Registry) *Builder {
	return &Builder{
		registry:    registry,
		serviceName: DefaultPersistenceService,
		service:     DefaultPersistenceDescriptor(),
	}
}

// WithExtraDenials appends operator-supplied denials.
func (b *Builder) WithExtraDenials(patterns ...string) *Builder {
	b.extraDenials = append(b.extraDenials, patterns...)
	return b
}

// WithPersistenceService overrides the persistence helper declaration.
func (b *Builder) WithPersistenceService(name string, desc domain.ServiceDescriptor) *Builder {
	if name != "" {
		b.serviceName = name
	}
	if desc.Command != "" {
		b.service = desc
	}
	return b
}

// PersistenceService returns the configured helper name and descriptor.
func (b *Builder) PersistenceService() (string, domain.ServiceDescriptor) {
	return b.serviceName, b.service
}

// RequiredDenials returns the patterns every applied document must carry.
func (b *Builder) RequiredDenials() []string {
	return b.registry.RequiredDenials()
}

// Build returns a fresh document for a single project directory.
func (b *Builder) Build(projectDir string) domain.PolicyDocument {
	denied := b.registry.RequiredDenials()
	seen := make(map[string]bool, len(denied))
	for _, p := range denied {
		seen[p] = true
	}
	for _, p := range b.extraDenials {
		if !seen[p] {
			seen[p] = true
			denied = append(denied, p)
		}
	}

	args := make([]string, len(b.service.Args))
	copy(args, b.service.Args)

	return domain.PolicyDocument{
		AllowedDirectories: []string{filepath.Clean(projectDir)},
		DeniedPaths:        denied,
		AuxiliaryServices: map[string]domain.ServiceDescriptor{
			b.serviceName: {Command: b.service.Command, Args: args},
		},
	}
}
