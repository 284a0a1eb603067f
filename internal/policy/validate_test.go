package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

func newTestDocument(t *testing.T) (domain.PolicyDocument, string) {
	t.Helper()
	home := t.TempDir()
	project := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(project, 0755))
	return NewBuilder(NewRegistry()).Build(project), home
}

func TestValidate_DefaultDocumentIsValid(t *testing.T) {
	doc, home := newTestDocument(t)
	assert.NoError(t, NewValidator(home).Validate(doc))
}

func TestValidate_Violations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc *domain.PolicyDocument, home string)
	}{
		{
			name: "two allowed directories",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = append(doc.AllowedDirectories, "/tmp")
			},
		},
		{
			name: "no allowed directory",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = nil
			},
		},
		{
			name: "filesystem root",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = []string{"/"}
			},
		},
		{
			name: "home directory",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = []string{home}
			},
		},
		{
			name: "relative directory",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = []string{"work/project"}
			},
		},
		{
			name: "missing directory",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = []string{"/nonexistent/agentguard/project"}
			},
		},
		{
			name: "denied path under allowed directory",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.DeniedPaths = append(doc.DeniedPaths, filepath.Join(doc.AllowedDirectories[0], ".env"))
			},
		},
		{
			name: "allowed directory inside denied path",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AllowedDirectories = []string{filepath.Join(home, ".ssh", "project")}
			},
		},
		{
			name: "relative denied path",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.DeniedPaths = append(doc.DeniedPaths, "secrets")
			},
		},
		{
			name: "service without command",
			mutate: func(doc *domain.PolicyDocument, home string) {
				doc.AuxiliaryServices[DefaultPersistenceService] = domain.ServiceDescriptor{}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, home := newTestDocument(t)
			require.NoError(t, os.MkdirAll(filepath.Join(home, ".ssh", "project"), 0700))
			tt.mutate(&doc, home)

			err := NewValidator(home).Validate(doc)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrPolicyInvalid))
		})
	}
}

func TestValidate_AllowedInsideDeniedPath(t *testing.T) {
	home := t.TempDir()
	project := filepath.Join(home, ".ssh", "project")
	require.NoError(t, os.MkdirAll(project, 0700))

	err := NewValidator(home).Validate(NewBuilder(NewRegistry()).Build(project))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps denied path \"~/.ssh\"")
}

func TestValidate_ProblemsAreOrdered(t *testing.T) {
	doc, home := newTestDocument(t)
	doc.AuxiliaryServices["zeta"] = domain.ServiceDescriptor{}
	doc.AuxiliaryServices["alpha"] = domain.ServiceDescriptor{}

	for i := 0; i < 5; i++ {
		err := NewValidator(home).Validate(doc)
		require.Error(t, err)
		msg := err.Error()
		assert.Less(t, strings.Index(msg, `"alpha"`), strings.Index(msg, `"zeta"`))
	}
}

func TestScopeViolation(t *testing.T) {
	tests := []struct {
		dir      string
		home     string
		violates bool
	}{
		{"/", "/home/alice", true},
		{"/home/alice", "/home/alice", true},
		{"/home/alice/", "/home/alice", true},
		{"/home/bob", "/home/alice", true},
		{"/Users/carol", "/home/alice", true},
		{"/root", "/home/alice", true},
		{"/home", "/home/alice", true},
		{"/home/alice/project", "/home/alice", false},
		{"/work/project", "/home/alice", false},
	}

	for _, tt := range tests {
		t.Run(tt.dir, func(t *testing.T) {
			got := ScopeViolation(tt.dir, tt.home)
			assert.Equal(t, tt.violates, got != "", "ScopeViolation(%q) = %q", tt.dir, got)
		})
	}
}

func TestDenialShadowed(t *testing.T) {
	home := "/home/alice"
	tests := []struct {
		name     string
		allowed  string
		pattern  string
		expected bool
	}{
		{"unrelated", "/work/project", "~/.ssh", false},
		{"allowed is ancestor", "/home/alice/work", "/home/alice/work/.env", true},
		{"allowed equals denied", "/work/project", "/work/project", true},
		{"allowed contains glob base", "/home/alice", "~/.aws/**", true},
		{"glob matches allowed", "/work/secret-project", "/work/secret-*", true},
		{"glob elsewhere", "/work/project", "/srv/*/keys", false},
		{"allowed inside denied directory", "/home/alice/.ssh/project", "~/.ssh", true},
		{"allowed inside recursive denial", "/home/alice/.aws/work", "~/.aws/**", true},
		{"allowed inside glob match", "/work/secret-project/src", "/work/secret-*", true},
		{"sibling of denied directory", "/home/alice/.sshd-work", "~/.ssh", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DenialShadowed(tt.allowed, tt.pattern, home))
		})
	}
}

func TestCoversPattern(t *testing.T) {
	home := "/home/alice"
	denied := []string{"~/.ssh/**", "/etc/shadow", "/home/alice/.aws"}

	assert.True(t, CoversPattern(denied, "~/.ssh", home))
	assert.True(t, CoversPattern(denied, "/etc/shadow", home))
	assert.True(t, CoversPattern(denied, "~/.aws", home))
	assert.False(t, CoversPattern(denied, "~/.kube", home))
}
