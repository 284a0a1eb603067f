package infra

import (
	"context"
	"os/user"
	"strings"
)

// mockCommandRunner records commands and answers from fail/output hooks.
type mockCommandRunner struct {
	calls  []string
	fail   func(cmd string) error
	output map[string]string // keyed by full command line
}

func newMockCommandRunner() *mockCommandRunner {
	return &mockCommandRunner{output: make(map[string]string)}
}

func (m *mockCommandRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := m.Output(ctx, name, args...)
	return err
}

func (m *mockCommandRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	m.calls = append(m.calls, line)
	if m.fail != nil {
		if err := m.fail(line); err != nil {
			return nil, err
		}
	}
	return []byte(m.output[line]), nil
}

// ran reports whether a recorded command starts with prefix.
func (m *mockCommandRunner) ran(prefix string) bool {
	for _, c := range m.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// fakeLookup resolves only the given users.
func fakeLookup(users ...*user.User) func(string) (*user.User, error) {
	return func(name string) (*user.User, error) {
		for _, u := range users {
			if u.Username == name {
				return u, nil
			}
		}
		return nil, user.UnknownUserError(name)
	}
}
