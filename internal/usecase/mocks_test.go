package usecase

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/infra"
	"github.com/eliteGoblin/focusd/agent_guard/internal/policy"
)

// mockProcessManager implements domain.ProcessManager for testing
type mockProcessManager struct {
	findResult map[string][]int
	findErr    error
}

func (m *mockProcessManager) FindByName(pattern string) ([]int, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.findResult[pattern], nil
}

// mockAccounts implements domain.AccountDatabase over an in-memory set.
type mockAccounts struct {
	users     map[string]bool
	created   []string
	deleted   []string
	createErr error
	deleteErr error
	existsErr error
}

func newMockAccounts(existing ...string) *mockAccounts {
	m := &mockAccounts{users: make(map[string]bool)}
	for _, u := range existing {
		m.users[u] = true
	}
	return m
}

func (m *mockAccounts) Exists(username string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.users[username], nil
}

func (m *mockAccounts) Create(_ context.Context, username, _ string) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.users[username] = true
	m.created = append(m.created, username)
	return nil
}

func (m *mockAccounts) Delete(_ context.Context, username string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.users, username)
	m.deleted = append(m.deleted, username)
	return nil
}

func (m *mockAccounts) HomeDirectory(username string) string { return "/home/" + username }

func (m *mockAccounts) AddToGroup(context.Context, string, string) error { return nil }

// mockAccess implements domain.AccessGranter.
type mockAccess struct {
	mechanism domain.AccessMechanism
	grantErr  error
	granted   []string
	revoked   []string
}

func (m *mockAccess) Grant(_ context.Context, username, dir string) (domain.AccessMechanism, error) {
	if m.grantErr != nil {
		return "", m.grantErr
	}
	m.granted = append(m.granted, username+":"+dir)
	if m.mechanism == "" {
		return domain.AccessACL, nil
	}
	return m.mechanism, nil
}

func (m *mockAccess) Revoke(_ context.Context, username, dir string) error {
	m.revoked = append(m.revoked, username+":"+dir)
	return nil
}

// mockInstaller implements domain.LauncherInstaller and domain.DelegationInstaller.
type mockInstaller struct {
	launchers map[string]bool
	rules     map[string]domain.DelegationMode
	mode      domain.DelegationMode // mode InstallDelegation reports; empty means requested

	launcherErr   error
	delegationErr error
}

func newMockInstaller() *mockInstaller {
	return &mockInstaller{launchers: make(map[string]bool), rules: make(map[string]domain.DelegationMode)}
}

func (m *mockInstaller) InstallLauncher(spec domain.AccountSpec) error {
	if m.launcherErr != nil {
		return m.launcherErr
	}
	m.launchers[spec.LauncherPath] = true
	return nil
}

func (m *mockInstaller) RemoveLauncher(path string) error {
	delete(m.launchers, path)
	return nil
}

func (m *mockInstaller) InstallDelegation(_ context.Context, spec domain.AccountSpec) (string, domain.DelegationMode, error) {
	if m.delegationErr != nil {
		return "", "", m.delegationErr
	}
	mode := spec.DelegationMode
	if m.mode != "" {
		mode = m.mode
	}
	path := m.RulePath(spec.SudoersDir, spec.Username)
	m.rules[path] = mode
	return path, mode, nil
}

func (m *mockInstaller) RemoveDelegation(sudoersDir, username string) error {
	delete(m.rules, m.RulePath(sudoersDir, username))
	return nil
}

func (m *mockInstaller) RulePath(sudoersDir, username string) string {
	return filepath.Join(sudoersDir, "agentguard-"+username)
}

// mockLocker implements domain.Locker.
type mockLocker struct {
	held     map[string]bool
	released int
}

func newMockLocker() *mockLocker { return &mockLocker{held: make(map[string]bool)} }

func (m *mockLocker) Lock(name string) (func() error, error) {
	if m.held[name] {
		return nil, domain.ErrLocked
	}
	m.held[name] = true
	return func() error {
		delete(m.held, name)
		m.released++
		return nil
	}, nil
}

// mockConfirmer answers every question with answer.
type mockConfirmer struct {
	answer bool
	asked  []string
}

func (m *mockConfirmer) Confirm(question string) bool {
	m.asked = append(m.asked, question)
	return m.answer
}

// mockSelector picks index, or nothing when ok is false.
type mockSelector struct {
	index   int
	ok      bool
	options []string
}

func (m *mockSelector) Select(_ string, options []string) (int, bool) {
	m.options = options
	return m.index, m.ok
}

// mockProbes implements domain.ProbeRunner with a fixed view of the account.
type mockProbes struct {
	accounts *mockAccounts
	canSudo  bool
	readable map[string]bool
	writable map[string]bool
	probeErr error
}

func newMockProbes(accounts *mockAccounts) *mockProbes {
	return &mockProbes{accounts: accounts, readable: make(map[string]bool), writable: make(map[string]bool)}
}

func (m *mockProbes) AccountExists(username string) (bool, error) {
	return m.accounts.Exists(username)
}

func (m *mockProbes) RunCommand(_ context.Context, probe domain.CommandProbe) domain.ProbeOutcome {
	if m.probeErr != nil {
		return domain.ProbeOutcome{Err: m.probeErr}
	}
	if !m.accounts.users[probe.User] {
		return domain.ProbeOutcome{Err: domain.ErrProbeFailure}
	}
	return domain.ProbeOutcome{Succeeded: m.canSudo}
}

func (m *mockProbes) CheckAccess(_ context.Context, probe domain.FileAccessProbe) domain.ProbeOutcome {
	if m.probeErr != nil {
		return domain.ProbeOutcome{Err: m.probeErr}
	}
	if !m.accounts.users[probe.User] {
		return domain.ProbeOutcome{Err: domain.ErrProbeFailure}
	}
	if probe.Mode == domain.AccessWrite {
		return domain.ProbeOutcome{Succeeded: m.writable[probe.Path], Detail: "Permission denied"}
	}
	return domain.ProbeOutcome{Succeeded: m.readable[probe.Path], Detail: "Permission denied"}
}

// mockJournal implements domain.Journal in memory.
type mockJournal struct {
	entries   []domain.JournalEntry
	appendErr error
}

func (m *mockJournal) Append(entry domain.JournalEntry) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockJournal) Recent(n int) ([]domain.JournalEntry, error) {
	out := make([]domain.JournalEntry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *mockJournal) Close() error { return nil }

// policyEnv is a real live file and backup store rooted in temp directories.
type policyEnv struct {
	home      string
	project   string
	livePath  string
	backupDir string
	builder   *policy.Builder
	live      *infra.LiveConfigFile
	backups   *infra.BackupManager
	procs     *mockProcessManager
	applier   *PolicyApplier
	verifier  *PolicyVerifier
}

func newPolicyEnv(t *testing.T) *policyEnv {
	t.Helper()
	home := t.TempDir()
	project := filepath.Join(t.TempDir(), "project")
	require.NoError(t, os.MkdirAll(project, 0755))

	fs := infra.NewFileSystemManagerWithHome(home)
	live := infra.NewLiveConfig("~/.claude/settings.json", fs)
	backupDir := filepath.Join(t.TempDir(), "backups")
	backups := infra.NewBackupManager(backupDir, fs, zap.NewNop())
	builder := policy.NewBuilder(policy.NewRegistry())
	procs := &mockProcessManager{}

	name, svc := builder.PersistenceService()
	env := &policyEnv{
		home:      home,
		project:   project,
		livePath:  live.Path(),
		backupDir: backupDir,
		builder:   builder,
		live:      live,
		backups:   backups,
		procs:     procs,
	}
	env.applier = NewPolicyApplier(live, backups, policy.NewValidator(home), zap.NewNop()).
		WithProcessDetection(procs, "claude")
	env.verifier = NewPolicyVerifier(live, PolicyExpectation{
		ProjectDir:      project,
		RequiredDenials: builder.RequiredDenials(),
		ServiceName:     name,
		Service:         svc,
		Home:            home,
	}, zap.NewNop())
	return env
}

func (e *policyEnv) writeLive(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(e.livePath), 0700))
	require.NoError(t, os.WriteFile(e.livePath, []byte(content), 0600))
}

func (e *policyEnv) readLive(t *testing.T) string {
	t.Helper()
	b, err := os.ReadFile(e.livePath)
	require.NoError(t, err)
	return string(b)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}
