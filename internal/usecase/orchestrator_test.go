package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

type orchestratorFixture struct {
	*policyEnv
	account  *accountFixture
	probes   *mockProbes
	journal  *mockJournal
	selector *mockSelector
	orch     *Orchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	env := newPolicyEnv(t)
	acct := newAccountFixture(t)
	acct.spec.SharedDirectory = env.project

	probes := newMockProbes(acct.accounts)
	probes.readable[filepath.Join(env.project, ProbeMarkerName)] = true
	probes.writable[env.project] = true
	credential := filepath.Join(env.home, "credentials")
	writeFile(t, credential, "secret")
	launcher := filepath.Join(t.TempDir(), "claude-restricted")
	writeFile(t, launcher, "#!/bin/sh\n")
	require.NoError(t, os.Chmod(launcher, 0755))
	acct.spec.LauncherPath = launcher

	f := &orchestratorFixture{
		policyEnv: env,
		account:   acct,
		probes:    probes,
		journal:   &mockJournal{},
		selector:  &mockSelector{},
	}

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.orch = NewOrchestratorWithClock(OrchestratorDeps{
		Builder:         env.builder,
		Applier:         env.applier,
		PolicyVerifier:  env.verifier,
		Accounts:        acct.manager,
		AccountVerifier: NewAccountVerifier(probes, []string{credential}, launcher, zap.NewNop()),
		Backups:         env.backups,
		Live:            env.live,
		Journal:         f.journal,
		Selector:        f.selector,
		ProjectDir:      env.project,
		Home:            env.home,
		Account:         acct.spec,
	}, zap.NewNop(), func() time.Time { return clock })
	return f
}

func stepStatuses(r *domain.RunReport) map[string]domain.StepStatus {
	out := make(map[string]domain.StepStatus, len(r.Steps))
	for _, s := range r.Steps {
		out[s.Name] = s.Status
	}
	return out
}

func stepNames(r *domain.RunReport) []string {
	out := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Name
	}
	return out
}

func TestOrchestrator_ApplyThenVerifyOnFreshHost(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	report := f.orch.Apply(ctx)
	require.True(t, report.Passed(), "%+v", report.Steps)
	assert.Equal(t, []string{StepValidate, StepBackup, StepApply}, stepNames(report))
	assert.Equal(t, StateIdle, f.orch.State())

	verify := f.orch.Verify(ctx)
	require.True(t, verify.Passed())
	require.NotNil(t, verify.Steps[0].Report)
	assert.Equal(t, 4, verify.Steps[0].Report.PassedCount())
	assert.Equal(t, "4/4 checks passed", verify.Steps[0].Detail)

	var journaled []string
	for _, e := range f.journal.entries {
		journaled = append(journaled, e.Operation+"/"+e.Step)
	}
	assert.Equal(t, []string{"apply/backup", "apply/apply"}, journaled, "verification is not journaled")
}

func TestOrchestrator_ApplyIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	require.True(t, f.orch.Apply(ctx).Passed())
	first := f.readLive(t)
	second := f.orch.Apply(ctx)
	require.True(t, second.Passed())
	assert.Equal(t, first, f.readLive(t))
	assert.Contains(t, second.Steps[2].Detail, "unchanged")
}

func TestOrchestrator_RollbackRoundTrip(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	original := `{"permissions": {"additionalDirectories": ["/srv/old"]}}`
	f.writeLive(t, original)

	require.True(t, f.orch.Apply(ctx).Passed())
	assert.NotEqual(t, original, f.readLive(t))

	records, err := f.orch.ListBackups(0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	report := f.orch.Rollback(ctx, records[0].ID)
	require.True(t, report.Passed(), "%+v", report.Steps)
	assert.Equal(t, []string{StepSelectBackup, StepBackup, StepRestore}, stepNames(report))
	assert.Equal(t, original, f.readLive(t))

	after, err := f.orch.ListBackups(0)
	require.NoError(t, err)
	assert.Len(t, after, 2, "rollback snapshots the state it replaces")
}

func TestOrchestrator_RollbackInteractive(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	f.writeLive(t, `{"permissions": {}}`)
	require.True(t, f.orch.Apply(ctx).Passed())

	f.selector.ok = false
	declined := f.orch.Rollback(ctx, "")
	assert.Equal(t, domain.StepDeclined, declined.Steps[0].Status)
	assert.Equal(t, domain.StepSkipped, declined.Steps[2].Status)
	assert.True(t, declined.Passed(), "declining is not a failure")

	f.selector.ok = true
	f.selector.index = 0
	picked := f.orch.Rollback(ctx, "")
	require.True(t, picked.Passed())
	assert.Len(t, f.selector.options, 1)
	assert.Equal(t, `{"permissions": {}}`, f.readLive(t))
}

func TestOrchestrator_RollbackUnknownID(t *testing.T) {
	f := newOrchestratorFixture(t)

	report := f.orch.Rollback(context.Background(), "20990101T000000.000000000Z")
	assert.False(t, report.Passed())
	statuses := stepStatuses(report)
	assert.Equal(t, domain.StepFailed, statuses[StepSelectBackup])
	assert.Equal(t, domain.StepSkipped, statuses[StepRestore])
}

func TestOrchestrator_FullAsRoot(t *testing.T) {
	f := newOrchestratorFixture(t)

	report := f.orch.Full(context.Background())
	require.True(t, report.Passed(), "%+v", report.Steps)
	assert.Equal(t, []string{
		StepValidate, StepBackup, StepApply, StepVerifyPolicy, StepCreateAccount, StepVerifyAccount,
	}, stepNames(report))
	assert.Equal(t, 6, report.Steps[5].Report.PassedCount())
}

func TestOrchestrator_FullHaltsWithoutRoot(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.account.euid = 1000

	report := f.orch.Full(context.Background())
	assert.False(t, report.Passed())
	statuses := stepStatuses(report)
	assert.Equal(t, domain.StepPassed, statuses[StepApply], "policy steps still ran")
	assert.Equal(t, domain.StepFailed, statuses[StepCreateAccount])
	assert.Equal(t, domain.StepSkipped, statuses[StepVerifyAccount])
	assert.Contains(t, report.Steps[4].Detail, domain.RootRemediation)
}

func TestOrchestrator_FullHaltsOnInvalidPolicy(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.orch.deps.ProjectDir = f.home

	report := f.orch.Full(context.Background())
	assert.False(t, report.Passed())
	assert.Equal(t, domain.StepFailed, report.Steps[0].Status)
	for _, s := range report.Steps[1:] {
		assert.Equal(t, domain.StepSkipped, s.Status, s.Name)
	}
	assert.Empty(t, f.account.accounts.created)
}

func TestOrchestrator_CreateAccountDeclined(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.account.accounts.users["claude-agent"] = true

	report := f.orch.CreateAccount(context.Background())
	assert.True(t, report.Passed())
	assert.False(t, report.Incomplete)
	assert.Equal(t, domain.StepDeclined, report.Steps[0].Status)
	assert.Equal(t, domain.StepSkipped, report.Steps[1].Status)
	assert.Equal(t, declinedEarlierDetail, report.Steps[1].Detail)
	assert.Empty(t, f.account.accounts.deleted)
}

func TestOrchestrator_FullDeclinedRecreateIsIncomplete(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.account.accounts.users["claude-agent"] = true

	report := f.orch.Full(context.Background())
	assert.False(t, report.Passed(), "the policy was written but the account was never verified")
	assert.True(t, report.Incomplete)
	statuses := stepStatuses(report)
	assert.Equal(t, domain.StepPassed, statuses[StepApply])
	assert.Equal(t, domain.StepDeclined, statuses[StepCreateAccount])
	assert.Equal(t, domain.StepSkipped, statuses[StepVerifyAccount])
	assert.Equal(t, declinedEarlierDetail, report.Steps[5].Detail)
	assert.Empty(t, f.account.accounts.deleted)
}

func TestOrchestrator_CheckWithoutAccount(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.True(t, f.orch.Apply(context.Background()).Passed())

	report := f.orch.Check(context.Background())
	assert.True(t, report.Passed())
	assert.Equal(t, domain.StepSkipped, stepStatuses(report)[StepVerifyAccount])
}

func TestOrchestrator_CheckFailsWhenAccountLookupFails(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.True(t, f.orch.Apply(context.Background()).Passed())
	f.account.accounts.existsErr = errors.New("nss backend unavailable")

	report := f.orch.Check(context.Background())
	assert.False(t, report.Passed())
	assert.Equal(t, domain.StepPassed, stepStatuses(report)[StepVerifyPolicy])
	assert.Equal(t, domain.StepFailed, stepStatuses(report)[StepVerifyAccount])
	assert.Contains(t, report.Steps[1].Detail, "nss backend unavailable")
}

func TestOrchestrator_CheckDetectsRemovedAccountAndDrift(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	require.True(t, f.orch.Full(ctx).Passed())

	report := f.orch.Check(ctx)
	require.True(t, report.Passed(), "%+v", report.Steps)
	assert.Equal(t, domain.StepPassed, stepStatuses(report)[StepConsistency])

	// Account verification still runs after a policy failure.
	f.writeLive(t, `{"permissions": {"additionalDirectories": ["/srv/elsewhere"], "deny": []}}`)
	drifted := f.orch.Check(ctx)
	statuses := stepStatuses(drifted)
	assert.Equal(t, domain.StepFailed, statuses[StepVerifyPolicy])
	assert.Equal(t, domain.StepPassed, statuses[StepVerifyAccount])
	assert.Equal(t, domain.StepFailed, statuses[StepConsistency])

	require.True(t, f.orch.RemoveAccount(ctx).Passed())
	verify := f.orch.deps.AccountVerifier.Verify(ctx, "claude-agent", f.project)
	assert.False(t, checkByName(t, verify, CheckAccountExists).Passed)
}

func TestOrchestrator_Show(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	require.True(t, f.orch.Full(ctx).Passed())

	show := f.orch.Show(ctx, 10)
	require.NoError(t, show.DocumentError)
	assert.Equal(t, []string{f.project}, show.Document.AllowedDirectories)
	require.NotNil(t, show.Account)
	assert.Equal(t, "claude-agent", show.Account.Username)
	assert.NotEmpty(t, show.Journal)
}

func TestOrchestrator_JournalFailureDoesNotFailRun(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.journal.appendErr = errors.New("disk full")

	assert.True(t, f.orch.Apply(context.Background()).Passed())
}

func TestOrchestrator_JournalDetailKeepsRunesWhole(t *testing.T) {
	f := newOrchestratorFixture(t)
	detail := strings.Repeat("a", maxJournalDetailSize-1) + "é and more"

	f.orch.record("apply", domain.StepResult{Name: StepApply, Status: domain.StepFailed, Detail: detail})
	require.Len(t, f.journal.entries, 1)
	got := f.journal.entries[0].Detail
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), maxJournalDetailSize)
	assert.Equal(t, strings.Repeat("a", maxJournalDetailSize-1), got)
}

func TestOrchestrator_CancelledContext(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.orch.Apply(ctx)
	assert.False(t, report.Passed())
	assert.Equal(t, domain.StepFailed, report.Steps[0].Status)
	assert.Equal(t, domain.StepSkipped, report.Steps[1].Status)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "verifying-account", StateVerifyingAccount.String())
	assert.Equal(t, "unknown", State(99).String())
}
