package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/policy"
)

// State is the orchestrator's position in a run.
type State int

const (
	StateIdle State = iota
	StateBackingUp
	StateApplying
	StateVerifyingPolicy
	StateCreatingAccount
	StateVerifyingAccount
	StateRemovingAccount
	StateRestoring
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBackingUp:
		return "backing-up"
	case StateApplying:
		return "applying"
	case StateVerifyingPolicy:
		return "verifying-policy"
	case StateCreatingAccount:
		return "creating-account"
	case StateVerifyingAccount:
		return "verifying-account"
	case StateRemovingAccount:
		return "removing-account"
	case StateRestoring:
		return "restoring"
	case StateReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

// Step names as they appear in reports and the journal.
const (
	StepValidate      = "validate"
	StepBackup        = "backup"
	StepApply         = "apply"
	StepVerifyPolicy  = "verify-policy"
	StepCreateAccount = "create-account"
	StepVerifyAccount = "verify-account"
	StepRemoveAccount = "remove-account"
	StepConsistency   = "consistency"
	StepSelectBackup  = "select-backup"
	StepRestore       = "restore"
)

const (
	notAttemptedDetail    = "not attempted: an earlier step failed"
	declinedEarlierDetail = "not attempted: an earlier step was declined"
	rollbackChoiceLimit   = 10
	maxJournalDetailSize  = 512
)

// journaled lists the steps that mutate state and are written to the journal.
var journaled = map[string]bool{
	StepBackup:        true,
	StepApply:         true,
	StepCreateAccount: true,
	StepRemoveAccount: true,
	StepRestore:       true,
}

// OrchestratorDeps bundles everything the orchestrator drives.
type OrchestratorDeps struct {
	Builder         *policy.Builder
	Applier         *PolicyApplier
	PolicyVerifier  *PolicyVerifier
	Accounts        *PrivilegeSeparationManager
	AccountVerifier *AccountVerifier
	Backups         domain.BackupStore
	Live            domain.LiveConfig
	Journal         domain.Journal // optional
	Selector        domain.Selector
	ProjectDir      string
	Home            string // invoking user's home, for ~ in the live file
	Account         domain.AccountSpec
}

// Orchestrator sequences apply, verification and account provisioning.
// Steps within a run are strictly sequential; the first failure halts the run
// and the remaining steps are reported as skipped.
type Orchestrator struct {
	deps   OrchestratorDeps
	state  State
	now    func() time.Time
	logger *zap.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps OrchestratorDeps, logger *zap.Logger) *Orchestrator {
	return NewOrchestratorWithClock(deps, logger, time.Now)
}

// NewOrchestratorWithClock creates an orchestrator with an injectable clock (for testing).
func NewOrchestratorWithClock(deps OrchestratorDeps, logger *zap.Logger, now func() time.Time) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.ProjectDir = filepath.Clean(deps.ProjectDir)
	deps.Account.SharedDirectory = deps.ProjectDir
	return &Orchestrator{deps: deps, state: StateIdle, now: now, logger: logger}
}

// State returns the current state. It is StateIdle between runs.
func (o *Orchestrator) State() State {
	return o.state
}

type step struct {
	name  string
	state State
	run   func(ctx context.Context) domain.StepResult
}

// Apply validates, backs up and writes the policy.
func (o *Orchestrator) Apply(ctx context.Context) *domain.RunReport {
	doc := o.deps.Builder.Build(o.deps.ProjectDir)
	return o.runSequence(ctx, "apply", o.applySteps(doc))
}

// Verify re-reads the live file and scores it.
func (o *Orchestrator) Verify(ctx context.Context) *domain.RunReport {
	return o.runSequence(ctx, "verify", []step{o.verifyPolicyStep()})
}

// CreateAccount provisions the restricted account and verifies it.
func (o *Orchestrator) CreateAccount(ctx context.Context) *domain.RunReport {
	return o.runSequence(ctx, "create-account", []step{o.createAccountStep(), o.verifyAccountStep()})
}

// RemoveAccount removes the restricted account and its launcher and rule.
func (o *Orchestrator) RemoveAccount(ctx context.Context) *domain.RunReport {
	return o.runSequence(ctx, "remove-account", []step{{
		name:  StepRemoveAccount,
		state: StateRemovingAccount,
		run: func(ctx context.Context) domain.StepResult {
			if err := o.deps.Accounts.RemoveAccount(ctx, o.deps.Account); err != nil {
				return failedStep(err)
			}
			return domain.StepResult{Status: domain.StepPassed, Detail: "removed " + o.deps.Account.Username}
		},
	}})
}

// Full runs apply, policy verification, account creation and account
// verification in order.
func (o *Orchestrator) Full(ctx context.Context) *domain.RunReport {
	doc := o.deps.Builder.Build(o.deps.ProjectDir)
	steps := o.applySteps(doc)
	steps = append(steps, o.verifyPolicyStep(), o.createAccountStep(), o.verifyAccountStep())
	return o.runSequence(ctx, "full", steps)
}

// Check verifies without mutating: the policy, the account if it exists, and
// that the account's shared directory is the policy's allowed directory.
func (o *Orchestrator) Check(ctx context.Context) *domain.RunReport {
	steps := []step{o.verifyPolicyStep()}

	exists, err := o.deps.Accounts.Exists(o.deps.Account.Username)
	if err != nil || !exists {
		res := domain.StepResult{Status: domain.StepSkipped, Detail: "no restricted account provisioned"}
		if err != nil {
			res = domain.StepResult{Status: domain.StepFailed, Detail: "account lookup failed: " + err.Error()}
		}
		steps = append(steps, step{
			name:  StepVerifyAccount,
			state: StateVerifyingAccount,
			run:   func(context.Context) domain.StepResult { return res },
		})
		return o.runAll(ctx, "check", steps)
	}

	steps = append(steps, o.verifyAccountStep(), step{
		name:  StepConsistency,
		state: StateVerifyingAccount,
		run:   o.checkConsistency,
	})
	return o.runAll(ctx, "check", steps)
}

// ShowReport is the read-only view printed by show.
type ShowReport struct {
	LivePath         string
	Document         *domain.PolicyDocument
	DocumentError    error
	Account          *domain.RestrictedAccount
	Backups          []domain.BackupRecord
	Journal          []domain.JournalEntry
	AssistantRunning bool
}

// Show gathers the current state without changing anything.
func (o *Orchestrator) Show(_ context.Context, recent int) *ShowReport {
	report := &ShowReport{LivePath: o.deps.Live.Path()}
	report.Document, report.DocumentError = o.deps.Live.Read()

	if account, err := o.deps.Accounts.Describe(o.deps.Account); err == nil {
		report.Account = account
	} else if !errors.Is(err, domain.ErrNotFound) {
		o.logger.Debug("describe account failed", zap.Error(err))
	}

	if backups, err := o.deps.Backups.ListRecent(recent); err == nil {
		report.Backups = backups
	} else {
		o.logger.Debug("list backups failed", zap.Error(err))
	}
	if o.deps.Journal != nil {
		if entries, err := o.deps.Journal.Recent(recent); err == nil {
			report.Journal = entries
		} else {
			o.logger.Debug("read journal failed", zap.Error(err))
		}
	}
	report.AssistantRunning = o.deps.Applier.assistantRunning()
	return report
}

// ListBackups returns up to n backups, newest first.
func (o *Orchestrator) ListBackups(n int) ([]domain.BackupRecord, error) {
	return o.deps.Backups.ListRecent(n)
}

// Rollback restores backup id. With an empty id the operator picks one of
// the most recent backups. The current live file is snapshotted first so the
// rollback itself can be undone.
func (o *Orchestrator) Rollback(ctx context.Context, id string) *domain.RunReport {
	var record *domain.BackupRecord

	selectStep := step{
		name:  StepSelectBackup,
		state: StateRestoring,
		run: func(context.Context) domain.StepResult {
			rec, res := o.selectBackup(id)
			record = rec
			return res
		},
	}
	backupStep := step{
		name:  StepBackup,
		state: StateBackingUp,
		run: func(context.Context) domain.StepResult {
			rec, err := o.deps.Applier.Backup()
			if err != nil {
				return failedStep(err)
			}
			return backupResult(rec)
		},
	}
	restoreStep := step{
		name:  StepRestore,
		state: StateRestoring,
		run: func(context.Context) domain.StepResult {
			if err := o.deps.Backups.Restore(*record); err != nil {
				return failedStep(err)
			}
			return domain.StepResult{Status: domain.StepPassed, Detail: fmt.Sprintf("restored %s to %s", record.ID, record.SourcePath)}
		},
	}
	return o.runSequence(ctx, "rollback", []step{selectStep, backupStep, restoreStep})
}

func (o *Orchestrator) selectBackup(id string) (*domain.BackupRecord, domain.StepResult) {
	if id != "" {
		rec, err := o.deps.Backups.Get(id)
		if err != nil {
			return nil, failedStep(err)
		}
		return rec, domain.StepResult{Status: domain.StepPassed, Detail: rec.ID}
	}

	records, err := o.deps.Backups.ListRecent(rollbackChoiceLimit)
	if err != nil {
		return nil, failedStep(err)
	}
	if len(records) == 0 {
		return nil, failedStep(fmt.Errorf("no backups available: %w", domain.ErrNotFound))
	}
	if o.deps.Selector == nil {
		return nil, domain.StepResult{Status: domain.StepDeclined, Detail: "no backup selected (use --to)"}
	}

	options := make([]string, len(records))
	for i, r := range records {
		label := r.Timestamp.Local().Format("2006-01-02 15:04:05") + "  " + r.ID
		if r.Corrupt {
			label += "  (corrupt)"
		}
		options[i] = label
	}
	idx, ok := o.deps.Selector.Select("Select a backup to restore", options)
	if !ok || idx < 0 || idx >= len(records) {
		return nil, domain.StepResult{Status: domain.StepDeclined, Detail: "no backup selected"}
	}
	rec := records[idx]
	return &rec, domain.StepResult{Status: domain.StepPassed, Detail: rec.ID}
}

func (o *Orchestrator) applySteps(doc domain.PolicyDocument) []step {
	return []step{
		{
			name:  StepValidate,
			state: StateApplying,
			run: func(context.Context) domain.StepResult {
				if err := o.deps.Applier.Validate(doc); err != nil {
					return failedStep(err)
				}
				return domain.StepResult{Status: domain.StepPassed, Detail: "policy document is valid"}
			},
		},
		{
			name:  StepBackup,
			state: StateBackingUp,
			run: func(context.Context) domain.StepResult {
				rec, err := o.deps.Applier.Backup()
				if err != nil {
					return failedStep(err)
				}
				return backupResult(rec)
			},
		},
		{
			name:  StepApply,
			state: StateApplying,
			run: func(context.Context) domain.StepResult {
				res, err := o.deps.Applier.Write(doc)
				if err != nil {
					return failedStep(err)
				}
				detail := "wrote " + res.Path
				if !res.Changed {
					detail += " (unchanged)"
				}
				if res.AssistantRunning {
					detail += "; restart the running assistant to pick it up"
				}
				return domain.StepResult{Status: domain.StepPassed, Detail: detail}
			},
		},
	}
}

func (o *Orchestrator) verifyPolicyStep() step {
	return step{
		name:  StepVerifyPolicy,
		state: StateVerifyingPolicy,
		run: func(context.Context) domain.StepResult {
			return reportResult(o.deps.PolicyVerifier.Verify())
		},
	}
}

func (o *Orchestrator) createAccountStep() step {
	return step{
		name:  StepCreateAccount,
		state: StateCreatingAccount,
		run: func(ctx context.Context) domain.StepResult {
			account, err := o.deps.Accounts.CreateAccount(ctx, o.deps.Account)
			if err != nil {
				if errors.Is(err, domain.ErrDeclined) {
					return domain.StepResult{Status: domain.StepDeclined, Detail: err.Error()}
				}
				return failedStep(err)
			}
			detail := fmt.Sprintf("%s (access: %s, delegation: %s)",
				account.Username, account.AccessMechanism, account.DelegationMode)
			return domain.StepResult{Status: domain.StepPassed, Detail: detail}
		},
	}
}

func (o *Orchestrator) verifyAccountStep() step {
	return step{
		name:  StepVerifyAccount,
		state: StateVerifyingAccount,
		run: func(ctx context.Context) domain.StepResult {
			return reportResult(o.deps.AccountVerifier.Verify(ctx, o.deps.Account.Username, o.deps.Account.SharedDirectory))
		},
	}
}

func (o *Orchestrator) checkConsistency(context.Context) domain.StepResult {
	doc, err := o.deps.Live.Read()
	if err != nil {
		return failedStep(err)
	}
	want := o.deps.Account.SharedDirectory
	for _, a := range doc.AllowedDirectories {
		if domain.NormalizePath(o.deps.Home, a) == want {
			continue
		}
		return domain.StepResult{Status: domain.StepFailed,
			Detail: fmt.Sprintf("policy allows %s but the account is scoped to %s", a, want)}
	}
	if len(doc.AllowedDirectories) == 0 {
		return domain.StepResult{Status: domain.StepFailed, Detail: "policy allows no directory"}
	}
	return domain.StepResult{Status: domain.StepPassed, Detail: "policy and account share " + want}
}

// runSequence executes steps in order, halting on the first failed or declined step.
func (o *Orchestrator) runSequence(ctx context.Context, operation string, steps []step) *domain.RunReport {
	return o.run(ctx, operation, steps, true)
}

// runAll executes every step regardless of earlier outcomes. Used by read-only operations.
func (o *Orchestrator) runAll(ctx context.Context, operation string, steps []step) *domain.RunReport {
	return o.run(ctx, operation, steps, false)
}

func (o *Orchestrator) run(ctx context.Context, operation string, steps []step, halt bool) *domain.RunReport {
	report := &domain.RunReport{Operation: operation, StartedAt: o.now()}
	o.logger.Info("operation started", zap.String("operation", operation))

	halted := false
	skipDetail := notAttemptedDetail
	for i, s := range steps {
		if halted {
			report.Steps = append(report.Steps, domain.StepResult{Name: s.name, Status: domain.StepSkipped, Detail: skipDetail})
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Steps = append(report.Steps, domain.StepResult{Name: s.name, Status: domain.StepFailed, Detail: err.Error()})
			halted = true
			continue
		}

		o.transition(s.state)
		res := s.run(ctx)
		res.Name = s.name
		report.Steps = append(report.Steps, res)
		o.record(operation, res)

		o.logger.Info("step finished",
			zap.String("operation", operation),
			zap.String("step", res.Name),
			zap.String("status", string(res.Status)),
			zap.String("detail", res.Detail))

		if !halt {
			continue
		}
		switch res.Status {
		case domain.StepFailed:
			halted = true
		case domain.StepDeclined:
			halted = true
			skipDetail = declinedEarlierDetail
			// Earlier steps may already have changed state, so only a decline
			// at the first step leaves the operation cleanly undone.
			report.Incomplete = i > 0
		}
	}

	o.transition(StateReporting)
	o.logger.Info("operation finished", zap.String("operation", operation), zap.Bool("passed", report.Passed()))
	o.transition(StateIdle)
	return report
}

func (o *Orchestrator) transition(to State) {
	if o.state == to {
		return
	}
	o.logger.Debug("state transition", zap.Stringer("from", o.state), zap.Stringer("to", to))
	o.state = to
}

// record appends a journal entry. Journal failures never fail the run.
func (o *Orchestrator) record(operation string, res domain.StepResult) {
	if o.deps.Journal == nil || !journaled[res.Name] {
		return
	}
	detail := truncateRunes(res.Detail, maxJournalDetailSize)
	err := o.deps.Journal.Append(domain.JournalEntry{
		Operation: operation,
		Step:      res.Name,
		Status:    res.Status,
		Detail:    detail,
		CreatedAt: o.now(),
	})
	if err != nil {
		o.logger.Warn("journal append failed", zap.Error(err))
	}
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func backupResult(rec *domain.BackupRecord) domain.StepResult {
	switch {
	case rec == nil:
		return domain.StepResult{Status: domain.StepPassed, Detail: "no existing configuration to back up"}
	case rec.Corrupt:
		return domain.StepResult{Status: domain.StepPassed, Detail: "saved " + rec.ID + " (existing file was corrupt)"}
	default:
		return domain.StepResult{Status: domain.StepPassed, Detail: "saved " + rec.ID}
	}
}

func reportResult(r *domain.VerificationReport) domain.StepResult {
	res := domain.StepResult{
		Status: domain.StepPassed,
		Detail: fmt.Sprintf("%d/%d checks passed", r.PassedCount(), len(r.Checks)),
		Report: r,
	}
	if !r.Passed() {
		res.Status = domain.StepFailed
	}
	return res
}

func failedStep(err error) domain.StepResult {
	return domain.StepResult{Status: domain.StepFailed, Detail: err.Error()}
}
