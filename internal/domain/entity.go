// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// ServiceDescriptor is the launch descriptor of an auxiliary companion process.
type ServiceDescriptor struct {
	Command string
	Args    []string
}

// PolicyDocument is the declarative permission policy handed to the assistant.
// Documents are never patched: every change builds a new full document.
type PolicyDocument struct {
	AllowedDirectories []string
	DeniedPaths        []string
	AuxiliaryServices  map[string]ServiceDescriptor
}

// BackupRecord describes one stored copy of the live configuration.
type BackupRecord struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	SourcePath     string    `json:"source_path"`
	StoredCopyPath string    `json:"stored_copy_path"`
	Corrupt        bool      `json:"corrupt,omitempty"` // live file did not parse when captured
}

// DelegationMode is how narrowly the delegation rule is scoped.
type DelegationMode string

const (
	// DelegationNarrow lets the invoking user run only the launcher as the account.
	DelegationNarrow DelegationMode = "narrow"
	// DelegationBroad lets the invoking user run any command as the account.
	// Degraded mode, only used when a narrow rule is rejected.
	DelegationBroad DelegationMode = "broad"
)

// AccessMechanism is how the account was granted access to the shared directory.
type AccessMechanism string

const (
	AccessACL   AccessMechanism = "acl"
	AccessGroup AccessMechanism = "group"
)

// AccountSpec is the input for provisioning a restricted account.
type AccountSpec struct {
	Username         string
	SharedDirectory  string
	InvokingUser     string   // human account allowed to run the launcher
	LauncherPath     string   // wrapper that re-executes the assistant as Username
	AssistantCommand string   // command the launcher finally execs
	EnvAllowList     []string // variable names forwarded by the launcher
	SudoersDir       string
	DelegationMode   DelegationMode
}

// RestrictedAccount is a provisioned unprivileged OS identity.
type RestrictedAccount struct {
	Username           string
	HomeDirectory      string
	HasSudo            bool
	SharedDirectory    string
	LauncherPath       string
	DelegationRulePath string
	DelegationMode     DelegationMode
	AccessMechanism    AccessMechanism
}

// CheckResult is one scored verification check.
type CheckResult struct {
	Name   string
	Passed bool
	Detail string
}

// VerificationReport is a transient read model over live system state.
type VerificationReport struct {
	Checks []CheckResult
}

// Add appends a check result.
func (r *VerificationReport) Add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, CheckResult{Name: name, Passed: passed, Detail: detail})
}

// Passed reports whether at least one check ran and all of them passed.
func (r *VerificationReport) Passed() bool {
	if r == nil || len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// PassedCount returns how many checks passed.
func (r *VerificationReport) PassedCount() int {
	n := 0
	for _, c := range r.Checks {
		if c.Passed {
			n++
		}
	}
	return n
}

// StepStatus is the outcome of one orchestrated step.
type StepStatus string

const (
	StepPassed   StepStatus = "passed"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"  // not attempted because an earlier step failed or was declined
	StepDeclined StepStatus = "declined" // operator declined a confirmation
)

// StepResult is one line of a RunReport.
type StepResult struct {
	Name   string
	Status StepStatus
	Detail string
	Report *VerificationReport
}

// RunReport is the terminal report of an orchestrated operation.
type RunReport struct {
	Operation string
	Steps     []StepResult
	StartedAt time.Time
	// Incomplete is set when a decline halted the run after earlier steps
	// had already run, leaving later steps pending.
	Incomplete bool
}

// Passed reports whether no step failed and the run was not left incomplete.
// A run declined at its first step changed nothing and still passes.
func (r *RunReport) Passed() bool {
	if r.Incomplete {
		return false
	}
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			return false
		}
	}
	return true
}

// JournalEntry is one audited mutation.
type JournalEntry struct {
	ID        string
	Operation string
	Step      string
	Status    StepStatus
	Detail    string
	CreatedAt time.Time
}
