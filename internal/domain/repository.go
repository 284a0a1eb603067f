package domain

import (
	"context"
	"os"
	"time"
)

// ProcessManager handles OS process lookups.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)
}

// FileSystemManager handles filesystem operations.
type FileSystemManager interface {
	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string

	// EnsureDir creates a directory (and parents) with the given mode.
	EnsureDir(path string, perm os.FileMode) error

	// WriteFileAtomic writes data to a temp file next to path, syncs, then renames.
	WriteFileAtomic(path string, data []byte, perm os.FileMode) error
}

// LiveConfig is the assistant's live policy file.
// Only the PolicyApplier and BackupManager write to it.
type LiveConfig interface {
	// Path returns the live configuration path.
	Path() string

	// Read parses the live file. Returns ErrConfigurationMissing or ErrConfigurationCorrupt.
	Read() (*PolicyDocument, error)

	// ReadRaw returns the live file with comments and trailing commas stripped.
	ReadRaw() ([]byte, error)

	// Encode serializes a document deterministically.
	Encode(doc PolicyDocument) ([]byte, error)

	// Write replaces the live file wholesale.
	Write(doc PolicyDocument) error
}

// BackupStore snapshots and restores the live configuration.
// It exclusively owns the backup directory.
type BackupStore interface {
	// Snapshot copies the live file. Returns ErrConfigurationMissing when
	// there is nothing to copy, or a record plus ErrConfigurationCorrupt when
	// the copied file does not parse.
	Snapshot(livePath string) (*BackupRecord, error)

	// Restore atomically overwrites the record's source path with the stored copy.
	Restore(record BackupRecord) error

	// ListRecent returns up to n records, newest first. n <= 0 returns all.
	ListRecent(n int) ([]BackupRecord, error)

	// Get returns a record by ID.
	Get(id string) (*BackupRecord, error)
}

// AccountDatabase manages OS account records.
type AccountDatabase interface {
	// Exists reports whether the account is present.
	Exists(username string) (bool, error)

	// Create adds a password-less, non-admin account with its own group and home.
	Create(ctx context.Context, username, home string) error

	// Delete removes the account and its home directory.
	Delete(ctx context.Context, username string) error

	// HomeDirectory returns where the account's home lives.
	HomeDirectory(username string) string

	// AddToGroup adds member to group.
	AddToGroup(ctx context.Context, member, group string) error
}

// AccessGranter grants the restricted account scoped access to a directory.
type AccessGranter interface {
	// Grant gives username read/write on dir and everything created under it later.
	Grant(ctx context.Context, username, dir string) (AccessMechanism, error)

	// Revoke strips entries added by Grant. Best-effort.
	Revoke(ctx context.Context, username, dir string) error
}

// LauncherInstaller manages the launcher executable.
type LauncherInstaller interface {
	InstallLauncher(spec AccountSpec) error
	RemoveLauncher(path string) error
}

// DelegationInstaller manages the delegated-execution rule.
type DelegationInstaller interface {
	// InstallDelegation writes a validated rule and returns its path and the mode that was accepted.
	InstallDelegation(ctx context.Context, spec AccountSpec) (string, DelegationMode, error)

	// RemoveDelegation deletes the rule for username. A missing rule is not an error.
	RemoveDelegation(sudoersDir, username string) error

	// RulePath returns where the rule for username lives.
	RulePath(sudoersDir, username string) string
}

// Locker serializes account lifecycle operations across processes.
type Locker interface {
	// Lock takes an exclusive non-blocking lock. Returns ErrLocked when held elsewhere.
	Lock(name string) (unlock func() error, err error)
}

// AccessMode selects what a FileAccessProbe attempts.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// CommandProbe runs a command as User and reports whether it exited zero.
type CommandProbe struct {
	User    string
	Argv    []string
	Timeout time.Duration
}

// FileAccessProbe attempts a real read (of a file) or write (inside a directory) as User.
type FileAccessProbe struct {
	User string
	Path string
	Mode AccessMode
}

// ProbeOutcome is the result of a probe.
// Err is set only when the probe could not execute at all.
type ProbeOutcome struct {
	Succeeded bool
	Detail    string
	Err       error
}

// ProbeRunner attempts real operations as another account.
type ProbeRunner interface {
	AccountExists(username string) (bool, error)
	RunCommand(ctx context.Context, probe CommandProbe) ProbeOutcome
	CheckAccess(ctx context.Context, probe FileAccessProbe) ProbeOutcome
}

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(question string) bool
}

// Selector asks the operator to pick one option. ok is false when nothing was chosen.
type Selector interface {
	Select(prompt string, options []string) (index int, ok bool)
}

// Journal is the append-only audit log of mutations.
type Journal interface {
	Append(entry JournalEntry) error
	Recent(n int) ([]JournalEntry, error)
	Close() error
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}
