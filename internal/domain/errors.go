package domain

import "errors"

// Error taxonomy. Components wrap low-level errors with one of these so the
// orchestrator can classify them with errors.Is.
var (
	// ErrConfigurationMissing means there is no live configuration yet.
	// Informational during apply.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrConfigurationCorrupt means the live configuration exists but does not parse.
	ErrConfigurationCorrupt = errors.New("configuration corrupt")

	// ErrPermission means the caller lacks the rights for an account or permission operation.
	ErrPermission = errors.New("permission denied")

	// ErrNotFound means a referenced backup, account or directory does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProbeFailure means a verification probe could not even execute.
	ErrProbeFailure = errors.New("probe failure")

	// ErrPolicyInvalid means a policy document violates a structural invariant.
	ErrPolicyInvalid = errors.New("policy invalid")

	// ErrDeclined means the operator declined a confirmation; nothing was changed.
	ErrDeclined = errors.New("declined by operator")

	// ErrLocked means another invocation holds the account lock.
	ErrLocked = errors.New("operation already in progress")
)

// RootRemediation is appended to permission errors shown to the operator.
const RootRemediation = "re-run with sudo (account and permission changes require root)"
