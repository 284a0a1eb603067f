// Package usecase contains application business logic.
package usecase

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/policy"
)

// ApplyResult describes what Apply did.
type ApplyResult struct {
	Path             string
	Backup           *domain.BackupRecord // nil when there was nothing to back up
	Changed          bool                 // the live file content differs from before
	AssistantRunning bool                 // a running assistant must be restarted to pick up the policy
}

// PolicyApplier validates documents and writes them to the live location.
// It is the only writer of the live file besides BackupManager.Restore.
type PolicyApplier struct {
	live             domain.LiveConfig
	backups          domain.BackupStore
	validator        *policy.Validator
	processManager   domain.ProcessManager
	assistantProcess string
	logger           *zap.Logger
}

// NewPolicyApplier creates an applier.
func NewPolicyApplier(live domain.LiveConfig, backups domain.BackupStore, validator *policy.Validator, logger *zap.Logger) *PolicyApplier {
	return &PolicyApplier{live: live, backups: backups, validator: validator, logger: logger}
}

// WithProcessDetection enables the running-assistant warning.
func (a *PolicyApplier) WithProcessDetection(pm domain.ProcessManager, processName string) *PolicyApplier {
	a.processManager = pm
	a.assistantProcess = processName
	return a
}

// Validate checks doc without touching anything.
func (a *PolicyApplier) Validate(doc domain.PolicyDocument) error {
	return a.validator.Validate(doc)
}

// Backup snapshots the live file. A missing or corrupt live file is not an
// error; anything else is, since rollback could not be guaranteed.
func (a *PolicyApplier) Backup() (*domain.BackupRecord, error) {
	rec, err := a.backups.Snapshot(a.live.Path())
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, domain.ErrConfigurationMissing):
		a.logger.Info("no existing configuration to back up", zap.String("path", a.live.Path()))
		return nil, nil
	case errors.Is(err, domain.ErrConfigurationCorrupt):
		a.logger.Warn("existing configuration is corrupt; backed up as-is",
			zap.String("path", a.live.Path()), zap.Error(err))
		return rec, nil
	default:
		return nil, fmt.Errorf("backup before apply: %w", err)
	}
}

// Write validates doc and replaces the live file with it.
func (a *PolicyApplier) Write(doc domain.PolicyDocument) (*ApplyResult, error) {
	if err := a.Validate(doc); err != nil {
		return nil, err
	}

	data, err := a.live.Encode(doc)
	if err != nil {
		return nil, err
	}
	previous, readErr := os.ReadFile(a.live.Path())
	changed := readErr != nil || !bytes.Equal(previous, data)

	if err := a.live.Write(doc); err != nil {
		return nil, err
	}

	result := &ApplyResult{Path: a.live.Path(), Changed: changed}
	result.AssistantRunning = a.assistantRunning()
	if result.AssistantRunning {
		a.logger.Warn("assistant is running; restart it to pick up the new policy",
			zap.String("process", a.assistantProcess))
	}

	a.logger.Info("policy applied",
		zap.String("path", result.Path),
		zap.Bool("changed", changed),
		zap.Strings("allowed", doc.AllowedDirectories),
		zap.Int("denied", len(doc.DeniedPaths)))
	return result, nil
}

// Apply validates, backs up, then writes. An invalid document touches nothing.
func (a *PolicyApplier) Apply(doc domain.PolicyDocument) (*ApplyResult, error) {
	if err := a.Validate(doc); err != nil {
		return nil, err
	}
	rec, err := a.Backup()
	if err != nil {
		return nil, err
	}
	result, err := a.Write(doc)
	if err != nil {
		return nil, err
	}
	result.Backup = rec
	return result, nil
}

func (a *PolicyApplier) assistantRunning() bool {
	if a.processManager == nil || a.assistantProcess == "" {
		return false
	}
	pids, err := a.processManager.FindByName(a.assistantProcess)
	if err != nil {
		a.logger.Debug("process detection failed", zap.Error(err))
		return false
	}
	return len(pids) > 0
}
