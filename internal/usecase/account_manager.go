package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// ProbeMarkerName is the file CreateAccount drops in the shared directory so
// the read probe has something to open.
const ProbeMarkerName = ".agentguard-probe"

const markerMode = 0640

// PrivilegeSeparationManager provisions and removes the restricted account
// together with its access grant, launcher and delegation rule.
type PrivilegeSeparationManager struct {
	accounts   domain.AccountDatabase
	access     domain.AccessGranter
	launcher   domain.LauncherInstaller
	delegation domain.DelegationInstaller
	locker     domain.Locker
	confirmer  domain.Confirmer
	euid       func() int
	stat       func(string) (os.FileInfo, error)
	groupOf    func(string) string
	logger     *zap.Logger
}

// AccountManagerDeps bundles the collaborators of PrivilegeSeparationManager.
type AccountManagerDeps struct {
	Accounts   domain.AccountDatabase
	Access     domain.AccessGranter
	Launcher   domain.LauncherInstaller
	Delegation domain.DelegationInstaller
	Locker     domain.Locker
	Confirmer  domain.Confirmer
}

// NewPrivilegeSeparationManager creates a manager bound to the process's effective UID.
func NewPrivilegeSeparationManager(deps AccountManagerDeps, logger *zap.Logger) *PrivilegeSeparationManager {
	return NewPrivilegeSeparationManagerWithEUID(deps, os.Geteuid, logger)
}

// NewPrivilegeSeparationManagerWithEUID creates a manager with an injectable EUID (for testing).
func NewPrivilegeSeparationManagerWithEUID(deps AccountManagerDeps, euid func() int, logger *zap.Logger) *PrivilegeSeparationManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrivilegeSeparationManager{
		accounts:   deps.Accounts,
		access:     deps.Access,
		launcher:   deps.Launcher,
		delegation: deps.Delegation,
		locker:     deps.Locker,
		confirmer:  deps.Confirmer,
		euid:       euid,
		stat:       os.Stat,
		groupOf:    directoryGroup,
		logger:     logger,
	}
}

// Exists reports whether the account is present.
func (m *PrivilegeSeparationManager) Exists(username string) (bool, error) {
	return m.accounts.Exists(username)
}

// CreateAccount provisions spec.Username. An existing account is removed and
// recreated only after confirmation; declining returns ErrDeclined and
// changes nothing.
func (m *PrivilegeSeparationManager) CreateAccount(ctx context.Context, spec domain.AccountSpec) (*domain.RestrictedAccount, error) {
	if err := m.requireRoot(); err != nil {
		return nil, err
	}

	unlock, err := m.locker.Lock("account-" + spec.Username)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := unlock(); err != nil {
			m.logger.Warn("failed to release account lock", zap.Error(err))
		}
	}()

	shared := filepath.Clean(spec.SharedDirectory)
	info, err := m.stat(shared)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("shared directory %s: %w", shared, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("stat shared directory %s: %w", shared, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("shared directory %s is not a directory: %w", shared, domain.ErrNotFound)
	}

	exists, err := m.accounts.Exists(spec.Username)
	if err != nil {
		return nil, err
	}
	if exists {
		question := fmt.Sprintf("Account %q already exists. Remove it (including its home directory) and recreate it?", spec.Username)
		if m.confirmer == nil || !m.confirmer.Confirm(question) {
			m.logger.Info("recreate declined", zap.String("account", spec.Username))
			return nil, fmt.Errorf("account %s already exists: %w", spec.Username, domain.ErrDeclined)
		}
		if err := m.remove(ctx, spec); err != nil {
			return nil, fmt.Errorf("remove existing account: %w", err)
		}
	}

	home := m.accounts.HomeDirectory(spec.Username)
	if err := m.accounts.Create(ctx, spec.Username, home); err != nil {
		return nil, m.permissionHint(err)
	}
	m.logger.Info("account created", zap.String("account", spec.Username), zap.String("home", home))

	mechanism, err := m.access.Grant(ctx, spec.Username, shared)
	if err != nil {
		return nil, m.abandon(ctx, spec, fmt.Errorf("grant access to %s: %w", shared, err))
	}
	if err := m.writeMarker(shared); err != nil {
		return nil, m.abandon(ctx, spec, err)
	}

	if err := m.launcher.InstallLauncher(spec); err != nil {
		return nil, m.abandon(ctx, spec, fmt.Errorf("install launcher: %w", err))
	}
	rulePath, mode, err := m.delegation.InstallDelegation(ctx, spec)
	if err != nil {
		return nil, m.abandon(ctx, spec, fmt.Errorf("install delegation rule: %w", err))
	}
	if mode != spec.DelegationMode && mode == domain.DelegationBroad {
		m.logger.Warn("delegation degraded to broad mode",
			zap.String("account", spec.Username), zap.String("rule", rulePath))
	}

	account := &domain.RestrictedAccount{
		Username:           spec.Username,
		HomeDirectory:      home,
		HasSudo:            false,
		SharedDirectory:    shared,
		LauncherPath:       spec.LauncherPath,
		DelegationRulePath: rulePath,
		DelegationMode:     mode,
		AccessMechanism:    mechanism,
	}
	m.logger.Info("restricted account provisioned",
		zap.String("account", account.Username),
		zap.String("shared", account.SharedDirectory),
		zap.String("access", string(account.AccessMechanism)),
		zap.String("delegation", string(account.DelegationMode)))
	return account, nil
}

// RemoveAccount removes the account and everything CreateAccount installed.
// A missing account is not an error; its launcher and rule are still cleaned up.
func (m *PrivilegeSeparationManager) RemoveAccount(ctx context.Context, spec domain.AccountSpec) error {
	if err := m.requireRoot(); err != nil {
		return err
	}
	unlock, err := m.locker.Lock("account-" + spec.Username)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(); err != nil {
			m.logger.Warn("failed to release account lock", zap.Error(err))
		}
	}()
	return m.remove(ctx, spec)
}

// Describe reconstructs the provisioned account from system state.
// Returns ErrNotFound when the account does not exist.
func (m *PrivilegeSeparationManager) Describe(spec domain.AccountSpec) (*domain.RestrictedAccount, error) {
	exists, err := m.accounts.Exists(spec.Username)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("account %s: %w", spec.Username, domain.ErrNotFound)
	}

	account := &domain.RestrictedAccount{
		Username:        spec.Username,
		HomeDirectory:   m.accounts.HomeDirectory(spec.Username),
		SharedDirectory: filepath.Clean(spec.SharedDirectory),
	}
	if _, err := m.stat(spec.LauncherPath); err == nil {
		account.LauncherPath = spec.LauncherPath
	}
	// The group fallback hands the directory to the account's own group.
	if group := m.groupOf(account.SharedDirectory); group != "" {
		account.AccessMechanism = domain.AccessACL
		if group == spec.Username {
			account.AccessMechanism = domain.AccessGroup
		}
	}
	rulePath := m.delegation.RulePath(spec.SudoersDir, spec.Username)
	if rule, err := os.ReadFile(rulePath); err == nil {
		account.DelegationRulePath = rulePath
		account.DelegationMode = domain.DelegationNarrow
		if strings.Contains(string(rule), "NOPASSWD: ALL") {
			account.DelegationMode = domain.DelegationBroad
		}
	}
	return account, nil
}

func (m *PrivilegeSeparationManager) remove(ctx context.Context, spec domain.AccountSpec) error {
	exists, err := m.accounts.Exists(spec.Username)
	if err != nil {
		return err
	}

	if exists {
		if spec.SharedDirectory != "" {
			if err := m.access.Revoke(ctx, spec.Username, filepath.Clean(spec.SharedDirectory)); err != nil {
				m.logger.Warn("access revoke incomplete", zap.String("account", spec.Username), zap.Error(err))
			}
		}
		if err := m.accounts.Delete(ctx, spec.Username); err != nil {
			return m.permissionHint(fmt.Errorf("delete account %s: %w", spec.Username, err))
		}
		m.logger.Info("account deleted", zap.String("account", spec.Username))
	} else {
		m.logger.Info("account not present", zap.String("account", spec.Username))
	}

	if spec.SharedDirectory != "" {
		marker := filepath.Join(filepath.Clean(spec.SharedDirectory), ProbeMarkerName)
		if err := os.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("failed to remove probe marker", zap.String("path", marker), zap.Error(err))
		}
	}
	if spec.LauncherPath != "" {
		if err := m.launcher.RemoveLauncher(spec.LauncherPath); err != nil {
			return m.permissionHint(fmt.Errorf("remove launcher: %w", err))
		}
	}
	if err := m.delegation.RemoveDelegation(spec.SudoersDir, spec.Username); err != nil {
		return m.permissionHint(fmt.Errorf("remove delegation rule: %w", err))
	}
	return nil
}

// abandon undoes a CreateAccount that failed after the account was created.
// When the cleanup itself fails the error says so.
func (m *PrivilegeSeparationManager) abandon(ctx context.Context, spec domain.AccountSpec, cause error) error {
	m.logger.Warn("provisioning failed, removing partially created account",
		zap.String("account", spec.Username), zap.Error(cause))
	if err := m.remove(ctx, spec); err != nil {
		m.logger.Error("cleanup after failed provisioning failed",
			zap.String("account", spec.Username), zap.Error(err))
		return m.permissionHint(fmt.Errorf("%w (account left half-provisioned; re-run create-account: %v)", cause, err))
	}
	return m.permissionHint(cause)
}

// writeMarker leaves the marker unreadable to others so that only the
// ACL or group grant lets the account read it.
func (m *PrivilegeSeparationManager) writeMarker(shared string) error {
	path := filepath.Join(shared, ProbeMarkerName)
	if err := os.WriteFile(path, []byte("agentguard verification marker\n"), markerMode); err != nil {
		return fmt.Errorf("write probe marker: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(path, markerMode)
}

// directoryGroup returns the name of path's owning group, or "" when unknown.
func directoryGroup(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return ""
	}
	g, err := user.LookupGroupId(strconv.FormatUint(uint64(st.Gid), 10))
	if err != nil {
		return ""
	}
	return g.Name
}

func (m *PrivilegeSeparationManager) requireRoot() error {
	if m.euid() != 0 {
		return fmt.Errorf("%w: %s", domain.ErrPermission, domain.RootRemediation)
	}
	return nil
}

// permissionHint tags OS permission failures with ErrPermission and the remediation.
func (m *PrivilegeSeparationManager) permissionHint(err error) error {
	if errors.Is(err, os.ErrPermission) && !errors.Is(err, domain.ErrPermission) {
		return fmt.Errorf("%w: %w (%s)", domain.ErrPermission, err, domain.RootRemediation)
	}
	return err
}
