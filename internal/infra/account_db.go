package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// firstDarwinUID is where the search for a free macOS UniqueID starts.
const firstDarwinUID = 501

// AccountDatabaseImpl implements domain.AccountDatabase with the platform's
// account tools: useradd/userdel/usermod on Linux, dscl on macOS.
type AccountDatabaseImpl struct {
	runner CommandRunner
	goos   string
	lookup func(string) (*user.User, error)
	logger *zap.Logger
}

// NewAccountDatabase creates an account database for the running platform.
func NewAccountDatabase(logger *zap.Logger) *AccountDatabaseImpl {
	return NewAccountDatabaseWithDeps(&RealCommandRunner{}, runtime.GOOS, user.Lookup, logger)
}

// NewAccountDatabaseWithDeps creates an account database with injectable dependencies (for testing).
func NewAccountDatabaseWithDeps(runner CommandRunner, goos string, lookup func(string) (*user.User, error), logger *zap.Logger) *AccountDatabaseImpl {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountDatabaseImpl{runner: runner, goos: goos, lookup: lookup, logger: logger}
}

// Exists reports whether the account is present.
func (a *AccountDatabaseImpl) Exists(username string) (bool, error) {
	_, err := a.lookup(username)
	if err == nil {
		return true, nil
	}
	var unknown user.UnknownUserError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return false, fmt.Errorf("lookup %s: %w", username, err)
}

// HomeDirectory returns the account's home, or the platform default for a new account.
func (a *AccountDatabaseImpl) HomeDirectory(username string) string {
	if u, err := a.lookup(username); err == nil && u.HomeDir != "" {
		return u.HomeDir
	}
	if a.goos == "darwin" {
		return filepath.Join("/Users", username)
	}
	return filepath.Join("/home", username)
}

// Create adds a password-less, non-admin account with its own group and home.
func (a *AccountDatabaseImpl) Create(ctx context.Context, username, home string) error {
	if a.goos == "darwin" {
		return a.createDarwin(ctx, username, home)
	}

	if err := a.runner.Run(ctx, "useradd",
		"--create-home",
		"--home-dir", home,
		"--user-group",
		"--shell", "/bin/bash",
		"--comment", "agentguard restricted account",
		username,
	); err != nil {
		return fmt.Errorf("create account %s: %w", username, err)
	}
	// Lock the password so the account can only be entered through delegation.
	if err := a.runner.Run(ctx, "passwd", "-l", username); err != nil {
		return fmt.Errorf("lock password for %s: %w", username, err)
	}
	a.logger.Info("account created", zap.String("username", username), zap.String("home", home))
	return nil
}

func (a *AccountDatabaseImpl) createDarwin(ctx context.Context, username, home string) error {
	uid, err := a.nextDarwinID(ctx)
	if err != nil {
		return err
	}
	id := strconv.Itoa(uid)
	groupPath := "/Groups/" + username
	userPath := "/Users/" + username

	steps := [][]string{
		{".", "-create", groupPath},
		{".", "-create", groupPath, "PrimaryGroupID", id},
		{".", "-create", groupPath, "Password", "*"},
		{".", "-create", userPath},
		{".", "-create", userPath, "UserShell", "/bin/zsh"},
		{".", "-create", userPath, "RealName", "agentguard restricted account"},
		{".", "-create", userPath, "UniqueID", id},
		{".", "-create", userPath, "PrimaryGroupID", id},
		{".", "-create", userPath, "NFSHomeDirectory", home},
		{".", "-create", userPath, "Password", "*"},
		{".", "-create", userPath, "IsHidden", "1"},
	}
	for _, args := range steps {
		if err := a.runner.Run(ctx, "dscl", args...); err != nil {
			return fmt.Errorf("create account %s: %w", username, err)
		}
	}
	if err := a.runner.Run(ctx, "createhomedir", "-c", "-u", username); err != nil {
		return fmt.Errorf("create home for %s: %w", username, err)
	}
	a.logger.Info("account created",
		zap.String("username", username),
		zap.String("home", home),
		zap.Int("uid", uid))
	return nil
}

// nextDarwinID returns one past the highest UniqueID/PrimaryGroupID in use.
func (a *AccountDatabaseImpl) nextDarwinID(ctx context.Context) (int, error) {
	highest := firstDarwinUID - 1
	for _, query := range [][]string{
		{".", "-list", "/Users", "UniqueID"},
		{".", "-list", "/Groups", "PrimaryGroupID"},
	} {
		out, err := a.runner.Output(ctx, "dscl", query...)
		if err != nil {
			return 0, fmt.Errorf("list ids: %w", err)
		}
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			if n, err := strconv.Atoi(fields[len(fields)-1]); err == nil && n > highest && n < 60000 {
				highest = n
			}
		}
	}
	return highest + 1, nil
}

// Delete removes the account and its home directory.
func (a *AccountDatabaseImpl) Delete(ctx context.Context, username string) error {
	if a.goos == "darwin" {
		home := a.HomeDirectory(username)
		if err := a.runner.Run(ctx, "dscl", ".", "-delete", "/Users/"+username); err != nil {
			return fmt.Errorf("delete account %s: %w", username, err)
		}
		if err := a.runner.Run(ctx, "dscl", ".", "-delete", "/Groups/"+username); err != nil {
			a.logger.Warn("failed to delete account group", zap.String("group", username), zap.Error(err))
		}
		if err := os.RemoveAll(home); err != nil {
			return fmt.Errorf("remove home %s: %w", home, err)
		}
		return nil
	}

	if err := a.runner.Run(ctx, "userdel", "--remove", username); err != nil {
		return fmt.Errorf("delete account %s: %w", username, err)
	}
	return nil
}

// AddToGroup adds member to group.
func (a *AccountDatabaseImpl) AddToGroup(ctx context.Context, member, group string) error {
	var err error
	if a.goos == "darwin" {
		err = a.runner.Run(ctx, "dseditgroup", "-o", "edit", "-a", member, "-t", "user", group)
	} else {
		err = a.runner.Run(ctx, "usermod", "-aG", group, member)
	}
	if err != nil {
		return fmt.Errorf("add %s to group %s: %w", member, group, err)
	}
	return nil
}

// Ensure AccountDatabaseImpl implements domain.AccountDatabase.
var _ domain.AccountDatabase = (*AccountDatabaseImpl)(nil)
