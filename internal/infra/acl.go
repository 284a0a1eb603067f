package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// darwinPerms is the inheritable ACE granted on macOS.
const darwinPerms = "list,add_file,search,add_subdirectory,delete_child,readattr,writeattr," +
	"readextattr,writeextattr,readsecurity,read,write,append,execute,delete," +
	"file_inherit,directory_inherit"

// ACLGranter implements domain.AccessGranter.
// It prefers ACLs with inherited entries and falls back to group ownership
// when the filesystem or platform does not support them.
type ACLGranter struct {
	runner       CommandRunner
	accounts     domain.AccountDatabase
	invokingUser string
	goos         string
	stat         func(string) (os.FileInfo, error)
	logger       *zap.Logger
}

// NewACLGranter creates a granter. invokingUser joins the account's group in fallback mode.
func NewACLGranter(accounts domain.AccountDatabase, invokingUser string, logger *zap.Logger) *ACLGranter {
	return NewACLGranterWithDeps(&RealCommandRunner{}, accounts, invokingUser, runtime.GOOS, os.Stat, logger)
}

// NewACLGranterWithDeps creates a granter with injectable dependencies (for testing).
func NewACLGranterWithDeps(runner CommandRunner, accounts domain.AccountDatabase, invokingUser, goos string,
	stat func(string) (os.FileInfo, error), logger *zap.Logger) *ACLGranter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ACLGranter{
		runner:       runner,
		accounts:     accounts,
		invokingUser: invokingUser,
		goos:         goos,
		stat:         stat,
		logger:       logger,
	}
}

// Grant gives username read/write on dir and on everything created under it later.
func (g *ACLGranter) Grant(ctx context.Context, username, dir string) (domain.AccessMechanism, error) {
	dir = filepath.Clean(dir)

	err := g.grantACL(ctx, username, dir)
	if err == nil {
		g.grantTraverse(ctx, username, dir)
		g.logger.Info("access granted", zap.String("username", username),
			zap.String("dir", dir), zap.String("mechanism", string(domain.AccessACL)))
		return domain.AccessACL, nil
	}
	if !aclUnsupported(err) {
		return "", fmt.Errorf("grant access to %s: %w", dir, err)
	}

	g.logger.Warn("ACLs unsupported, falling back to group ownership",
		zap.String("dir", dir), zap.Error(err))
	if err := g.grantGroup(ctx, username, dir); err != nil {
		return "", fmt.Errorf("grant group access to %s: %w", dir, err)
	}
	g.logger.Info("access granted", zap.String("username", username),
		zap.String("dir", dir), zap.String("mechanism", string(domain.AccessGroup)))
	return domain.AccessGroup, nil
}

func (g *ACLGranter) grantACL(ctx context.Context, username, dir string) error {
	if g.goos == "darwin" {
		return g.runner.Run(ctx, "chmod", "-R", "+a", username+" allow "+darwinPerms, dir)
	}
	entry := "u:" + username + ":rwX"
	if err := g.runner.Run(ctx, "setfacl", "-R", "-m", entry, dir); err != nil {
		return err
	}
	return g.runner.Run(ctx, "setfacl", "-R", "-d", "-m", entry, dir)
}

// grantTraverse adds search-only entries on ancestors that others cannot traverse.
func (g *ACLGranter) grantTraverse(ctx context.Context, username, dir string) {
	for _, anc := range ancestors(dir) {
		info, err := g.stat(anc)
		if err != nil || info.Mode().Perm()&0001 != 0 {
			continue
		}
		var err2 error
		if g.goos == "darwin" {
			err2 = g.runner.Run(ctx, "chmod", "+a", username+" allow search", anc)
		} else {
			err2 = g.runner.Run(ctx, "setfacl", "-m", "u:"+username+":--x", anc)
		}
		if err2 != nil {
			g.logger.Warn("failed to grant traverse", zap.String("dir", anc), zap.Error(err2))
		}
	}
}

func (g *ACLGranter) grantGroup(ctx context.Context, username, dir string) error {
	if err := g.runner.Run(ctx, "chgrp", "-R", username, dir); err != nil {
		return err
	}
	if err := g.runner.Run(ctx, "chmod", "-R", "g+rwX", dir); err != nil {
		return err
	}
	// setgid on directories keeps new files in the account's group.
	if err := g.runner.Run(ctx, "find", dir, "-type", "d", "-exec", "chmod", "g+s", "{}", "+"); err != nil {
		return err
	}
	if g.invokingUser != "" {
		return g.accounts.AddToGroup(ctx, g.invokingUser, username)
	}
	return nil
}

// Revoke strips entries added by Grant. Best-effort: every step runs, the first error is returned.
func (g *ACLGranter) Revoke(ctx context.Context, username, dir string) error {
	dir = filepath.Clean(dir)
	var first error
	record := func(err error) {
		if err != nil {
			g.logger.Warn("revoke step failed", zap.String("dir", dir), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}

	if _, err := g.stat(dir); err == nil {
		if g.goos == "darwin" {
			record(g.runner.Run(ctx, "chmod", "-R", "-a", username+" allow "+darwinPerms, dir))
		} else {
			record(g.runner.Run(ctx, "setfacl", "-R", "-x", "u:"+username, dir))
			record(g.runner.Run(ctx, "setfacl", "-R", "-d", "-x", "u:"+username, dir))
		}
	}

	for _, anc := range ancestors(dir) {
		if g.goos == "darwin" {
			_ = g.runner.Run(ctx, "chmod", "-a", username+" allow search", anc)
		} else {
			_ = g.runner.Run(ctx, "setfacl", "-x", "u:"+username, anc)
		}
	}
	return first
}

// ancestors returns the parents of dir, excluding "/".
func ancestors(dir string) []string {
	var out []string
	for p := filepath.Dir(dir); p != "/" && p != "."; p = filepath.Dir(p) {
		out = append(out, p)
	}
	return out
}

func aclUnsupported(err error) bool {
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "executable file not found")
}

// Ensure ACLGranter implements domain.AccessGranter.
var _ domain.AccessGranter = (*ACLGranter)(nil)
