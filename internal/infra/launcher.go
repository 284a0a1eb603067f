package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/MakeNowJust/heredoc"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

const delegationPrefix = "agentguard-"

// launcherTemplate re-executes itself as the restricted account, then execs the assistant.
var launcherTemplate = heredoc.Doc(`
	#!/bin/sh
	# Generated by agentguard. Do not edit; re-run create-account instead.
	if [ "$(id -un)" = {{q .Username}} ]; then
	    cd {{q .SharedDirectory}} || exit 1
	    exec {{q .AssistantCommand}} "$@"
	fi
	exec /usr/bin/env -i{{range .EnvAllowList}} ${{"{"}}{{.}}+"{{.}}=${{.}}"{{"}"}}{{end}} {{q .SudoPath}} -n -H -u {{q .Username}} {{q .LauncherPath}} "$@"
`)

// narrowRuleTemplate lets the invoking user run only the launcher as the account.
var narrowRuleTemplate = heredoc.Doc(`
	# Generated by agentguard for {{.Username}}. Do not edit.
	{{- if .EnvAllowList}}
	Defaults!{{.LauncherPath}} env_keep += "{{join .EnvAllowList " "}}"
	{{- end}}
	{{.InvokingUser}} ALL=({{.Username}}) NOPASSWD: {{.LauncherPath}}
`)

// broadRuleTemplate lets the invoking user run anything as the account. Degraded mode.
var broadRuleTemplate = heredoc.Doc(`
	# Generated by agentguard for {{.Username}} (broad delegation). Do not edit.
	{{- if .EnvAllowList}}
	Defaults>{{.Username}} env_keep += "{{join .EnvAllowList " "}}"
	{{- end}}
	{{.InvokingUser}} ALL=({{.Username}}) NOPASSWD: ALL
`)

var templateFuncs = template.FuncMap{
	"q":    shellQuote,
	"join": strings.Join,
}

type launcherConfig struct {
	domain.AccountSpec
	SudoPath string
}

// LauncherManager installs the launcher and the delegation rule.
// Both files are root-owned and replaced atomically.
type LauncherManager struct {
	fs       domain.FileSystemManager
	runner   CommandRunner
	sudoPath string
	logger   *zap.Logger
}

// NewLauncherManager creates a launcher manager.
func NewLauncherManager(logger *zap.Logger) *LauncherManager {
	sudoPath, err := exec.LookPath("sudo")
	if err != nil {
		sudoPath = "/usr/bin/sudo"
	}
	return NewLauncherManagerWithDeps(NewSystemFileSystemManager(), &RealCommandRunner{}, sudoPath, logger)
}

// NewLauncherManagerWithDeps creates a launcher manager with injectable dependencies (for testing).
func NewLauncherManagerWithDeps(fs domain.FileSystemManager, runner CommandRunner, sudoPath string, logger *zap.Logger) *LauncherManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LauncherManager{fs: fs, runner: runner, sudoPath: sudoPath, logger: logger}
}

// GenerateLauncher renders the launcher script for spec.
func (m *LauncherManager) GenerateLauncher(spec domain.AccountSpec) ([]byte, error) {
	return render("launcher", launcherTemplate, launcherConfig{AccountSpec: spec, SudoPath: m.sudoPath})
}

// GenerateRule renders the delegation rule for spec in the given mode.
func (m *LauncherManager) GenerateRule(spec domain.AccountSpec, mode domain.DelegationMode) ([]byte, error) {
	tmpl := narrowRuleTemplate
	if mode == domain.DelegationBroad {
		tmpl = broadRuleTemplate
	}
	return render("delegation", tmpl, spec)
}

// InstallLauncher writes the launcher (0755).
func (m *LauncherManager) InstallLauncher(spec domain.AccountSpec) error {
	content, err := m.GenerateLauncher(spec)
	if err != nil {
		return err
	}
	if err := m.fs.EnsureDir(filepath.Dir(spec.LauncherPath), 0755); err != nil {
		return fmt.Errorf("create launcher directory: %w", err)
	}
	if err := m.fs.WriteFileAtomic(spec.LauncherPath, content, 0755); err != nil {
		return fmt.Errorf("install launcher %s: %w", spec.LauncherPath, err)
	}
	m.logger.Info("launcher installed", zap.String("path", spec.LauncherPath))
	return nil
}

// RemoveLauncher deletes the launcher. A missing launcher is not an error.
func (m *LauncherManager) RemoveLauncher(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove launcher %s: %w", path, err)
	}
	return nil
}

// RulePath returns where the rule for username lives.
func (m *LauncherManager) RulePath(sudoersDir, username string) string {
	return filepath.Join(sudoersDir, delegationPrefix+username)
}

// InstallDelegation installs a validated rule. A narrow rule that the
// validator rejects is replaced by the broad rule, which is logged as degraded.
func (m *LauncherManager) InstallDelegation(ctx context.Context, spec domain.AccountSpec) (string, domain.DelegationMode, error) {
	path := m.RulePath(spec.SudoersDir, spec.Username)

	mode := spec.DelegationMode
	if mode == "" {
		mode = domain.DelegationNarrow
	}
	if mode == domain.DelegationBroad {
		m.logger.Warn("broad delegation requested by configuration", zap.String("username", spec.Username))
	}

	err := m.installRule(ctx, spec, mode, path)
	if err != nil && mode == domain.DelegationNarrow {
		m.logger.Warn("narrow delegation rule rejected, falling back to broad rule (degraded)",
			zap.String("username", spec.Username), zap.Error(err))
		mode = domain.DelegationBroad
		err = m.installRule(ctx, spec, mode, path)
	}
	if err != nil {
		return "", "", err
	}

	m.logger.Info("delegation rule installed",
		zap.String("path", path), zap.String("mode", string(mode)))
	return path, mode, nil
}

// installRule writes a temp file, validates it with visudo, then renames it into place.
// Files containing '.' are ignored by sudo's includedir, so the temp file is never live.
func (m *LauncherManager) installRule(ctx context.Context, spec domain.AccountSpec, mode domain.DelegationMode, path string) error {
	content, err := m.GenerateRule(spec, mode)
	if err != nil {
		return err
	}
	if err := m.fs.EnsureDir(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create sudoers directory: %w", err)
	}

	tmpPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := m.fs.WriteFileAtomic(tmpPath, content, 0440); err != nil {
		return fmt.Errorf("write delegation rule: %w", err)
	}
	defer os.Remove(tmpPath)

	if err := m.runner.Run(ctx, "visudo", "-cf", tmpPath); err != nil {
		return fmt.Errorf("validate %s delegation rule: %w", mode, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("install delegation rule: %w", err)
	}
	return nil
}

// RemoveDelegation deletes the rule for username. A missing rule is not an error.
func (m *LauncherManager) RemoveDelegation(sudoersDir, username string) error {
	path := m.RulePath(sudoersDir, username)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove delegation rule %s: %w", path, err)
	}
	return nil
}

func render(name, tmplStr string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Funcs(templateFuncs).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute %s template: %w", name, err)
	}
	return buf.Bytes(), nil
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Ensure LauncherManager implements both installer interfaces.
var _ domain.LauncherInstaller = (*LauncherManager)(nil)
var _ domain.DelegationInstaller = (*LauncherManager)(nil)
