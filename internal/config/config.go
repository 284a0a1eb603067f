// Package config loads agentguard settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAccountName      = "claude-agent"
	DefaultAssistantCommand = "claude"
	DefaultLivePath         = "~/.claude/settings.json"
	DefaultLauncherPath     = "/usr/local/bin/claude-restricted"
	DefaultSudoersDir       = "/etc/sudoers.d"
)

// accountName matches names accepted by useradd and by sudo's includedir (no dots).
var accountName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,30}$`)

// envName matches POSIX environment variable names.
var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type PersistenceConfig struct {
	// Name is the key of the persistence helper under mcpServers. Default: "memory".
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type AccountConfig struct {
	// Username of the restricted account.
	Username string `yaml:"username"`
	// LauncherPath is where the launcher is installed.
	LauncherPath string `yaml:"launcher_path"`
	// AssistantCommand is what the launcher finally execs as the account.
	AssistantCommand string `yaml:"assistant_command"`
	// SudoersDir is the delegation drop-in directory.
	SudoersDir string `yaml:"sudoers_dir"`
	// EnvAllowList names the variables the launcher forwards. Names only, never values.
	EnvAllowList []string `yaml:"env_allow_list"`
	// DelegationMode is "narrow" (default) or "broad".
	DelegationMode string `yaml:"delegation_mode"`
}

type LogConfig struct {
	// Path of the JSON log file. Empty means <data_dir>/agentguard.log.
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type Config struct {
	// ProjectDir is the single allowed directory. Empty means the working directory.
	ProjectDir string `yaml:"project_dir"`
	// LivePath is the assistant's settings file; ~ is the invoking user's home.
	LivePath string `yaml:"live_path"`
	// DataDir holds locks and the log.
	DataDir string `yaml:"data_dir"`
	// StateDir holds backups, the journal and its key. They belong to the
	// invoking user in both modes. Empty means data_dir.
	StateDir string `yaml:"state_dir"`
	// BackupDir defaults to <state_dir>/backups.
	BackupDir string `yaml:"backup_dir"`
	// ExtraDenials are added to the built-in required denials. They can never remove one.
	ExtraDenials []string `yaml:"extra_denials"`
	// AssistantProcess is the process name checked for a running assistant.
	AssistantProcess string `yaml:"assistant_process"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Account     AccountConfig     `yaml:"account"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the built-in configuration for the given data directory.
func Default(dataDir string) Config {
	return Config{
		LivePath:         DefaultLivePath,
		DataDir:          dataDir,
		AssistantProcess: DefaultAssistantCommand,
		Persistence: PersistenceConfig{
			Name:    "memory",
			Command: "npx",
			Args:    []string{"-y", "@modelcontextprotocol/server-memory"},
		},
		Account: AccountConfig{
			Username:         DefaultAccountName,
			LauncherPath:     DefaultLauncherPath,
			AssistantCommand: DefaultAssistantCommand,
			SudoersDir:       DefaultSudoersDir,
			EnvAllowList:     []string{"TERM", "COLORTERM", "LANG", "LC_ALL", "LC_CTYPE", "TZ"},
			DelegationMode:   "narrow",
		},
		Log: LogConfig{
			MaxSizeMB:  5,
			MaxBackups: 3,
		},
	}
}

// Load overlays the YAML file at path onto base. A missing file is not an
// error unless required is set (an explicit --config).
func Load(path string, base Config, required bool) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return base, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config yaml %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvedStateDir returns StateDir or DataDir.
func (c Config) ResolvedStateDir() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return c.DataDir
}

// ResolvedBackupDir returns BackupDir or its default.
func (c Config) ResolvedBackupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.ResolvedStateDir(), "backups")
}

// ResolvedLogPath returns Log.Path or its default.
func (c Config) ResolvedLogPath() string {
	if c.Log.Path != "" {
		return c.Log.Path
	}
	return filepath.Join(c.DataDir, "agentguard.log")
}

// LockDir is where account lock files live.
func (c Config) LockDir() string {
	return filepath.Join(c.DataDir, "locks")
}

func (c Config) Validate() error {
	var problems []string

	absolute := map[string]string{
		"data_dir":              c.DataDir,
		"account.launcher_path": c.Account.LauncherPath,
		"account.sudoers_dir":   c.Account.SudoersDir,
	}
	if c.ProjectDir != "" {
		absolute["project_dir"] = c.ProjectDir
	}
	if c.StateDir != "" {
		absolute["state_dir"] = c.StateDir
	}
	if c.BackupDir != "" {
		absolute["backup_dir"] = c.BackupDir
	}
	if c.Log.Path != "" {
		absolute["log.path"] = c.Log.Path
	}
	for _, key := range []string{"data_dir", "state_dir", "project_dir", "backup_dir", "log.path", "account.launcher_path", "account.sudoers_dir"} {
		v, ok := absolute[key]
		if ok && !filepath.IsAbs(v) {
			problems = append(problems, fmt.Sprintf("%s must be an absolute path, got %q", key, v))
		}
	}

	if c.LivePath == "" {
		problems = append(problems, "live_path is required")
	} else if !filepath.IsAbs(c.LivePath) && !strings.HasPrefix(c.LivePath, "~/") {
		problems = append(problems, fmt.Sprintf("live_path must be absolute or ~/-relative, got %q", c.LivePath))
	}

	for _, d := range c.ExtraDenials {
		if !filepath.IsAbs(d) && !strings.HasPrefix(d, "~/") {
			problems = append(problems, fmt.Sprintf("extra_denials entry %q must be absolute or ~/-relative", d))
		}
	}

	if !accountName.MatchString(c.Account.Username) {
		problems = append(problems, fmt.Sprintf("account.username %q is not a valid account name", c.Account.Username))
	}
	if c.Account.AssistantCommand == "" {
		problems = append(problems, "account.assistant_command is required")
	}
	for _, name := range c.Account.EnvAllowList {
		if !envName.MatchString(name) {
			problems = append(problems, fmt.Sprintf("account.env_allow_list entry %q is not a variable name", name))
		}
	}
	switch c.Account.DelegationMode {
	case "narrow", "broad":
	default:
		problems = append(problems, fmt.Sprintf("account.delegation_mode must be narrow or broad, got %q", c.Account.DelegationMode))
	}

	if c.Persistence.Name == "" || c.Persistence.Command == "" {
		problems = append(problems, "persistence.name and persistence.command are required")
	}
	if c.Log.MaxSizeMB <= 0 || c.Log.MaxBackups < 0 {
		problems = append(problems, "log.max_size_mb must be > 0 and log.max_backups >= 0")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
