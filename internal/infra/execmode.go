// Package infra implements infrastructure concerns.
package infra

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as the invoking user (policy operations only)
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root (account operations available)
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	DataDir    string    // locks, log
	StateDir   string    // backups, journal, key; always under the real user's home
	ConfigPath string    // default agentguard config file
	IsRoot     bool      // Whether running as root
	RealUser   *RealUser // the human behind sudo, or the current user
}

// RealUser identifies the human operator, even when running under sudo.
type RealUser struct {
	Username string
	HomeDir  string
	UID      int
	GID      int
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	isRoot := os.Geteuid() == 0
	realUser := GetRealUser()

	if isRoot {
		return &ExecModeConfig{
			Mode:       ExecModeSystem,
			DataDir:    "/var/lib/agentguard",
			StateDir:   filepath.Join(realUser.HomeDir, ".agentguard"),
			ConfigPath: "/etc/agentguard/config.yaml",
			IsRoot:     true,
			RealUser:   realUser,
		}
	}

	return &ExecModeConfig{
		Mode:       ExecModeUser,
		DataDir:    filepath.Join(realUser.HomeDir, ".agentguard"),
		StateDir:   filepath.Join(realUser.HomeDir, ".agentguard"),
		ConfigPath: filepath.Join(realUser.HomeDir, ".config", "agentguard", "config.yaml"),
		IsRoot:     false,
		RealUser:   realUser,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root, account operations enabled)"
	case ExecModeUser:
		return "user (non-root, policy operations only)"
	default:
		return "unknown"
	}
}

// GetRealUser returns the invoking user. Under sudo, os.UserHomeDir() returns
// root's home, so SUDO_USER/SUDO_UID/SUDO_GID are consulted first.
func GetRealUser() *RealUser {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" && sudoUser != "root" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return &RealUser{
				Username: u.Username,
				HomeDir:  u.HomeDir,
				UID:      envInt("SUDO_UID", atoiOr(u.Uid, -1)),
				GID:      envInt("SUDO_GID", atoiOr(u.Gid, -1)),
			}
		}
	}

	home, _ := os.UserHomeDir()
	ru := &RealUser{HomeDir: home, UID: os.Getuid(), GID: os.Getgid()}
	if u, err := user.Current(); err == nil {
		ru.Username = u.Username
		if ru.HomeDir == "" {
			ru.HomeDir = u.HomeDir
		}
	}
	return ru
}

// Ownership returns the uid/gid files created on the real user's behalf should
// be chowned to, or -1/-1 when no chown is needed.
func (c *ExecModeConfig) Ownership() (int, int) {
	if !c.IsRoot || c.RealUser == nil || c.RealUser.UID <= 0 {
		return -1, -1
	}
	return c.RealUser.UID, c.RealUser.GID
}

func envInt(key string, fallback int) int {
	return atoiOr(os.Getenv(key), fallback)
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
