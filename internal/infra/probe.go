package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

const (
	// DefaultProbeTimeout bounds every probe so a prompt can never hang verification.
	DefaultProbeTimeout = 5 * time.Second
	probeWaitDelay      = time.Second
	probePath           = "/usr/bin:/bin:/usr/sbin:/sbin"
)

// writeProbeScript creates and removes a file inside "$1".
const writeProbeScript = `f="$1/.agentguard-write-probe.$$" && : > "$f" && rm -f -- "$f"`

// RealProbeRunner implements domain.ProbeRunner by running real commands with
// the target account's credentials. Requires root unless probing as oneself.
type RealProbeRunner struct {
	lookup func(string) (*user.User, error)
	euid   func() int
}

// NewProbeRunner creates a probe runner.
func NewProbeRunner() *RealProbeRunner {
	return &RealProbeRunner{lookup: user.Lookup, euid: os.Geteuid}
}

// AccountExists reports whether username resolves.
func (p *RealProbeRunner) AccountExists(username string) (bool, error) {
	_, err := p.lookup(username)
	if err == nil {
		return true, nil
	}
	var unknown user.UnknownUserError
	if errors.As(err, &unknown) {
		return false, nil
	}
	return false, err
}

// RunCommand runs probe.Argv as probe.User with stdin detached.
func (p *RealProbeRunner) RunCommand(ctx context.Context, probe domain.CommandProbe) domain.ProbeOutcome {
	if len(probe.Argv) == 0 {
		return domain.ProbeOutcome{Err: fmt.Errorf("%w: empty command", domain.ErrProbeFailure)}
	}
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return p.run(ctx, probe.User, timeout, probe.Argv[0], probe.Argv[1:]...)
}

// CheckAccess attempts a real read of a file or a real write inside a directory.
func (p *RealProbeRunner) CheckAccess(ctx context.Context, probe domain.FileAccessProbe) domain.ProbeOutcome {
	switch probe.Mode {
	case domain.AccessRead:
		return p.run(ctx, probe.User, DefaultProbeTimeout, "head", "-c", "1", "--", probe.Path)
	case domain.AccessWrite:
		return p.run(ctx, probe.User, DefaultProbeTimeout, "/bin/sh", "-c", writeProbeScript, "sh", probe.Path)
	default:
		return domain.ProbeOutcome{Err: fmt.Errorf("%w: unknown access mode %d", domain.ErrProbeFailure, probe.Mode)}
	}
}

func (p *RealProbeRunner) run(ctx context.Context, username string, timeout time.Duration, name string, args ...string) domain.ProbeOutcome {
	u, err := p.lookup(username)
	if err != nil {
		return domain.ProbeOutcome{Err: fmt.Errorf("%w: lookup %s: %v", domain.ErrProbeFailure, username, err)}
	}
	cred, err := p.credential(u)
	if err != nil {
		return domain.ProbeOutcome{Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Stdin stays nil so the child reads /dev/null and cannot prompt.
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = "/"
	cmd.Env = []string{
		"HOME=" + u.HomeDir,
		"USER=" + u.Username,
		"LOGNAME=" + u.Username,
		"PATH=" + probePath,
	}
	cmd.Stderr = &stderr
	cmd.WaitDelay = probeWaitDelay
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}

	err = cmd.Run()
	if err == nil {
		return domain.ProbeOutcome{Succeeded: true}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ProbeOutcome{Detail: fmt.Sprintf("timed out after %s", timeout)}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		return domain.ProbeOutcome{Detail: detail}
	}
	return domain.ProbeOutcome{Err: fmt.Errorf("%w: %s: %v", domain.ErrProbeFailure, name, err)}
}

// credential returns the credential to switch to, or nil when already running as u.
func (p *RealProbeRunner) credential(u *user.User) (*syscall.Credential, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: uid %q: %v", domain.ErrProbeFailure, u.Uid, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: gid %q: %v", domain.ErrProbeFailure, u.Gid, err)
	}

	if p.euid() != 0 {
		if int(uid) == os.Getuid() {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: probing as %s requires root", domain.ErrProbeFailure, u.Username)
	}

	var groups []uint32
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if g, err := strconv.ParseUint(id, 10, 32); err == nil {
				groups = append(groups, uint32(g))
			}
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid), Groups: groups}, nil
}

// Ensure RealProbeRunner implements domain.ProbeRunner.
var _ domain.ProbeRunner = (*RealProbeRunner)(nil)
