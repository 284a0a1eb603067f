package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// Account check names, in report order.
const (
	CheckAccountExists       = "account-exists"
	CheckNoElevation         = "no-elevation"
	CheckSharedRead          = "shared-read"
	CheckSharedWrite         = "shared-write"
	CheckCredentialIsolation = "credential-isolation"
	CheckLauncher            = "launcher"
)

// ElevationProbeTimeout bounds the sudo probe; a prompt for a password must not hang.
const ElevationProbeTimeout = 5 * time.Second

// DefaultCredentialCandidates lists files the account must not read, in
// probe order. The first existing one is used.
func DefaultCredentialCandidates(invokingHome string) []string {
	return []string{
		filepath.Join(invokingHome, ".ssh", "id_ed25519"),
		filepath.Join(invokingHome, ".ssh", "id_rsa"),
		filepath.Join(invokingHome, ".aws", "credentials"),
		"/etc/shadow",
		"/etc/master.passwd",
	}
}

// AccountVerifier scores a restricted account by attempting real operations as it.
type AccountVerifier struct {
	probes       domain.ProbeRunner
	candidates   []string
	launcherPath string
	stat         func(string) (os.FileInfo, error)
	logger       *zap.Logger
}

// NewAccountVerifier creates a verifier probing the given credential candidates.
func NewAccountVerifier(probes domain.ProbeRunner, candidates []string, launcherPath string, logger *zap.Logger) *AccountVerifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountVerifier{
		probes:       probes,
		candidates:   candidates,
		launcherPath: launcherPath,
		stat:         os.Stat,
		logger:       logger,
	}
}

// Verify runs the six account checks. Every check runs even after a failure
// so the report shows the whole picture.
func (v *AccountVerifier) Verify(ctx context.Context, username, sharedDirectory string) *domain.VerificationReport {
	report := &domain.VerificationReport{}
	shared := filepath.Clean(sharedDirectory)

	v.checkExists(report, username)
	v.checkNoElevation(ctx, report, username)
	v.checkSharedRead(ctx, report, username, shared)
	v.checkSharedWrite(ctx, report, username, shared)
	v.checkCredentialIsolation(ctx, report, username)
	v.checkLauncher(report)

	v.logger.Info("account verified",
		zap.String("account", username),
		zap.Int("passed", report.PassedCount()),
		zap.Int("total", len(report.Checks)))
	return report
}

func (v *AccountVerifier) checkExists(report *domain.VerificationReport, username string) {
	exists, err := v.probes.AccountExists(username)
	switch {
	case err != nil:
		report.Add(CheckAccountExists, false, "lookup failed: "+err.Error())
	case !exists:
		report.Add(CheckAccountExists, false, fmt.Sprintf("account %s not found", username))
	default:
		report.Add(CheckAccountExists, true, username)
	}
}

func (v *AccountVerifier) checkNoElevation(ctx context.Context, report *domain.VerificationReport, username string) {
	out := v.probes.RunCommand(ctx, domain.CommandProbe{
		User:    username,
		Argv:    []string{"sudo", "-n", "true"},
		Timeout: ElevationProbeTimeout,
	})
	switch {
	case out.Err != nil:
		report.Add(CheckNoElevation, false, "probe failed: "+out.Err.Error())
	case out.Succeeded:
		report.Add(CheckNoElevation, false, "account can run sudo without a password")
	default:
		report.Add(CheckNoElevation, true, "sudo refused")
	}
}

func (v *AccountVerifier) checkSharedRead(ctx context.Context, report *domain.VerificationReport, username, shared string) {
	marker := filepath.Join(shared, ProbeMarkerName)
	out := v.probes.CheckAccess(ctx, domain.FileAccessProbe{User: username, Path: marker, Mode: domain.AccessRead})
	switch {
	case out.Err != nil:
		report.Add(CheckSharedRead, false, "probe failed: "+out.Err.Error())
	case !out.Succeeded:
		report.Add(CheckSharedRead, false, withDetail("cannot read "+marker, out.Detail))
	default:
		report.Add(CheckSharedRead, true, "read "+marker)
	}
}

func (v *AccountVerifier) checkSharedWrite(ctx context.Context, report *domain.VerificationReport, username, shared string) {
	if _, err := v.stat(shared); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			report.Add(CheckSharedWrite, false, "directory not found")
			return
		}
		report.Add(CheckSharedWrite, false, "stat failed: "+err.Error())
		return
	}
	out := v.probes.CheckAccess(ctx, domain.FileAccessProbe{User: username, Path: shared, Mode: domain.AccessWrite})
	switch {
	case out.Err != nil:
		report.Add(CheckSharedWrite, false, "probe failed: "+out.Err.Error())
	case !out.Succeeded:
		report.Add(CheckSharedWrite, false, withDetail("cannot write in "+shared, out.Detail))
	default:
		report.Add(CheckSharedWrite, true, "created and removed a file in "+shared)
	}
}

func (v *AccountVerifier) checkCredentialIsolation(ctx context.Context, report *domain.VerificationReport, username string) {
	target := ""
	for _, c := range v.candidates {
		if _, err := v.stat(c); err == nil {
			target = c
			break
		}
	}
	if target == "" {
		report.Add(CheckCredentialIsolation, false, "no credential file found to probe")
		return
	}

	out := v.probes.CheckAccess(ctx, domain.FileAccessProbe{User: username, Path: target, Mode: domain.AccessRead})
	switch {
	case out.Err != nil:
		report.Add(CheckCredentialIsolation, false, "probe failed: "+out.Err.Error())
	case out.Succeeded:
		report.Add(CheckCredentialIsolation, false, "account can read "+target)
	default:
		report.Add(CheckCredentialIsolation, true, "read of "+target+" denied")
	}
}

func (v *AccountVerifier) checkLauncher(report *domain.VerificationReport) {
	info, err := v.stat(v.launcherPath)
	switch {
	case err != nil:
		report.Add(CheckLauncher, false, fmt.Sprintf("%s not installed", v.launcherPath))
	case !info.Mode().IsRegular():
		report.Add(CheckLauncher, false, fmt.Sprintf("%s is not a regular file", v.launcherPath))
	case info.Mode().Perm()&0111 == 0:
		report.Add(CheckLauncher, false, fmt.Sprintf("%s is not executable", v.launcherPath))
	default:
		report.Add(CheckLauncher, true, v.launcherPath)
	}
}

func withDetail(msg, detail string) string {
	if detail == "" {
		return msg
	}
	return msg + ": " + detail
}
