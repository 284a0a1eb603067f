package usecase

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/policy"
)

// Policy check names, in report order.
const (
	CheckConfiguration      = "configuration"
	CheckAllowedDirectory   = "allowed-directory"
	CheckRequiredDenials    = "required-denials"
	CheckAllowedScope       = "allowed-scope"
	CheckPersistenceService = "persistence-service"
)

// PolicyExpectation is what the live file must contain.
type PolicyExpectation struct {
	ProjectDir      string
	RequiredDenials []string
	ServiceName     string
	Service         domain.ServiceDescriptor
	Home            string // expands ~ in the live file
}

// PolicyVerifier re-reads the live file and scores it. It queries the raw
// JSON directly instead of sharing the writer's decoder.
type PolicyVerifier struct {
	live   domain.LiveConfig
	expect PolicyExpectation
	logger *zap.Logger
}

// NewPolicyVerifier creates a verifier.
func NewPolicyVerifier(live domain.LiveConfig, expect PolicyExpectation, logger *zap.Logger) *PolicyVerifier {
	return &PolicyVerifier{live: live, expect: expect, logger: logger}
}

// Verify runs the four checks. It never returns an error: an unreadable file
// is reported as a single failed check.
func (v *PolicyVerifier) Verify() *domain.VerificationReport {
	report := &domain.VerificationReport{}

	raw, err := v.live.ReadRaw()
	if err != nil || !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		v.logger.Warn("live configuration unreadable", zap.String("path", v.live.Path()), zap.Error(err))
		report.Add(CheckConfiguration, false, "configuration unreadable")
		return report
	}

	allowed := stringArray(gjson.GetBytes(raw, "permissions.additionalDirectories"))
	denied := stringArray(gjson.GetBytes(raw, "permissions.deny"))

	v.checkAllowedDirectory(report, allowed)
	v.checkRequiredDenials(report, denied)
	v.checkScope(report, allowed, denied)
	v.checkPersistence(report, raw)

	v.logger.Info("policy verified",
		zap.Int("passed", report.PassedCount()),
		zap.Int("total", len(report.Checks)))
	return report
}

func (v *PolicyVerifier) checkAllowedDirectory(report *domain.VerificationReport, allowed []string) {
	want := filepath.Clean(v.expect.ProjectDir)
	if len(allowed) != 1 {
		report.Add(CheckAllowedDirectory, false,
			fmt.Sprintf("expected exactly one allowed directory %s, found %d", want, len(allowed)))
		return
	}
	got := domain.NormalizePath(v.expect.Home, allowed[0])
	if got != want {
		report.Add(CheckAllowedDirectory, false, fmt.Sprintf("expected %s, found %s", want, allowed[0]))
		return
	}
	report.Add(CheckAllowedDirectory, true, want)
}

func (v *PolicyVerifier) checkRequiredDenials(report *domain.VerificationReport, denied []string) {
	var missing []string
	for _, req := range v.expect.RequiredDenials {
		if !policy.CoversPattern(denied, req, v.expect.Home) {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		report.Add(CheckRequiredDenials, false, "missing: "+strings.Join(missing, ", "))
		return
	}
	report.Add(CheckRequiredDenials, true, fmt.Sprintf("%d required denials present", len(v.expect.RequiredDenials)))
}

func (v *PolicyVerifier) checkScope(report *domain.VerificationReport, allowed, denied []string) {
	var problems []string
	for _, a := range allowed {
		dir := domain.NormalizePath(v.expect.Home, a)
		if !filepath.IsAbs(dir) {
			problems = append(problems, fmt.Sprintf("%q is not absolute", a))
			continue
		}
		if reason := policy.ScopeViolation(dir, v.expect.Home); reason != "" {
			problems = append(problems, reason)
			continue
		}
		for _, d := range denied {
			if policy.DenialShadowed(dir, d, v.expect.Home) {
				problems = append(problems, fmt.Sprintf("%s exposes denied %s", a, d))
			}
		}
	}
	if len(problems) > 0 {
		report.Add(CheckAllowedScope, false, strings.Join(problems, "; "))
		return
	}
	report.Add(CheckAllowedScope, true, "no root, home or denied path is reachable")
}

func (v *PolicyVerifier) checkPersistence(report *domain.VerificationReport, raw []byte) {
	name := v.expect.ServiceName
	svc := gjson.GetBytes(raw, "mcpServers."+gjson.Escape(name))
	if !svc.Exists() {
		report.Add(CheckPersistenceService, false, fmt.Sprintf("service %q not declared", name))
		return
	}

	command := svc.Get("command").String()
	args := stringArray(svc.Get("args"))
	want := v.expect.Service
	if command != want.Command || !equalStrings(args, want.Args) {
		report.Add(CheckPersistenceService, false, fmt.Sprintf("service %q is %q, expected %q",
			name, describeCommand(command, args), describeCommand(want.Command, want.Args)))
		return
	}
	report.Add(CheckPersistenceService, true, fmt.Sprintf("%s: %s", name, describeCommand(command, args)))
}

// stringArray returns the string elements of a JSON array; anything else yields nil.
func stringArray(r gjson.Result) []string {
	if !r.IsArray() {
		return nil
	}
	var out []string
	for _, e := range r.Array() {
		if e.Type == gjson.String {
			out = append(out, e.String())
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func describeCommand(command string, args []string) string {
	return strings.TrimSpace(command + " " + strings.Join(args, " "))
}
