package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/usecase"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true)
	passedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	skippedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	declinedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func statusLabel(s domain.StepStatus) string {
	label := fmt.Sprintf("%-8s", strings.ToUpper(string(s)))
	switch s {
	case domain.StepPassed:
		return passedStyle.Render(label)
	case domain.StepFailed:
		return failedStyle.Render(label)
	case domain.StepDeclined:
		return declinedStyle.Render(label)
	default:
		return skippedStyle.Render(label)
	}
}

func checkLabel(passed bool) string {
	if passed {
		return passedStyle.Render("ok  ")
	}
	return failedStyle.Render("FAIL")
}

// renderRunReport prints one line per step, with nested check lines for verification steps.
func renderRunReport(w io.Writer, r *domain.RunReport) {
	fmt.Fprintln(w, headerStyle.Render("=== agentguard "+r.Operation+" ==="))
	for _, s := range r.Steps {
		fmt.Fprintf(w, "%s %-16s %s\n", statusLabel(s.Status), s.Name, s.Detail)
		if s.Report == nil {
			continue
		}
		for _, c := range s.Report.Checks {
			fmt.Fprintf(w, "         %s %-22s %s\n", checkLabel(c.Passed), c.Name, detailStyle.Render(c.Detail))
		}
	}

	switch {
	case r.Incomplete:
		fmt.Fprintln(w, failedStyle.Render("Result: INCOMPLETE (declined after earlier steps made changes)"))
	case !r.Passed():
		fmt.Fprintln(w, failedStyle.Render("Result: FAILED"))
	case declined(r):
		fmt.Fprintln(w, declinedStyle.Render("Result: DECLINED (nothing changed)"))
	default:
		fmt.Fprintln(w, passedStyle.Render("Result: PASSED"))
	}
}

func declined(r *domain.RunReport) bool {
	for _, s := range r.Steps {
		if s.Status == domain.StepDeclined {
			return true
		}
	}
	return false
}

// renderShow prints the read-only state view.
func renderShow(w io.Writer, s *usecase.ShowReport) {
	fmt.Fprintln(w, headerStyle.Render("=== agentguard show ==="))

	fmt.Fprintln(w, headerStyle.Render("\nPolicy")+" "+detailStyle.Render(s.LivePath))
	switch {
	case s.DocumentError != nil:
		fmt.Fprintf(w, "  %s\n", failedStyle.Render(s.DocumentError.Error()))
	default:
		doc := s.Document
		fmt.Fprintln(w, "  Allowed directories:")
		for _, d := range doc.AllowedDirectories {
			fmt.Fprintf(w, "    - %s\n", d)
		}
		fmt.Fprintf(w, "  Denied paths (%d):\n", len(doc.DeniedPaths))
		for _, d := range doc.DeniedPaths {
			fmt.Fprintf(w, "    - %s\n", d)
		}
		fmt.Fprintln(w, "  Services:")
		names := make([]string, 0, len(doc.AuxiliaryServices))
		for name := range doc.AuxiliaryServices {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			svc := doc.AuxiliaryServices[name]
			fmt.Fprintf(w, "    - %s: %s\n", name, strings.TrimSpace(svc.Command+" "+strings.Join(svc.Args, " ")))
		}
	}
	if s.AssistantRunning {
		fmt.Fprintln(w, declinedStyle.Render("  Assistant is running; restart it after policy changes."))
	}

	fmt.Fprintln(w, headerStyle.Render("\nRestricted account"))
	if a := s.Account; a != nil {
		fmt.Fprintf(w, "  Username:   %s\n", a.Username)
		fmt.Fprintf(w, "  Home:       %s\n", a.HomeDirectory)
		fmt.Fprintf(w, "  Shared:     %s\n", a.SharedDirectory)
		fmt.Fprintf(w, "  Access:     %s\n", orUnknown(string(a.AccessMechanism)))
		fmt.Fprintf(w, "  Launcher:   %s\n", orUnknown(a.LauncherPath))
		delegation := orUnknown(string(a.DelegationMode))
		if a.DelegationMode == domain.DelegationBroad {
			delegation = declinedStyle.Render(delegation + " (degraded)")
		}
		fmt.Fprintf(w, "  Delegation: %s\n", delegation)
	} else {
		fmt.Fprintln(w, "  not provisioned")
	}

	fmt.Fprintln(w, headerStyle.Render("\nBackups"))
	renderBackupLines(w, s.Backups)

	if len(s.Journal) > 0 {
		fmt.Fprintln(w, headerStyle.Render("\nRecent operations"))
		for _, e := range s.Journal {
			fmt.Fprintf(w, "  %s  %s %-16s %s %s\n",
				e.CreatedAt.Local().Format(time.DateTime),
				statusLabel(e.Status), e.Operation, e.Step, detailStyle.Render(e.Detail))
		}
	}
}

// renderBackups prints the rollback --list view.
func renderBackups(w io.Writer, records []domain.BackupRecord) {
	fmt.Fprintln(w, headerStyle.Render("=== agentguard backups ==="))
	renderBackupLines(w, records)
}

func renderBackupLines(w io.Writer, records []domain.BackupRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	for _, r := range records {
		line := fmt.Sprintf("  %s  %s", r.Timestamp.Local().Format(time.DateTime), r.ID)
		if r.Corrupt {
			line += " " + declinedStyle.Render("(corrupt)")
		}
		fmt.Fprintln(w, line)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
