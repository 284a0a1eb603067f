package infra

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// PromptPolicy decides how prompts are answered without asking.
type PromptPolicy int

const (
	// PromptAsk asks on the terminal, declining when there is none.
	PromptAsk PromptPolicy = iota
	// PromptAssumeYes answers every confirmation with yes.
	PromptAssumeYes
	// PromptDecline answers every prompt negatively.
	PromptDecline
)

// TerminalPrompter implements domain.Confirmer and domain.Selector on a terminal.
type TerminalPrompter struct {
	in          *bufio.Reader
	out         io.Writer
	policy      PromptPolicy
	interactive bool
}

// NewTerminalPrompter creates a prompter over stdin/stderr.
func NewTerminalPrompter(policy PromptPolicy) *TerminalPrompter {
	return NewPrompter(os.Stdin, os.Stderr, policy, term.IsTerminal(int(os.Stdin.Fd())))
}

// NewPrompter creates a prompter with custom streams (for testing).
func NewPrompter(in io.Reader, out io.Writer, policy PromptPolicy, interactive bool) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out, policy: policy, interactive: interactive}
}

// Confirm asks a yes/no question. Anything but y/yes declines.
func (p *TerminalPrompter) Confirm(question string) bool {
	switch p.policy {
	case PromptAssumeYes:
		fmt.Fprintf(p.out, "%s [y/N]: y (--yes)\n", question)
		return true
	case PromptDecline:
		fmt.Fprintf(p.out, "%s [y/N]: n (--non-interactive)\n", question)
		return false
	}
	if !p.interactive {
		fmt.Fprintf(p.out, "%s [y/N]: n (no terminal)\n", question)
		return false
	}

	fmt.Fprintf(p.out, "%s [y/N]: ", question)
	answer, err := p.in.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// Select asks the operator to pick one of options by number.
func (p *TerminalPrompter) Select(prompt string, options []string) (int, bool) {
	if len(options) == 0 || p.policy == PromptDecline || !p.interactive {
		return 0, false
	}

	fmt.Fprintln(p.out, prompt)
	for i, opt := range options {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
	}
	fmt.Fprintf(p.out, "Choice [1-%d, empty to cancel]: ", len(options))

	answer, err := p.in.ReadString('\n')
	if err != nil && answer == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || n < 1 || n > len(options) {
		return 0, false
	}
	return n - 1, true
}

// Ensure TerminalPrompter implements the prompt interfaces.
var _ domain.Confirmer = (*TerminalPrompter)(nil)
var _ domain.Selector = (*TerminalPrompter)(nil)
