// Package main is the CLI entry point for agentguard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// errReportFailed signals exit status 1 after a report has already been printed.
var errReportFailed = errors.New("one or more steps failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReportFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentguard",
	Short: "Confine an AI coding assistant to one project directory",
	Long: `agentguard writes a least-privilege permission policy for the assistant,
verifies it, and optionally provisions a restricted OS account that runs the
assistant through a launcher.

Policy operations work as the invoking user. Account operations need root.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Back up the live configuration and write the policy",
	Args:  cobra.NoArgs,
	RunE:  withApp(func(ctx context.Context, a *app) error { return a.report(a.orch.Apply(ctx)) }),
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-read the live configuration and score the policy",
	Args:  cobra.NoArgs,
	RunE:  withApp(func(ctx context.Context, a *app) error { return a.report(a.orch.Verify(ctx)) }),
}

var createAccountCmd = &cobra.Command{
	Use:   "create-account",
	Short: "Provision the restricted account, launcher and delegation rule",
	Long: `Creates a password-less, non-admin account, grants it read/write on the
project directory, installs the launcher and a validated delegation rule, then
verifies the account by probing as it. Requires root.

If the account already exists you are asked before it is removed and
recreated. Declining changes nothing and exits 0.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app) error { return a.report(a.orch.CreateAccount(ctx)) }),
}

var removeAccountCmd = &cobra.Command{
	Use:   "remove-account",
	Short: "Remove the restricted account, launcher and delegation rule",
	Args:  cobra.NoArgs,
	RunE:  withApp(func(ctx context.Context, a *app) error { return a.report(a.orch.RemoveAccount(ctx)) }),
}

var fullCmd = &cobra.Command{
	Use:   "full",
	Short: "Apply, verify, create the account and verify it",
	Long: `Runs apply, policy verification, account creation and account
verification in order. The first failing step stops the run; later steps are
reported as skipped. Nothing is rolled back automatically.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app) error { return a.report(a.orch.Full(ctx)) }),
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the policy, the account if present, and that they agree",
	Args:  cobra.NoArgs,
	RunE:  withApp(func(ctx context.Context, a *app) error { return a.report(a.orch.Check(ctx)) }),
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the live policy, account, backups and recent journal entries",
	Args:  cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app) error {
		renderShow(a.out, a.orch.Show(ctx, showRecent))
		return nil
	}),
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the live configuration from a backup",
	Long: `Restores a backup over the live configuration. Without --to you pick from
the most recent backups. The current file is backed up first, so a rollback
can itself be rolled back.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(ctx context.Context, a *app) error {
		if rollbackList {
			records, err := a.orch.ListBackups(0)
			if err != nil {
				return err
			}
			renderBackups(a.out, records)
			return nil
		}
		return a.report(a.orch.Rollback(ctx, rollbackTo))
	}),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath     string
	projectDir     string
	assumeYes      bool
	nonInteractive bool
	verbose        bool

	rollbackTo   string
	rollbackList bool
	showRecent   int
	jsonOutput   bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default /etc/agentguard/config.yaml as root, else ~/.config/agentguard/config.yaml)")
	flags.StringVar(&projectDir, "project", "", "Project directory to allow (default: current directory)")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to every confirmation")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; decline every confirmation")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Debug logging on stderr")
	rootCmd.MarkFlagsMutuallyExclusive("yes", "non-interactive")

	rollbackCmd.Flags().StringVar(&rollbackTo, "to", "", "Backup ID to restore")
	rollbackCmd.Flags().BoolVar(&rollbackList, "list", false, "List backups instead of restoring")
	rollbackCmd.MarkFlagsMutuallyExclusive("to", "list")
	showCmd.Flags().IntVar(&showRecent, "recent", 10, "Number of backups and journal entries to show")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(createAccountCmd)
	rootCmd.AddCommand(removeAccountCmd)
	rootCmd.AddCommand(fullCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionCmd)
}

// withApp builds the application for one command and tears it down afterwards.
// SIGINT/SIGTERM cancel the context; the current step finishes its own cleanup.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return fn(ctx, a)
	}
}

func runVersion(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()
	if jsonOutput {
		fmt.Fprintf(out, `{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Fprintf(out, "agentguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
