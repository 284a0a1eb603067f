package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/config"
	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/infra"
	"github.com/eliteGoblin/focusd/agent_guard/internal/policy"
	"github.com/eliteGoblin/focusd/agent_guard/internal/usecase"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      config.Config
	mode     *infra.ExecModeConfig
	logger   *zap.Logger
	orch     *usecase.Orchestrator
	journal  *infra.EncryptedJournal
	out      io.Writer
	closeLog func()
}

func newApp(out io.Writer) (*app, error) {
	mode := infra.DetectExecMode()
	cfg, err := loadConfig(mode)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	logger, closeLog := createLogger(cfg, verbose)
	logger.Debug("starting",
		zap.String("mode", mode.Mode.String()),
		zap.String("project", cfg.ProjectDir),
		zap.String("data_dir", cfg.DataDir))

	a := &app{cfg: cfg, mode: mode, logger: logger, out: out, closeLog: closeLog}
	a.orch = a.wire()
	return a, nil
}

// loadConfig resolves defaults from the exec mode, overlays the YAML file and
// then the command-line flags.
func loadConfig(mode *infra.ExecModeConfig) (config.Config, error) {
	path, required := mode.ConfigPath, false
	if configPath != "" {
		path, required = configPath, true
	}
	base := config.Default(mode.DataDir)
	base.StateDir = mode.StateDir
	cfg, err := config.Load(path, base, required)
	if err != nil {
		return config.Config{}, err
	}

	if projectDir != "" {
		cfg.ProjectDir = projectDir
	}
	if cfg.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolve project directory: %w", err)
		}
		cfg.ProjectDir = wd
	}
	abs, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return config.Config{}, fmt.Errorf("resolve project directory: %w", err)
	}
	cfg.ProjectDir = abs

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func (a *app) wire() *usecase.Orchestrator {
	cfg, logger := a.cfg, a.logger
	home := a.mode.RealUser.HomeDir

	// Files in the invoking user's home stay owned by them under sudo.
	userFS := infra.NewFileSystemManager(a.mode)
	live := infra.NewLiveConfig(cfg.LivePath, userFS)
	backups := infra.NewBackupManager(cfg.ResolvedBackupDir(), userFS, logger)

	builder := policy.NewBuilder(policy.NewRegistry()).
		WithExtraDenials(cfg.ExtraDenials...).
		WithPersistenceService(cfg.Persistence.Name, domain.ServiceDescriptor{
			Command: cfg.Persistence.Command,
			Args:    cfg.Persistence.Args,
		})
	serviceName, service := builder.PersistenceService()

	applier := usecase.NewPolicyApplier(live, backups, policy.NewValidator(home), logger).
		WithProcessDetection(infra.NewProcessManager(), cfg.AssistantProcess)
	policyVerifier := usecase.NewPolicyVerifier(live, usecase.PolicyExpectation{
		ProjectDir:      cfg.ProjectDir,
		RequiredDenials: builder.Build(cfg.ProjectDir).DeniedPaths,
		ServiceName:     serviceName,
		Service:         service,
		Home:            home,
	}, logger)

	accounts := infra.NewAccountDatabase(logger)
	launcher := infra.NewLauncherManager(logger)
	prompter := infra.NewTerminalPrompter(promptPolicy())
	manager := usecase.NewPrivilegeSeparationManager(usecase.AccountManagerDeps{
		Accounts:   accounts,
		Access:     infra.NewACLGranter(accounts, a.mode.RealUser.Username, logger),
		Launcher:   launcher,
		Delegation: launcher,
		Locker:     infra.NewFileLocker(cfg.LockDir()),
		Confirmer:  prompter,
	}, logger)
	accountVerifier := usecase.NewAccountVerifier(infra.NewProbeRunner(),
		usecase.DefaultCredentialCandidates(home), cfg.Account.LauncherPath, logger)

	deps := usecase.OrchestratorDeps{
		Builder:         builder,
		Applier:         applier,
		PolicyVerifier:  policyVerifier,
		Accounts:        manager,
		AccountVerifier: accountVerifier,
		Backups:         backups,
		Live:            live,
		Selector:        prompter,
		ProjectDir:      cfg.ProjectDir,
		Home:            home,
		Account: domain.AccountSpec{
			Username:         cfg.Account.Username,
			SharedDirectory:  cfg.ProjectDir,
			InvokingUser:     a.mode.RealUser.Username,
			LauncherPath:     cfg.Account.LauncherPath,
			AssistantCommand: cfg.Account.AssistantCommand,
			EnvAllowList:     cfg.Account.EnvAllowList,
			SudoersDir:       cfg.Account.SudoersDir,
			DelegationMode:   domain.DelegationMode(cfg.Account.DelegationMode),
		},
	}

	if journal, err := a.openJournal(userFS); err != nil {
		logger.Warn("operation journal unavailable", zap.Error(err))
	} else {
		a.journal = journal
		deps.Journal = journal
	}

	return usecase.NewOrchestrator(deps, logger)
}

// openJournal opens the journal in the state directory. Under sudo the
// directory, database and key are handed to the real user so that show and
// rollback see the same history in both modes.
func (a *app) openJournal(userFS domain.FileSystemManager) (*infra.EncryptedJournal, error) {
	dir := a.cfg.ResolvedStateDir()
	if err := userFS.EnsureDir(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	journal, err := infra.OpenJournal(dir)
	if err != nil {
		return nil, err
	}
	if err := journal.ChownTo(a.mode.Ownership()); err != nil {
		journal.Close()
		return nil, err
	}
	return journal, nil
}

func promptPolicy() infra.PromptPolicy {
	switch {
	case assumeYes:
		return infra.PromptAssumeYes
	case nonInteractive:
		return infra.PromptDecline
	default:
		return infra.PromptAsk
	}
}

// report prints r and maps a failed run to exit status 1.
func (a *app) report(r *domain.RunReport) error {
	renderRunReport(a.out, r)
	if !r.Passed() {
		return errReportFailed
	}
	return nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("close journal", zap.Error(err))
		}
	}
	a.closeLog()
}
