//go:build integration

package integration

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
	"github.com/eliteGoblin/focusd/agent_guard/internal/infra"
	"github.com/eliteGoblin/focusd/agent_guard/internal/policy"
	"github.com/eliteGoblin/focusd/agent_guard/internal/usecase"
	"github.com/eliteGoblin/focusd/agent_guard/test/fixtures"
)

const testAccount = "agentguard-it"

func requireProvisioningHost() {
	if runtime.GOOS != "linux" {
		Skip("account provisioning tests run on Linux only")
	}
	if os.Geteuid() != 0 {
		Skip("account provisioning tests require root")
	}
	for _, tool := range []string{"useradd", "userdel", "setfacl", "visudo", "sudo"} {
		if _, err := exec.LookPath(tool); err != nil {
			Skip(tool + " not available")
		}
	}
}

var _ = Describe("Account lifecycle", Ordered, func() {
	var (
		tmpDir  string
		home    *fixtures.FakeHome
		orch    *usecase.Orchestrator
		spec    domain.AccountSpec
		manager *usecase.PrivilegeSeparationManager
		ctx     context.Context
	)

	BeforeAll(func() {
		requireProvisioningHost()
		if _, err := user.Lookup(testAccount); err == nil {
			Skip(testAccount + " already exists on this host")
		}

		var err error
		tmpDir, err = os.MkdirTemp("", "agentguard-account-*")
		Expect(err).NotTo(HaveOccurred())
		home = fixtures.NewFakeHome(tmpDir)
		Expect(home.Create()).To(Succeed())

		dataDir := filepath.Join(tmpDir, "data")
		Expect(os.MkdirAll(dataDir, 0700)).To(Succeed())

		logger := zap.NewNop()
		fs := infra.NewFileSystemManagerWithHome(home.HomeDir)
		live := infra.NewLiveConfig("~/.claude/settings.json", fs)
		backups := infra.NewBackupManager(filepath.Join(dataDir, "backups"), fs, logger)
		builder := policy.NewBuilder(policy.NewRegistry())
		name, svc := builder.PersistenceService()

		launcherPath := filepath.Join(tmpDir, "bin", "claude-restricted")
		spec = domain.AccountSpec{
			Username:         testAccount,
			SharedDirectory:  home.ProjectDir,
			InvokingUser:     "root",
			LauncherPath:     launcherPath,
			AssistantCommand: "/bin/true",
			EnvAllowList:     []string{"TERM"},
			SudoersDir:       filepath.Join(tmpDir, "sudoers.d"),
			DelegationMode:   domain.DelegationNarrow,
		}
		Expect(os.MkdirAll(filepath.Dir(launcherPath), 0755)).To(Succeed())
		Expect(os.MkdirAll(spec.SudoersDir, 0750)).To(Succeed())

		accounts := infra.NewAccountDatabase(logger)
		launcher := infra.NewLauncherManager(logger)
		manager = usecase.NewPrivilegeSeparationManager(usecase.AccountManagerDeps{
			Accounts:   accounts,
			Access:     infra.NewACLGranter(accounts, spec.InvokingUser, logger),
			Launcher:   launcher,
			Delegation: launcher,
			Locker:     infra.NewFileLocker(filepath.Join(dataDir, "locks")),
			Confirmer:  infra.NewPrompter(strings.NewReader(""), GinkgoWriter, infra.PromptAssumeYes, false),
		}, logger)

		orch = usecase.NewOrchestrator(usecase.OrchestratorDeps{
			Builder: builder,
			Applier: usecase.NewPolicyApplier(live, backups, policy.NewValidator(home.HomeDir), logger),
			PolicyVerifier: usecase.NewPolicyVerifier(live, usecase.PolicyExpectation{
				ProjectDir:      home.ProjectDir,
				RequiredDenials: builder.RequiredDenials(),
				ServiceName:     name,
				Service:         svc,
				Home:            home.HomeDir,
			}, logger),
			Accounts: manager,
			AccountVerifier: usecase.NewAccountVerifier(infra.NewProbeRunner(),
				usecase.DefaultCredentialCandidates(home.HomeDir), launcherPath, logger),
			Backups:    backups,
			Live:       live,
			ProjectDir: home.ProjectDir,
			Home:       home.HomeDir,
			Account:    spec,
		}, logger)
		ctx = context.Background()
	})

	AfterAll(func() {
		if orch != nil {
			orch.RemoveAccount(ctx)
		}
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
	})

	It("should provision an account that passes every isolation check", func() {
		report := orch.Full(ctx)
		Expect(report.Passed()).To(BeTrue(), "%+v", report.Steps)

		exists, err := manager.Exists(testAccount)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
		Expect(filepath.Join(home.ProjectDir, usecase.ProbeMarkerName)).To(BeAnExistingFile())
	})

	It("should report the account in check", func() {
		report := orch.Check(ctx)
		Expect(report.Passed()).To(BeTrue(), "%+v", report.Steps)
		Expect(report.Steps).To(HaveLen(3))
	})

	It("should describe the provisioned account", func() {
		acct, err := manager.Describe(spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(acct.Username).To(Equal(testAccount))
		Expect(acct.LauncherPath).To(Equal(spec.LauncherPath))
		Expect(acct.DelegationMode).To(Equal(domain.DelegationNarrow))
	})

	It("should remove the account and its artifacts", func() {
		Expect(orch.RemoveAccount(ctx).Passed()).To(BeTrue())

		exists, err := manager.Exists(testAccount)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())
		Expect(spec.LauncherPath).NotTo(BeAnExistingFile())
		Expect(filepath.Join(home.ProjectDir, usecase.ProbeMarkerName)).NotTo(BeAnExistingFile())
	})
})
