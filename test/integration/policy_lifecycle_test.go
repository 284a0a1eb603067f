//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
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

// newPolicyOrchestrator wires the real policy components over a fake home.
func newPolicyOrchestrator(home *fixtures.FakeHome, dataDir string, journal domain.Journal) *usecase.Orchestrator {
	logger := zap.NewNop()
	fs := infra.NewFileSystemManagerWithHome(home.HomeDir)
	live := infra.NewLiveConfig("~/.claude/settings.json", fs)
	backups := infra.NewBackupManager(filepath.Join(dataDir, "backups"), fs, logger)
	builder := policy.NewBuilder(policy.NewRegistry())
	name, svc := builder.PersistenceService()

	accounts := infra.NewAccountDatabase(logger)
	launcher := infra.NewLauncherManager(logger)
	manager := usecase.NewPrivilegeSeparationManager(usecase.AccountManagerDeps{
		Accounts:   accounts,
		Access:     infra.NewACLGranter(accounts, "alice", logger),
		Launcher:   launcher,
		Delegation: launcher,
		Locker:     infra.NewFileLocker(filepath.Join(dataDir, "locks")),
		Confirmer:  infra.NewPrompter(strings.NewReader(""), GinkgoWriter, infra.PromptDecline, false),
	}, logger)

	return usecase.NewOrchestrator(usecase.OrchestratorDeps{
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
			usecase.DefaultCredentialCandidates(home.HomeDir), filepath.Join(dataDir, "claude-restricted"), logger),
		Backups:    backups,
		Live:       live,
		Journal:    journal,
		ProjectDir: home.ProjectDir,
		Home:       home.HomeDir,
		Account: domain.AccountSpec{
			Username:     "agentguard-it-absent",
			InvokingUser: "alice",
			LauncherPath: filepath.Join(dataDir, "claude-restricted"),
			SudoersDir:   filepath.Join(dataDir, "sudoers.d"),
		},
	}, logger)
}

var _ = Describe("Policy lifecycle", func() {
	var (
		tmpDir  string
		dataDir string
		home    *fixtures.FakeHome
		journal *infra.EncryptedJournal
		orch    *usecase.Orchestrator
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "agentguard-integration-*")
		Expect(err).NotTo(HaveOccurred())
		dataDir = filepath.Join(tmpDir, "data")

		home = fixtures.NewFakeHome(tmpDir)
		Expect(home.Create()).To(Succeed())

		journal, err = infra.OpenJournal(dataDir)
		Expect(err).NotTo(HaveOccurred())

		orch = newPolicyOrchestrator(home, dataDir, journal)
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(journal.Close()).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	Describe("apply on a fresh host", func() {
		It("should write a policy that scores 4/4", func() {
			Expect(orch.Apply(ctx).Passed()).To(BeTrue())

			report := orch.Verify(ctx)
			Expect(report.Passed()).To(BeTrue())
			Expect(report.Steps[0].Report.PassedCount()).To(Equal(4))
		})

		It("should be idempotent", func() {
			Expect(orch.Apply(ctx).Passed()).To(BeTrue())
			first, err := home.ReadLiveConfig()
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.Apply(ctx).Passed()).To(BeTrue())
			second, err := home.ReadLiveConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(second).To(Equal(first))
		})

		It("should journal the mutating steps", func() {
			Expect(orch.Apply(ctx).Passed()).To(BeTrue())

			entries, err := journal.Recent(10)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].Step).To(Equal(usecase.StepApply))
		})
	})

	Describe("tampering and rollback", func() {
		const original = `{
  // hand-written settings
  "permissions": {"additionalDirectories": ["/srv/legacy"]},
}`

		BeforeEach(func() {
			Expect(home.WriteLiveConfig(original)).To(Succeed())
		})

		It("should restore the exact pre-apply bytes", func() {
			Expect(orch.Apply(ctx).Passed()).To(BeTrue())

			records, err := orch.ListBackups(0)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(1))

			Expect(orch.Rollback(ctx, records[0].ID).Passed()).To(BeTrue())
			restored, err := home.ReadLiveConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(restored).To(Equal(original))
		})

		It("should fail verification after a denial is removed", func() {
			Expect(orch.Apply(ctx).Passed()).To(BeTrue())
			content, err := home.ReadLiveConfig()
			Expect(err).NotTo(HaveOccurred())
			Expect(home.WriteLiveConfig(strings.Replace(content, `"~/.ssh",`, "", 1))).To(Succeed())

			report := orch.Verify(ctx)
			Expect(report.Passed()).To(BeFalse())
			Expect(report.Steps[0].Report.Checks).To(ContainElement(
				HaveField("Name", usecase.CheckRequiredDenials)))
		})
	})

	Describe("check without a restricted account", func() {
		It("should pass on the policy and skip the account", func() {
			Expect(orch.Apply(ctx).Passed()).To(BeTrue())

			report := orch.Check(ctx)
			Expect(report.Passed()).To(BeTrue())
			Expect(report.Steps[1].Status).To(Equal(domain.StepSkipped))
		})
	})
})
