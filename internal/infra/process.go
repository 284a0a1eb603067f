package infra

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// ProcessManagerImpl finds running assistant processes with gopsutil.
type ProcessManagerImpl struct {
	list func() ([]*process.Process, error)
}

// NewProcessManager creates a process manager over the host process table.
func NewProcessManager() domain.ProcessManager {
	return &ProcessManagerImpl{list: process.Processes}
}

// FindByName returns PIDs whose name, or the base name of argv[0], contains
// pattern case-insensitively. agentguard's own process is never reported.
// Node-based assistants show up as "node" with the script in argv[0].
func (pm *ProcessManagerImpl) FindByName(pattern string) ([]int, error) {
	procs, err := pm.list()
	if err != nil {
		return nil, err
	}

	want := strings.ToLower(pattern)
	self := int32(os.Getpid())
	var found []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		if matchesProcess(p, want) {
			found = append(found, int(p.Pid))
		}
	}
	return found, nil
}

func matchesProcess(p *process.Process, want string) bool {
	// Errors mean the process exited or is not ours to inspect.
	if name, err := p.Name(); err == nil && strings.Contains(strings.ToLower(name), want) {
		return true
	}
	args, err := p.CmdlineSlice()
	if err != nil || len(args) == 0 {
		return false
	}
	return strings.Contains(strings.ToLower(filepath.Base(args[0])), want)
}

var _ domain.ProcessManager = (*ProcessManagerImpl)(nil)
