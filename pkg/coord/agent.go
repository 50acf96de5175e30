package coord

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/mcm/pkg/log"
)

// agentStopGrace is how long the agent gets after SIGTERM before SIGKILL.
const agentStopGrace = 10 * time.Second

// AgentConfig configures the local coordination agent child process.
type AgentConfig struct {
	Binary           string
	DataDir          string
	BootstrapService string
	BootstrapExpect  int
	EnableUI         bool
}

// Agent supervises the Consul agent subprocess running alongside the
// manager. Every node runs one server-mode agent that retry-joins the
// service's task DNS name.
type Agent struct {
	cfg AgentConfig
	cmd *exec.Cmd
}

// NewAgent creates an agent supervisor.
func NewAgent(cfg AgentConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start launches the agent bound to the node's routable address.
func (a *Agent) Start(bindAddr string) error {
	logger := log.WithComponent("consul-agent")

	args := []string{
		"agent",
		"-server",
		"-data-dir", a.cfg.DataDir,
		"-bind", bindAddr,
		"-client", "0.0.0.0",
		"-retry-join", fmt.Sprintf("tasks.%s", a.cfg.BootstrapService),
		"-bootstrap-expect", strconv.Itoa(a.cfg.BootstrapExpect),
	}
	if a.cfg.EnableUI {
		args = append(args, "-ui")
	}

	cmd := exec.Command(a.cfg.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start coordination agent: %w", err)
	}

	a.cmd = cmd
	logger.Info().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("Coordination agent started")
	return nil
}

// Stop terminates the agent: SIGTERM with a bounded grace period, then
// SIGKILL.
func (a *Agent) Stop() error {
	if a.cmd == nil || a.cmd.Process == nil {
		return nil
	}

	logger := log.WithComponent("consul-agent")
	logger.Info().Int("pid", a.cmd.Process.Pid).Msg("Stopping coordination agent")

	if err := a.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal coordination agent: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(agentStopGrace):
		logger.Warn().Msg("Coordination agent did not exit in time, killing")
		if err := a.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill coordination agent: %w", err)
		}
		<-done
		return nil
	}
}
