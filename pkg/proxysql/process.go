package proxysql

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/mcm/pkg/log"
)

const processStopGrace = 10 * time.Second

// Process supervises the query router subprocess. The router runs in the
// foreground so the manager owns its lifetime.
type Process struct {
	binary  string
	config  string
	dataDir string
	cmd     *exec.Cmd
}

func NewProcess(binary, config, dataDir string) *Process {
	return &Process{binary: binary, config: config, dataDir: dataDir}
}

// Start launches the router.
func (p *Process) Start() error {
	logger := log.WithComponent("proxysql")

	cmd := exec.Command(p.binary, "-f", "-c", p.config, "-D", p.dataDir)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start query router: %w", err)
	}

	p.cmd = cmd
	logger.Info().Int("pid", cmd.Process.Pid).Msg("Query router started")
	return nil
}

// Stop terminates the router: SIGTERM with a bounded grace period, then
// SIGKILL.
func (p *Process) Stop() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return nil
	}

	logger := log.WithComponent("proxysql")
	logger.Info().Int("pid", p.cmd.Process.Pid).Msg("Stopping query router")

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to signal query router: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(processStopGrace):
		logger.Warn().Msg("Query router did not exit in time, killing")
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill query router: %w", err)
		}
		<-done
		return nil
	}
}
