package pursuit

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/banshee-data/pursuit/internal/timeutil"
)

// Process is a running vision producer. It is owned by the orchestrator
// and stopped only through Stop or Kill.
type Process interface {
	Pid() int
	// Stop asks the process to exit.
	Stop() error
	// Kill terminates the process immediately.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is the exit status. It is only meaningful after Done is closed.
	Err() error
}

// ProcessStarter launches the vision producer.
type ProcessStarter func(argv []string) (Process, error)

// execProcess runs the producer as a child process.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// StartExec starts argv[0] with the remaining args, inheriting stdout and
// stderr. The child gets its own process group so a terminal interrupt is
// delivered to the orchestrator only.
func StartExec(argv []string) (Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty producer command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stop() error           { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }
func (p *execProcess) Done() <-chan struct{} { return p.done }

// Err returns the result of waiting on the child, or nil while it runs.
func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func logExit(p Process) {
	if err := p.Err(); err != nil {
		log.Printf("Vision producer (pid %d) exited: %v", p.Pid(), err)
		return
	}
	log.Printf("Vision producer (pid %d) exited cleanly", p.Pid())
}

// stopProcess asks p to exit and escalates to Kill if it has not exited
// within stopTimeout. It gives up after a further killTimeout.
func stopProcess(p Process, clock timeutil.Clock, stopTimeout, killTimeout time.Duration) error {
	select {
	case <-p.Done():
		logExit(p)
		return nil
	default:
	}

	log.Printf("Waiting for vision producer (pid %d) to terminate...", p.Pid())
	if err := p.Stop(); err != nil {
		log.Printf("Failed to signal vision producer: %v", err)
	}
	select {
	case <-p.Done():
		logExit(p)
		return nil
	case <-clock.After(stopTimeout):
	}

	log.Printf("Vision producer did not terminate within %v, killing it", stopTimeout)
	if err := p.Kill(); err != nil {
		return fmt.Errorf("failed to kill vision producer: %w", err)
	}
	select {
	case <-p.Done():
		logExit(p)
		return nil
	case <-clock.After(killTimeout):
		return fmt.Errorf("vision producer (pid %d) still running %v after kill", p.Pid(), killTimeout)
	}
}
