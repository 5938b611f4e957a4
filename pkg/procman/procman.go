// Package procman owns the lifetimes of auxiliary processes (compositor,
// input relay, session starter, pipeline). Every spawn goes through the
// Supervisor, and ShutdownAll is the single cleanup authority: it is invoked
// on every exit path so no child outlives the run.
package procman

import (
	"context"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/capturectl/pkg/clock"
	"github.com/xaionaro-go/observability"
)

const DefaultGraceTimeout = 5 * time.Second

type ErrSpawn struct {
	Name string
	Err  error
}

var _ error = ErrSpawn{}

func (e ErrSpawn) Error() string {
	return fmt.Sprintf("unable to start the '%s' process: %v", e.Name, e.Err)
}

func (e ErrSpawn) Unwrap() error {
	return e.Err
}

// Process is a supervised child. It is owned exclusively by the Supervisor
// that spawned it.
type Process struct {
	Name      string
	Cmd       *exec.Cmd
	StartedAt time.Time

	waitCh  chan struct{}
	waitErr error
}

func (p *Process) PID() int {
	return p.Cmd.Process.Pid
}

// Exited is non-blocking.
func (p *Process) Exited() bool {
	select {
	case <-p.waitCh:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or the context is cancelled.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.waitCh:
		return p.waitErr
	}
}

type Supervisor struct {
	GraceTimeout time.Duration

	procs []*Process
}

func NewSupervisor() *Supervisor {
	return &Supervisor{
		GraceTimeout: DefaultGraceTimeout,
	}
}

// StartProcess launches cmd and registers it for guaranteed termination.
// The command is additionally attached to the OS-level child process group
// (see go-child-process-manager), so even a hard crash of the orchestrator
// does not orphan it.
func (s *Supervisor) StartProcess(
	ctx context.Context,
	name string,
	cmd *exec.Cmd,
) (*Process, error) {
	logger.Debugf(ctx, "starting the '%s' process: %v", name, cmd.Args)

	err := child_process_manager.ConfigureCommand(cmd)
	if err != nil {
		logger.Errorf(ctx, "unable to configure the command for child process management: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, ErrSpawn{Name: name, Err: err}
	}
	err = child_process_manager.AddChildProcess(cmd.Process)
	if err != nil {
		logger.Errorf(ctx, "unable to add the '%s' process to the child process manager: %v", name, err)
	}

	p := &Process{
		Name:      name,
		Cmd:       cmd,
		StartedAt: clock.Get().Now(),
		waitCh:    make(chan struct{}),
	}
	observability.Go(ctx, func(ctx context.Context) {
		p.waitErr = cmd.Wait()
		logger.Debugf(ctx, "the '%s' process (PID %d) exited: %v", p.Name, p.PID(), p.waitErr)
		close(p.waitCh)
	})

	s.procs = append(s.procs, p)
	logger.Infof(ctx, "started the '%s' process: PID %d", name, p.PID())
	return p, nil
}

func (s *Supervisor) Len() int {
	return len(s.procs)
}

func (s *Supervisor) Names() []string {
	result := make([]string, 0, len(s.procs))
	for _, p := range s.procs {
		result = append(result, p.Name)
	}
	return result
}

// ShutdownAll terminates every still-running supervised process in reverse
// registration order: SIGTERM, then a bounded wait, then SIGKILL. It is
// idempotent: repeated calls and calls against already-exited processes are
// no-ops, never errors.
func (s *Supervisor) ShutdownAll(ctx context.Context) error {
	if len(s.procs) == 0 {
		return nil
	}
	logger.Debugf(ctx, "shutting down %d supervised process(es)", len(s.procs))

	var result *multierror.Error
	for i := len(s.procs) - 1; i >= 0; i-- {
		if err := s.shutdownOne(ctx, s.procs[i]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.procs = nil
	return result.ErrorOrNil()
}

func (s *Supervisor) shutdownOne(ctx context.Context, p *Process) error {
	if p.Exited() {
		logger.Debugf(ctx, "the '%s' process (PID %d) already exited, nothing to do", p.Name, p.PID())
		return nil
	}

	logger.Infof(ctx, "terminating the '%s' process (PID %d)", p.Name, p.PID())
	if err := p.Cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The process could have exited between the check and the signal.
		logger.Debugf(ctx, "unable to SIGTERM the '%s' process (PID %d): %v", p.Name, p.PID(), err)
		return nil
	}

	t := clock.Get().Timer(s.GraceTimeout)
	defer t.Stop()
	select {
	case <-p.waitCh:
		return nil
	case <-t.C:
	}

	logger.Warnf(ctx, "the '%s' process (PID %d) did not exit within %v, killing it", p.Name, p.PID(), s.GraceTimeout)
	if err := p.Cmd.Process.Kill(); err != nil {
		return fmt.Errorf("unable to kill the '%s' process (PID %d): %w", p.Name, p.PID(), err)
	}
	<-p.waitCh
	return nil
}
