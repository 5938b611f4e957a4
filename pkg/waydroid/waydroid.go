// Package waydroid manages the Android session the headless compositor
// renders. The session starter runs detached under the process supervisor
// and is observed only through the status command, via bounded polling.
package waydroid

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/capturectl/pkg/clock"
	"github.com/xaionaro-go/capturectl/pkg/procman"
	"github.com/xaionaro-go/capturectl/pkg/xpoll"
)

const (
	DefaultReadyAttempts = 30
	DefaultReadyInterval = time.Second

	// stopGrace is how long a stopped stale session gets to wind down. A
	// stale session would not render into a newly started compositor.
	stopGrace = time.Second
)

type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Session struct {
	Procs  *procman.Supervisor
	Runner CommandRunner

	ReadyAttempts uint
	ReadyInterval time.Duration
}

func New(procs *procman.Supervisor) *Session {
	return &Session{
		Procs:         procs,
		Runner:        defaultRunner,
		ReadyAttempts: DefaultReadyAttempts,
		ReadyInterval: DefaultReadyInterval,
	}
}

func (s *Session) isRunning(ctx context.Context) bool {
	out, err := s.Runner(ctx, "waydroid", "status")
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "RUNNING")
}

// StopStale terminates a session left over from a previous run and waits a
// fixed grace period for it to wind down.
func (s *Session) StopStale(ctx context.Context) {
	if !s.isRunning(ctx) {
		return
	}
	logger.Infof(ctx, "stopping a stale Android session")
	if _, err := s.Runner(ctx, "waydroid", "session", "stop"); err != nil {
		logger.Errorf(ctx, "unable to stop the stale Android session: %v", err)
		return
	}
	clock.Get().Sleep(stopGrace)
}

// EnsureRunning starts the session in the background (supervised) and
// polls the status command until it reports the session is up.
func (s *Session) EnsureRunning(ctx context.Context) error {
	if s.isRunning(ctx) {
		logger.Debugf(ctx, "the Android session is already running")
		return nil
	}

	logger.Infof(ctx, "starting the Android session")
	cmd := exec.Command("waydroid", "session", "start")
	if _, err := s.Procs.StartProcess(ctx, "android-session", cmd); err != nil {
		return err
	}

	_, err := xpoll.Until(ctx, s.ReadyAttempts, s.ReadyInterval,
		func(ctx context.Context) (struct{}, bool, error) {
			return struct{}{}, s.isRunning(ctx), nil
		})
	if err != nil {
		return fmt.Errorf("the Android session did not become ready: %w", err)
	}
	logger.Infof(ctx, "the Android session is ready")
	return nil
}
