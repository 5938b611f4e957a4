// Package compositor brings up a headless virtual compositor (weston with
// the PipeWire backend) and discovers the video node it publishes into the
// stream registry. Spawning and discovery are separate steps: discovery is
// a pure registry query (see pwregistry) so both are testable in isolation.
package compositor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"strings"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/shirou/gopsutil/process"
	"github.com/xaionaro-go/capturectl/pkg/clock"
	"github.com/xaionaro-go/capturectl/pkg/procman"
	"github.com/xaionaro-go/capturectl/pkg/pwregistry"
	"github.com/xaionaro-go/capturectl/pkg/xpoll"
)

const (
	DefaultBinary          = "weston"
	DefaultStartupAttempts = 20
	DefaultStartupInterval = 500 * time.Millisecond

	// staleReapGrace is how long we give a leftover compositor to die
	// after being signalled, before its socket artifacts are deleted.
	staleReapGrace = time.Second
)

type ErrStartupTimeout struct {
	SocketPath string
	Err        error
}

var _ error = ErrStartupTimeout{}

func (e ErrStartupTimeout) Error() string {
	return fmt.Sprintf("the compositor socket '%s' did not appear: %v", e.SocketPath, e.Err)
}

func (e ErrStartupTimeout) Unwrap() error {
	return e.Err
}

type Config struct {
	Binary     string
	SocketName string
	Width      uint32
	Height     uint32

	// NodeNameHint attributes a registry video node to this compositor.
	NodeNameHint string

	StartupAttempts   uint
	StartupInterval   time.Duration
	DiscoveryAttempts uint
	DiscoveryInterval time.Duration
}

type Supervisor struct {
	Config   Config
	Procs    *procman.Supervisor
	Registry *pwregistry.Registry
}

func New(cfg Config, procs *procman.Supervisor, registry *pwregistry.Registry) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.NodeNameHint == "" {
		cfg.NodeNameHint = pwregistry.DefaultNodeNameHint
	}
	if cfg.StartupAttempts == 0 {
		cfg.StartupAttempts = DefaultStartupAttempts
	}
	if cfg.StartupInterval == 0 {
		cfg.StartupInterval = DefaultStartupInterval
	}
	if cfg.DiscoveryAttempts == 0 {
		cfg.DiscoveryAttempts = pwregistry.DefaultDiscoveryAttempts
	}
	if cfg.DiscoveryInterval == 0 {
		cfg.DiscoveryInterval = pwregistry.DefaultDiscoveryInterval
	}
	return &Supervisor{
		Config:   cfg,
		Procs:    procs,
		Registry: registry,
	}
}

func (s *Supervisor) runtimeDir() string {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return xdg
	}
	return fmt.Sprintf("/run/user/%d", os.Getuid())
}

func (s *Supervisor) SocketPath() string {
	return path.Join(s.runtimeDir(), s.Config.SocketName)
}

// Start brings the compositor up and returns its video node. On any error
// the caller is expected to run the process supervisor's shutdown; Start
// itself only spawns through it.
func (s *Supervisor) Start(ctx context.Context) (pwregistry.Node, error) {
	if err := s.cleanupStaleArtifacts(ctx); err != nil {
		return pwregistry.Node{}, err
	}

	cfgPath, err := s.writeCompositorConfig()
	if err != nil {
		return pwregistry.Node{}, err
	}

	logger.Infof(ctx, "starting the headless compositor (%dx%d, socket '%s')",
		s.Config.Width, s.Config.Height, s.Config.SocketName)
	cmd := exec.Command(s.Config.Binary,
		"--backend=pipewire",
		"--renderer=gl",
		"--config="+cfgPath,
		"--socket="+s.Config.SocketName,
	)
	if _, err := s.Procs.StartProcess(ctx, "compositor", cmd); err != nil {
		return pwregistry.Node{}, err
	}

	socketPath := s.SocketPath()
	_, err = xpoll.Until(ctx, s.Config.StartupAttempts, s.Config.StartupInterval,
		func(ctx context.Context) (struct{}, bool, error) {
			_, statErr := os.Stat(socketPath)
			return struct{}{}, statErr == nil, nil
		})
	if err != nil {
		return pwregistry.Node{}, ErrStartupTimeout{SocketPath: socketPath, Err: err}
	}
	logger.Infof(ctx, "the compositor socket is ready: %s", socketPath)

	// The handed-off pipeline process inherits this.
	os.Setenv("WAYLAND_DISPLAY", s.Config.SocketName)

	return s.Registry.WaitVideoNode(ctx, s.Config.NodeNameHint,
		s.Config.DiscoveryAttempts, s.Config.DiscoveryInterval)
}

// cleanupStaleArtifacts detects a listening-socket lock left by a previous
// run, forcibly reaps any compositor still bound to it, and deletes the
// artifacts. A stale compositor would otherwise keep the socket name
// occupied and the new one would fail to bind.
func (s *Supervisor) cleanupStaleArtifacts(ctx context.Context) error {
	socketPath := s.SocketPath()
	lockPath := socketPath + ".lock"
	if _, err := os.Stat(lockPath); err != nil {
		return nil
	}

	logger.Infof(ctx, "found a stale compositor lock at '%s', cleaning up", lockPath)
	s.reapStaleCompositors(ctx)

	for _, p := range []string{socketPath, lockPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unable to delete the stale artifact '%s': %w", p, err)
		}
	}
	return nil
}

// reapStaleCompositors terminates any leftover compositor process bound to
// our socket name, then waits a grace period for it to let go of the
// artifacts.
func (s *Supervisor) reapStaleCompositors(ctx context.Context) {
	procs, err := process.Processes()
	if err != nil {
		logger.Errorf(ctx, "unable to list processes: %v", err)
		return
	}

	signalled := false
	for _, p := range procs {
		cmdline, err := p.Cmdline()
		if err != nil {
			continue
		}
		if !strings.Contains(cmdline, s.Config.Binary) || !strings.Contains(cmdline, s.Config.SocketName) {
			continue
		}
		logger.Infof(ctx, "terminating a stale compositor: PID %d ('%s')", p.Pid, cmdline)
		if err := p.Terminate(); err != nil {
			logger.Errorf(ctx, "unable to terminate the stale compositor (PID %d): %v", p.Pid, err)
			continue
		}
		signalled = true
	}

	if signalled {
		clock.Get().Sleep(staleReapGrace)
	}
}

// writeCompositorConfig generates a single-output configuration with the
// requested pixel dimensions.
func (s *Supervisor) writeCompositorConfig() (string, error) {
	f, err := os.CreateTemp("", "capturectl-compositor-*.ini")
	if err != nil {
		return "", fmt.Errorf("unable to create the compositor config: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "[output]\nname=pipewire\nmode=%dx%d\n", s.Config.Width, s.Config.Height)
	if err != nil {
		return "", fmt.Errorf("unable to write the compositor config: %w", err)
	}
	return f.Name(), nil
}
