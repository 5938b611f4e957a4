// Package capturer dispatches the configured capture method to a backend,
// acquires a video source through it and hands off to the external
// pipeline. It owns the single process supervisor of the run and invokes
// its shutdown on every exit path.
package capturer

import (
	"context"
	"os"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
	"github.com/xaionaro-go/capturectl/pkg/compositor"
	"github.com/xaionaro-go/capturectl/pkg/inputrelay"
	"github.com/xaionaro-go/capturectl/pkg/pipeline"
	"github.com/xaionaro-go/capturectl/pkg/portal"
	"github.com/xaionaro-go/capturectl/pkg/procman"
	"github.com/xaionaro-go/capturectl/pkg/pwregistry"
	"github.com/xaionaro-go/capturectl/pkg/waydroid"
)

// DefaultX11Display is grabbed when $DISPLAY is not set.
const DefaultX11Display = ":0"

// Session is the capture session of one run; at most one is active. It is
// created when backend acquisition starts and discarded at handoff or
// failure.
type Session struct {
	Method        config.Method
	SessionHandle string
	NodeID        uint32
	Display       string
	TransportFD   int
}

// LaunchFunc performs the pipeline handoff. It is a field so tests can
// intercept the handoff instead of replacing the test process.
type LaunchFunc func(ctx context.Context, spec pipeline.Spec) error

// ConnectBusFunc opens the broker bus for the portal backend.
type ConnectBusFunc func(ctx context.Context) (portal.Bus, func() error, error)

type Capturer struct {
	Config   config.Config
	Procs    *procman.Supervisor
	Registry *pwregistry.Registry

	Launch     LaunchFunc
	ConnectBus ConnectBusFunc
}

func New(cfg config.Config) *Capturer {
	procs := procman.NewSupervisor()
	return &Capturer{
		Config:   cfg,
		Procs:    procs,
		Registry: pwregistry.New(),
		Launch:   pipeline.NewLauncher(cfg.PipelineBinary, procs).Launch,
		ConnectBus: func(ctx context.Context) (portal.Bus, func() error, error) {
			bus, err := portal.Connect(ctx)
			if err != nil {
				return nil, nil, err
			}
			return bus, bus.Close, nil
		},
	}
}

// Run acquires a source via the configured backend and hands off to the
// pipeline. Every supervised process is shut down before Run returns,
// whatever the exit path.
func (c *Capturer) Run(ctx context.Context) (_err error) {
	// Validated before any process state is created.
	if !c.Config.Method.Valid() {
		return ErrUnknownMethod{Method: c.Config.Method}
	}

	defer func() {
		if err := c.Procs.ShutdownAll(ctx); err != nil {
			logger.Errorf(ctx, "errors during process shutdown: %v", err)
			if _err == nil {
				_err = err
			}
		}
	}()

	sess, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	logger.Infof(ctx, "acquired a video source via the '%s' backend", sess.Method)
	return c.Launch(ctx, pipeline.Spec{
		Method:       sess.Method,
		NodeID:       sess.NodeID,
		Display:      sess.Display,
		TransportFD:  sess.TransportFD,
		ReceiverHost: c.Config.ReceiverHost,
		ReceiverPort: c.Config.ReceiverPort,
		Framerate:    c.Config.Framerate,
		BitrateKbps:  c.Config.BitrateKbps,
		Width:        c.Config.Width,
		Height:       c.Config.Height,
	})
}

func (c *Capturer) acquire(ctx context.Context) (Session, error) {
	sess := Session{
		Method:      c.Config.Method,
		TransportFD: pipeline.NoTransportFD,
	}

	switch c.Config.Method {
	case config.MethodTest:
		// Synthetic source: no negotiation, no auxiliary processes.
		return sess, nil

	case config.MethodX11:
		sess.Display = os.Getenv("DISPLAY")
		if sess.Display == "" {
			sess.Display = DefaultX11Display
		}
		return sess, nil

	case config.MethodHeadless:
		return c.acquireHeadless(ctx, sess)

	case config.MethodPortal:
		return c.acquirePortal(ctx, sess)
	}

	return sess, ErrUnknownMethod{Method: c.Config.Method}
}

func (c *Capturer) acquireHeadless(ctx context.Context, sess Session) (Session, error) {
	var android *waydroid.Session
	if c.Config.Android.Enable {
		android = waydroid.New(c.Procs)
		android.StopStale(ctx)
	}

	comp := compositor.New(compositor.Config{
		SocketName:   c.Config.CompositorSocket,
		Width:        c.Config.Width,
		Height:       c.Config.Height,
		NodeNameHint: c.Config.SourceNodeName,
	}, c.Procs, c.Registry)

	node, err := comp.Start(ctx)
	if err != nil {
		return sess, err
	}
	sess.NodeID = node.ID

	if android != nil {
		if err := android.EnsureRunning(ctx); err != nil {
			return sess, err
		}
	}
	if err := c.startInputRelay(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

func (c *Capturer) acquirePortal(ctx context.Context, sess Session) (Session, error) {
	bus, closeBus, err := c.ConnectBus(ctx)
	if err != nil {
		return sess, err
	}

	result, err := portal.NewNegotiator(bus).Negotiate(ctx)
	if err != nil {
		// The broker session (if any) is already closed; drop the bus too.
		if closeErr := closeBus(); closeErr != nil {
			logger.Debugf(ctx, "unable to close the bus connection: %v", closeErr)
		}
		return sess, err
	}
	// The bus connection is deliberately kept open: the broker ties the
	// session lifetime to it, and the stream must outlive the handoff.
	sess.SessionHandle = string(result.SessionHandle)
	sess.NodeID = result.Stream.NodeID
	sess.TransportFD = result.PipeWireFD

	if err := c.startInputRelay(ctx); err != nil {
		return sess, err
	}
	return sess, nil
}

func (c *Capturer) startInputRelay(ctx context.Context) error {
	if !c.Config.InputRelay.Enable {
		return nil
	}
	_, err := inputrelay.Start(ctx, c.Procs, c.Config.InputRelay)
	return err
}
