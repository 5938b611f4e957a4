package capturer

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
	"github.com/xaionaro-go/capturectl/pkg/pipeline"
	"github.com/xaionaro-go/capturectl/pkg/portal"
)

// launchRecorder intercepts the handoff.
type launchRecorder struct {
	launched bool
	spec     pipeline.Spec
}

func (r *launchRecorder) launch(ctx context.Context, spec pipeline.Spec) error {
	r.launched = true
	r.spec = spec
	return nil
}

func TestRunUnknownMethod(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Method = "wayland-but-misspelled"
	c := New(cfg)
	rec := &launchRecorder{}
	c.Launch = rec.launch

	err := c.Run(ctx)
	var errUnknown ErrUnknownMethod
	require.ErrorAs(t, err, &errUnknown)
	require.Equal(t, cfg.Method, errUnknown.Method)

	// No process state was created and no handoff happened.
	require.False(t, rec.launched)
	require.Equal(t, 0, c.Procs.Len())
}

func TestRunTestMethod(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Method = config.MethodTest
	c := New(cfg)
	rec := &launchRecorder{}
	c.Launch = rec.launch

	require.NoError(t, c.Run(ctx))
	require.True(t, rec.launched)
	require.Equal(t, config.MethodTest, rec.spec.Method)
	require.Equal(t, pipeline.NoTransportFD, rec.spec.TransportFD)
	require.Equal(t, 0, c.Procs.Len())

	// The synthetic source goes to the configured receiver.
	args := pipeline.BuildArgs(rec.spec)
	require.Equal(t, "videotestsrc", args[0])
	require.Contains(t, args, "host=127.0.0.1")
	require.Contains(t, args, "port=5600")
}

func TestRunX11Display(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Method = config.MethodX11
	rec := &launchRecorder{}

	t.Setenv("DISPLAY", "")
	c := New(cfg)
	c.Launch = rec.launch
	require.NoError(t, c.Run(ctx))
	require.Equal(t, DefaultX11Display, rec.spec.Display)

	t.Setenv("DISPLAY", ":7")
	c = New(cfg)
	c.Launch = rec.launch
	require.NoError(t, c.Run(ctx))
	require.Equal(t, ":7", rec.spec.Display)
}

// scriptedBus answers the whole handshake successfully.
type scriptedBus struct {
	signals chan portal.Signal
	closed  bool
}

var _ portal.Bus = (*scriptedBus)(nil)

func newScriptedBus() *scriptedBus {
	return &scriptedBus{signals: make(chan portal.Signal, 16)}
}

func (b *scriptedBus) SenderToken() string { return "1_42" }

func (b *scriptedBus) ScreenCast(ctx context.Context, method string, args ...any) error {
	opts := args[len(args)-1].(map[string]dbus.Variant)
	token := opts["handle_token"].Value().(string)
	path := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/" + token)

	var resp portal.Response
	switch method {
	case "CreateSession":
		resp = portal.Response{Code: 0, Results: map[string]dbus.Variant{
			"session_handle": dbus.MakeVariant("/org/freedesktop/portal/desktop/session/1_42/s1"),
		}}
	case "SelectSources":
		resp = portal.Response{Code: 0, Results: map[string]dbus.Variant{}}
	case "Start":
		resp = portal.Response{Code: 0, Results: map[string]dbus.Variant{
			"streams": dbus.MakeVariant([][]any{{uint32(77), map[string]dbus.Variant{}}}),
		}}
	}
	b.signals <- portal.Signal{Path: path, Response: resp}
	return nil
}

func (b *scriptedBus) OpenPipeWireRemote(ctx context.Context, session dbus.ObjectPath) (int, error) {
	return 5, nil
}

func (b *scriptedBus) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	return nil
}

func (b *scriptedBus) Signals() <-chan portal.Signal { return b.signals }

func TestRunPortal(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Method = config.MethodPortal
	c := New(cfg)
	rec := &launchRecorder{}
	c.Launch = rec.launch

	bus := newScriptedBus()
	c.ConnectBus = func(ctx context.Context) (portal.Bus, func() error, error) {
		return bus, func() error { bus.closed = true; return nil }, nil
	}

	require.NoError(t, c.Run(ctx))
	require.True(t, rec.launched)
	require.Equal(t, config.MethodPortal, rec.spec.Method)
	require.Equal(t, uint32(77), rec.spec.NodeID)
	require.Equal(t, 5, rec.spec.TransportFD)
	// The bus stays open on success: the broker ties the session to it.
	require.False(t, bus.closed)
}
