package portal

import (
	"context"
	"fmt"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/godbus/dbus/v5"
	"github.com/xaionaro-go/observability"
)

const (
	portalDestination   = "org.freedesktop.portal.Desktop"
	portalObjectPath    = "/org/freedesktop/portal/desktop"
	screenCastInterface = "org.freedesktop.portal.ScreenCast"
	requestInterface    = "org.freedesktop.portal.Request"
	sessionInterface    = "org.freedesktop.portal.Session"
	requestPathPrefix   = "/org/freedesktop/portal/desktop/request/"
)

// Response is the payload of one org.freedesktop.portal.Request.Response
// signal. Code zero means success.
type Response struct {
	Code    uint32
	Results map[string]dbus.Variant
}

// Signal is a Response correlated to the request object it answers.
type Signal struct {
	Path     dbus.ObjectPath
	Response Response
}

// Bus is the view of the message bus the negotiator needs. The production
// implementation is SessionBus; tests substitute a scripted one.
type Bus interface {
	// SenderToken is the caller identity fragment request object paths
	// are derived from (the unique connection name with ':' stripped and
	// '.' replaced by '_').
	SenderToken() string

	// ScreenCast issues a method call on the broker's ScreenCast interface.
	ScreenCast(ctx context.Context, method string, args ...any) error

	// OpenPipeWireRemote asks the broker for a transport descriptor bound
	// to the session.
	OpenPipeWireRemote(ctx context.Context, session dbus.ObjectPath) (int, error)

	// CloseSession tears the broker session down (best effort).
	CloseSession(ctx context.Context, session dbus.ObjectPath) error

	// Signals delivers the Response signals, in order.
	Signals() <-chan Signal
}

// SessionBus is the Bus implementation over the user session D-Bus.
type SessionBus struct {
	conn       *dbus.Conn
	rawSignals chan *dbus.Signal
	signals    chan Signal
}

var _ Bus = (*SessionBus)(nil)

func Connect(ctx context.Context) (*SessionBus, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("unable to connect to the session bus: %w", err)
	}

	err = conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(requestInterface),
		dbus.WithMatchMember("Response"),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to subscribe to broker responses: %w", err)
	}

	b := &SessionBus{
		conn:       conn,
		rawSignals: make(chan *dbus.Signal, 16),
		signals:    make(chan Signal, 16),
	}
	conn.Signal(b.rawSignals)
	observability.Go(ctx, func(ctx context.Context) {
		b.pump(ctx)
	})
	return b, nil
}

func (b *SessionBus) pump(ctx context.Context) {
	defer close(b.signals)
	for {
		var sig *dbus.Signal
		var ok bool
		select {
		case <-ctx.Done():
			return
		case sig, ok = <-b.rawSignals:
			if !ok {
				return
			}
		}

		if sig.Name != requestInterface+".Response" {
			continue
		}
		resp, err := parseResponseBody(sig.Body)
		if err != nil {
			logger.Errorf(ctx, "received a malformed Response signal at '%s': %v", sig.Path, err)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case b.signals <- Signal{Path: sig.Path, Response: resp}:
		}
	}
}

func parseResponseBody(body []any) (Response, error) {
	if len(body) < 2 {
		return Response{}, fmt.Errorf("expected 2 body elements, received %d", len(body))
	}
	code, ok := body[0].(uint32)
	if !ok {
		return Response{}, fmt.Errorf("expected a uint32 response code, received %T", body[0])
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return Response{}, fmt.Errorf("expected a results vardict, received %T", body[1])
	}
	return Response{Code: code, Results: results}, nil
}

func (b *SessionBus) SenderToken() string {
	names := b.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return strings.NewReplacer(":", "", ".", "_").Replace(names[0])
}

func (b *SessionBus) ScreenCast(ctx context.Context, method string, args ...any) error {
	obj := b.conn.Object(portalDestination, portalObjectPath)
	call := obj.CallWithContext(ctx, screenCastInterface+"."+method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("the %s call failed: %w", method, call.Err)
	}
	return nil
}

func (b *SessionBus) OpenPipeWireRemote(ctx context.Context, session dbus.ObjectPath) (int, error) {
	obj := b.conn.Object(portalDestination, portalObjectPath)
	var fd dbus.UnixFD
	err := obj.CallWithContext(ctx, screenCastInterface+".OpenPipeWireRemote", 0,
		session, map[string]dbus.Variant{},
	).Store(&fd)
	if err != nil {
		return -1, fmt.Errorf("the OpenPipeWireRemote call failed: %w", err)
	}
	return int(fd), nil
}

func (b *SessionBus) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	call := b.conn.Object(portalDestination, session).CallWithContext(ctx, sessionInterface+".Close", 0)
	if call.Err != nil {
		return fmt.Errorf("the Session.Close call failed: %w", call.Err)
	}
	return nil
}

func (b *SessionBus) Signals() <-chan Signal {
	return b.signals
}

func (b *SessionBus) Close() error {
	b.conn.RemoveSignal(b.rawSignals)
	return b.conn.Close()
}
