// Package portal drives the asynchronous handshake against the desktop
// capture broker (xdg-desktop-portal's ScreenCast interface): a strict
// CreateSession -> SelectSources -> Start sequence over a correlated
// request/response bus, followed by OpenPipeWireRemote to obtain the
// transport descriptor for the negotiated stream.
//
// The handshake is an explicit finite-state machine driven by a dispatcher
// that correlates incoming Response signals to pending request tokens. The
// loop is cooperative and single-threaded: exactly one outstanding
// request/callback pair exists at a time, and the callback for step N+1 is
// registered only after step N succeeded.
package portal

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/godbus/dbus/v5"
)

type State int

const (
	StateIdle State = iota
	StateSessionCreated
	StateSourcesSelected
	StateStarted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSessionCreated:
		return "SessionCreated"
	case StateSourcesSelected:
		return "SourcesSelected"
	case StateStarted:
		return "Started"
	case StateFailed:
		return "Failed"
	}
	return fmt.Sprintf("unknown_State_%d", int(s))
}

const (
	sourceTypeMonitor = 1 << 0
	sourceTypeWindow  = 1 << 1
)

// RequestToken identifies one outgoing call. A token is matched to exactly
// one response and then discarded, never reused.
type RequestToken struct {
	Serial uint64
	Token  string
	Path   dbus.ObjectPath
}

// Stream is one negotiated video source.
type Stream struct {
	NodeID uint32
	Props  map[string]dbus.Variant
}

// Result is the outcome of a successful negotiation.
type Result struct {
	SessionHandle dbus.ObjectPath
	Stream        Stream
	PipeWireFD    int
}

type Negotiator struct {
	Bus Bus

	state   State
	serial  uint64
	pending map[dbus.ObjectPath]RequestToken
	session dbus.ObjectPath
	streams []Stream
}

func NewNegotiator(bus Bus) *Negotiator {
	return &Negotiator{
		Bus:     bus,
		state:   StateIdle,
		pending: map[dbus.ObjectPath]RequestToken{},
	}
}

func (n *Negotiator) State() State {
	return n.state
}

// effect is the side effect a transition requests: issuing the next call of
// the handshake (or nothing, for the terminal transition).
type effect func(ctx context.Context) error

// Negotiate runs the handshake to completion. Any failure terminates the
// loop; there is no separate cancel request. A session that was created but
// not successfully started is closed best-effort on the way out.
func (n *Negotiator) Negotiate(ctx context.Context) (_ *Result, _err error) {
	if n.state != StateIdle {
		return nil, fmt.Errorf("the negotiator is not reusable (state: %v)", n.state)
	}
	defer func() {
		if _err == nil || n.session == "" {
			return
		}
		logger.Debugf(ctx, "closing the partially negotiated session '%s'", n.session)
		if err := n.Bus.CloseSession(ctx, n.session); err != nil {
			logger.Debugf(ctx, "unable to close the session '%s': %v", n.session, err)
		}
	}()

	if err := n.callCreateSession(ctx); err != nil {
		n.state = StateFailed
		return nil, err
	}

	for n.state != StateStarted {
		var sig Signal
		var ok bool
		select {
		case <-ctx.Done():
			n.state = StateFailed
			return nil, ctx.Err()
		case sig, ok = <-n.Bus.Signals():
			if !ok {
				n.state = StateFailed
				return nil, fmt.Errorf("the bus connection was lost mid-handshake")
			}
		}

		tok, ok := n.pending[sig.Path]
		if !ok {
			logger.Debugf(ctx, "ignoring a response at '%s': no pending request there", sig.Path)
			continue
		}
		delete(n.pending, sig.Path)
		logger.Debugf(ctx, "correlated a response to request #%d (code: %d)", tok.Serial, sig.Response.Code)

		nextState, eff, err := n.transition(n.state, sig.Response)
		n.state = nextState
		if err != nil {
			return nil, err
		}
		if eff != nil {
			if err := eff(ctx); err != nil {
				n.state = StateFailed
				return nil, err
			}
		}
	}

	fd, err := n.Bus.OpenPipeWireRemote(ctx, n.session)
	if err != nil {
		return nil, fmt.Errorf("unable to obtain a transport descriptor for session '%s': %w", n.session, err)
	}

	logger.Infof(ctx, "negotiated stream: session='%s' node=%d fd=%d", n.session, n.streams[0].NodeID, fd)
	return &Result{
		SessionHandle: n.session,
		Stream:        n.streams[0],
		PipeWireFD:    fd,
	}, nil
}

// transition maps (state, response) to (nextState, effect, error). It does
// not mutate the negotiator; mutations happen inside the returned effect.
func (n *Negotiator) transition(st State, resp Response) (State, effect, error) {
	switch st {
	case StateIdle:
		if resp.Code != 0 {
			return StateFailed, nil, ErrNegotiation{Step: "CreateSession", Code: resp.Code}
		}
		sessionStr, err := stringResult(resp, "session_handle")
		if err != nil {
			return StateFailed, nil, err
		}
		session := dbus.ObjectPath(sessionStr)
		return StateSessionCreated, func(ctx context.Context) error {
			n.session = session
			return n.callSelectSources(ctx)
		}, nil

	case StateSessionCreated:
		if resp.Code != 0 {
			return StateFailed, nil, ErrNegotiation{Step: "SelectSources", Code: resp.Code}
		}
		return StateSourcesSelected, func(ctx context.Context) error {
			return n.callStart(ctx)
		}, nil

	case StateSourcesSelected:
		if resp.Code != 0 {
			return StateFailed, nil, ErrNegotiation{Step: "Start", Code: resp.Code}
		}
		streams := parseStreams(resp.Results["streams"])
		if len(streams) == 0 {
			return StateFailed, nil, ErrNoSource{}
		}
		return StateStarted, func(ctx context.Context) error {
			if len(streams) > 1 {
				logger.Debugf(ctx, "the broker returned %d streams, using the first one", len(streams))
			}
			n.streams = streams
			return nil
		}, nil
	}

	return StateFailed, nil, fmt.Errorf("received a response in an unexpected state: %v", st)
}

// newToken mints a fresh request token and registers it as the sole pending
// request, keyed by the request object path derived from the caller
// identity and the token.
func (n *Negotiator) newToken() RequestToken {
	n.serial++
	token := fmt.Sprintf("capturectl_%d", n.serial)
	tok := RequestToken{
		Serial: n.serial,
		Token:  token,
		Path:   dbus.ObjectPath(requestPathPrefix + n.Bus.SenderToken() + "/" + token),
	}
	n.pending[tok.Path] = tok
	return tok
}

func (n *Negotiator) callCreateSession(ctx context.Context) error {
	tok := n.newToken()
	logger.Debugf(ctx, "CreateSession (request #%d at '%s')", tok.Serial, tok.Path)
	return n.Bus.ScreenCast(ctx, "CreateSession", map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(tok.Token),
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("capturectl_session_%d", tok.Serial)),
	})
}

func (n *Negotiator) callSelectSources(ctx context.Context) error {
	tok := n.newToken()
	logger.Debugf(ctx, "SelectSources (request #%d at '%s')", tok.Serial, tok.Path)
	return n.Bus.ScreenCast(ctx, "SelectSources", n.session, map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(tok.Token),
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor | sourceTypeWindow)),
		"multiple":     dbus.MakeVariant(false),
	})
}

func (n *Negotiator) callStart(ctx context.Context) error {
	tok := n.newToken()
	logger.Debugf(ctx, "Start (request #%d at '%s')", tok.Serial, tok.Path)
	return n.Bus.ScreenCast(ctx, "Start", n.session, "", map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(tok.Token),
	})
}

func stringResult(resp Response, key string) (string, error) {
	v, ok := resp.Results[key]
	if !ok {
		return "", fmt.Errorf("the response carries no '%s'", key)
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("'%s' is a %T, expected a string", key, v.Value())
	}
	return s, nil
}

// parseStreams decodes the `streams` result: a list of (node id, props)
// pairs.
func parseStreams(v dbus.Variant) []Stream {
	var result []Stream

	appendEntry := func(entry []any) {
		if len(entry) < 1 {
			return
		}
		nodeID, ok := entry[0].(uint32)
		if !ok {
			return
		}
		stream := Stream{NodeID: nodeID}
		if len(entry) > 1 {
			if props, ok := entry[1].(map[string]dbus.Variant); ok {
				stream.Props = props
			}
		}
		result = append(result, stream)
	}

	switch value := v.Value().(type) {
	case [][]any:
		for _, entry := range value {
			appendEntry(entry)
		}
	case []any:
		for _, rawEntry := range value {
			if entry, ok := rawEntry.([]any); ok {
				appendEntry(entry)
			}
		}
	}
	return result
}
