package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/prefs"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Transport is one live duplex channel to the relay.
//
// Receive is called from a single goroutine. Send may be called
// concurrently with Receive. Close unblocks both.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
	Receive() (protocol.Envelope, error)
	Close() error
	Name() string
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, identity string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint, identity string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
	return f(ctx, ep, identity)
}

// WebSocketDialer opens the streaming transport.
var WebSocketDialer = DialerFunc(DialWebSocket)

// LongPollDialer opens the polling transport with its own HTTP client.
var LongPollDialer = DialerFunc(func(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
	return DialLongPoll(ctx, ep, identity, nil)
})

// NewDialer returns the dialer for a transport preference: "websocket",
// "longpoll", or "auto" (WebSocket first, long-poll when the upgrade fails).
func NewDialer(mode string, client *http.Client) Dialer {
	poll := DialerFunc(func(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
		return DialLongPoll(ctx, ep, identity, client)
	})

	switch strings.ToLower(mode) {
	case prefs.TransportWebSocket:
		return WebSocketDialer
	case prefs.TransportLongPoll:
		return poll
	default:
		return &fallbackDialer{dialers: []Dialer{WebSocketDialer, poll}}
	}
}

// fallbackDialer tries each dialer in order.
type fallbackDialer struct {
	dialers []Dialer
}

func (f *fallbackDialer) Dial(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
	var errs []error
	for i, d := range f.dialers {
		t, err := d.Dial(ctx, ep, identity)
		if err == nil {
			if i > 0 {
				log.Printf("session: fell back to %s transport", t.Name())
			}
			return t, nil
		}
		// A duplicate is the relay's answer, not a transport problem.
		if apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) || ctx.Err() != nil {
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, apperrors.DialFailed(ep.String(), errors.Join(errs...))
}

// isFatal reports whether err means the transport is unusable.
func isFatal(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.CodeTransportClosed, apperrors.CodeServerConnectionLost,
		apperrors.CodeRelayDuplicateIdentity, apperrors.CodeTransportDialFailed:
		return true
	}
	return false
}
