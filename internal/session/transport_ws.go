package session

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/relay"
)

const (
	// handshakeTimeout bounds the WebSocket upgrade.
	handshakeTimeout = 10 * time.Second

	// writeWait bounds one frame write.
	writeWait = 10 * time.Second

	// maxFrameBytes caps inbound frames; screenshots are the largest.
	maxFrameBytes = 16 << 20
)

type wsTransport struct {
	conn     *websocket.Conn
	identity string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket opens the streaming transport at ep's /ws.
func DialWebSocket(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, ep.WebSocket(identity), nil)
	if err != nil {
		if resp != nil {
			return nil, apperrors.DialFailed(ep.String(), errors.New(resp.Status))
		}
		return nil, apperrors.DialFailed(ep.String(), err)
	}
	conn.SetReadLimit(maxFrameBytes)

	return &wsTransport{conn: conn, identity: identity}, nil
}

func (t *wsTransport) Name() string { return "websocket" }

func (t *wsTransport) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerInvalidMessage, "encode envelope", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(apperrors.CodeServerConnectionLost, "websocket write", err)
	}
	return nil
}

// Receive returns the next valid envelope. Malformed frames are logged and
// skipped.
func (t *wsTransport) Receive() (protocol.Envelope, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == relay.CloseDuplicateIdentity {
				return protocol.Envelope{}, apperrors.DuplicateIdentity(t.identity)
			}
			return protocol.Envelope{}, apperrors.Wrap(apperrors.CodeServerConnectionLost, "websocket read", err)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("session: dropping envelope: %v", err)
			continue
		}
		return env, nil
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		// WriteControl may run concurrently with a blocked Send.
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
