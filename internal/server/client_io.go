package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/relay"
)

// ID implements relay.Conn.
func (c *Client) ID() string {
	return c.id
}

// Send implements relay.Conn. It never blocks: a full buffer drops the
// envelope for this client only.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return apperrors.TransportClosed()
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return apperrors.TransportClosed()
	default:
		return apperrors.SendFailed("client send buffer full")
	}
}

// Close implements relay.Conn. writePump sends the close frame.
func (c *Client) Close(code int, reason string) {
	c.closeMu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.closeMu.Unlock()
	c.closeSend()
}

// closeSend safely signals the client to shut down exactly once.
// Senders check done before sending, so the send channel itself is
// never closed.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) closeFrame() []byte {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode == 0 {
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

// writePump continuously sends envelopes from the send channel to the
// WebSocket. It also sends periodic pings to keep the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, c.closeFrame())
			return

		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			data, err := json.Marshal(env)
			if err != nil {
				log.Printf("server: failed to marshal %s: %v", env.Type, err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("server: write to %s failed: %v", c.id, err)
				c.closeSend()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.closeSend()
				return
			}
		}
	}
}

// readPump reads envelopes from the WebSocket and hands them to the relay.
// It owns the connection's lifetime in the registry.
func (c *Client) readPump() {
	s := c.server
	defer func() {
		if c.helloTimer != nil {
			c.helloTimer.Stop()
		}
		s.relay.Disconnect(c.id)
		s.removeClient(c)
		c.closeSend()

		log.Printf("server: connection %s closed (%d remaining)", c.id, s.ClientCount())
	}()

	c.conn.SetReadLimit(s.maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	// A pong (response to our ping) proves the peer is alive.
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				log.Printf("server: read error on %s: %v", c.id, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if delay := c.limiter.Reserve().Delay(); delay > 0 {
			time.Sleep(delay)
		}

		env, err := protocol.Decode(data)
		if err != nil {
			log.Printf("server: rejecting message from %s: %v", c.id, err)
			continue
		}

		if err := s.relay.Handle(c.id, env); err != nil {
			if apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
				c.Close(relay.CloseDuplicateIdentity, "duplicate identity")
				return
			}
			log.Printf("server: %s from %s not relayed: %v", env.Type, c.id, err)
		}
	}
}
