package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// pollClientTimeout must outlast the relay's 25s poll hold.
const pollClientTimeout = 35 * time.Second

// pollTransport speaks the relay's long-poll protocol: one POST to open,
// a GET loop for inbound batches, one POST per outbound envelope.
type pollTransport struct {
	ep       Endpoint
	client   *http.Client
	identity string
	connID   string

	ctx    context.Context
	cancel context.CancelFunc

	// pending is only touched by the Receive goroutine.
	pending []protocol.Envelope

	closeOnce sync.Once
}

// DialLongPoll opens the polling transport. A nil client gets one with a
// timeout longer than the relay's poll hold.
func DialLongPoll(ctx context.Context, ep Endpoint, identity string, client *http.Client) (Transport, error) {
	if client == nil {
		client = &http.Client{Timeout: pollClientTimeout}
	}

	openURL := ep.HTTP("/poll/open")
	if identity != "" {
		openURL += "?" + url.Values{"identity": {identity}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openURL, nil)
	if err != nil {
		return nil, apperrors.DialFailed(ep.String(), err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, apperrors.DialFailed(ep.String(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, apperrors.DuplicateIdentity(identity)
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.DialFailed(ep.String(), fmt.Errorf("poll open: %s", resp.Status))
	}

	var open struct {
		ConnectionID string `json:"connectionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil || open.ConnectionID == "" {
		return nil, apperrors.DialFailed(ep.String(), fmt.Errorf("poll open: bad response: %v", err))
	}

	pctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		ep:       ep,
		client:   client,
		identity: identity,
		connID:   open.ConnectionID,
		ctx:      pctx,
		cancel:   cancel,
	}, nil
}

func (t *pollTransport) Name() string { return "longpoll" }

func (t *pollTransport) connURL() string {
	return t.ep.HTTP("/poll/" + url.PathEscape(t.connID))
}

func (t *pollTransport) Send(ctx context.Context, env protocol.Envelope) error {
	if t.ctx.Err() != nil {
		return apperrors.TransportClosed()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerInvalidMessage, "encode envelope", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.connURL(), bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerConnectionLost, "poll send", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerConnectionLost, "poll send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		t.cancel()
		return apperrors.TransportClosed()
	case resp.StatusCode >= 300:
		// The relay refused this envelope; the link itself is fine.
		return responseError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Receive returns buffered envelopes first, then polls for more.
func (t *pollTransport) Receive() (protocol.Envelope, error) {
	for len(t.pending) == 0 {
		if err := t.poll(); err != nil {
			return protocol.Envelope{}, err
		}
	}
	env := t.pending[0]
	t.pending = t.pending[1:]
	return env, nil
}

func (t *pollTransport) poll() error {
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, t.connURL(), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeServerConnectionLost, "poll receive", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		if t.ctx.Err() != nil {
			return apperrors.TransportClosed()
		}
		return apperrors.Wrap(apperrors.CodeServerConnectionLost, "poll receive", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		t.cancel()
		return apperrors.TransportClosed()
	case resp.StatusCode != http.StatusOK:
		return apperrors.New(apperrors.CodeServerConnectionLost, "poll receive: "+resp.Status)
	}

	var batch []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFrameBytes*4)).Decode(&batch); err != nil {
		return apperrors.Wrap(apperrors.CodeServerConnectionLost, "poll receive: bad batch", err)
	}
	for _, raw := range batch {
		env, err := protocol.Decode(raw)
		if err != nil {
			log.Printf("session: dropping envelope: %v", err)
			continue
		}
		t.pending = append(t.pending, env)
	}
	return nil
}

// Close stops polling and tells the relay to drop the connection.
func (t *pollTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, rerr := http.NewRequestWithContext(ctx, http.MethodDelete, t.connURL(), nil)
		if rerr != nil {
			err = rerr
			return
		}
		resp, rerr := t.client.Do(req)
		if rerr != nil {
			err = rerr
			return
		}
		resp.Body.Close()
	})
	return err
}
