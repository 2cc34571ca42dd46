package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

func openPoll(t *testing.T, ts *httptest.Server, identity string) string {
	t.Helper()
	resp := postJSON(t, ts, "/poll/open?identity="+identity, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("open status = %d", resp.StatusCode)
	}
	var open OpenResponse
	if err := json.NewDecoder(resp.Body).Decode(&open); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return open.ConnectionID
}

func pollOnce(t *testing.T, ts *httptest.Server, connID string) []protocol.Envelope {
	t.Helper()
	resp, err := http.Get(ts.URL + "/poll/" + connID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll status = %d", resp.StatusCode)
	}
	var batch []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return batch
}

func TestPoll_ReceivesBroadcasts(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	connID := openPoll(t, ts, "A")
	ws := dial(t, ts, "B")
	defer ws.Close()
	waitForClients(t, s, 2)

	resp := postJSON(t, ts, "/controller/A", nil)
	resp.Body.Close()

	batch := pollOnce(t, ts, connID)
	if len(batch) != 1 || batch[0].Type != protocol.MessageTypeControllerChanged {
		t.Fatalf("batch = %+v, want one ControllerChanged", batch)
	}

	// A long-poll controller drives a WebSocket peer.
	ev, _ := json.Marshal(protocol.New(protocol.MouseEvent{Action: protocol.MouseRightDown, NormalizedX: 1, NormalizedY: 0}))
	sendResp, err := http.Post(ts.URL+"/poll/"+connID, "application/json", strings.NewReader(string(ev)))
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	sendResp.Body.Close()
	if sendResp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status = %d, want 202", sendResp.StatusCode)
	}

	env := readUntil(t, ws, protocol.MessageTypeMouseEvent)
	if got := env.Payload.(protocol.MouseEvent).ControllerClientID; got != "A" {
		t.Errorf("controller = %q, want A", got)
	}
}

func TestPoll_DuplicateIdentityRejected(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	ws := dial(t, ts, "A")
	defer ws.Close()
	waitForClients(t, s, 1)

	resp := postJSON(t, ts, "/poll/open?identity=a", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestPoll_CloseAndGone(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	connID := openPoll(t, ts, "A")
	waitForClients(t, s, 1)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/poll/"+connID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	waitForClients(t, s, 0)

	resp, err = http.Get(ts.URL + "/poll/" + connID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Errorf("poll after close status = %d, want 410", resp.StatusCode)
	}
}

func TestPoll_ReapIdle(t *testing.T) {
	s := NewServer("unused", Options{})
	pc := &pollConn{
		id:       "idle",
		queue:    make(chan protocol.Envelope, 1),
		done:     make(chan struct{}),
		lastSeen: time.Now().Add(-2 * pollIdleTimeout),
	}
	if err := s.Relay().Connect(pc, "A"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	s.polls.conns[pc.id] = pc

	s.polls.reap(time.Now())

	if s.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0 after reap", s.ClientCount())
	}
	if !pc.closed() {
		t.Error("reaped connection should be closed")
	}
}
