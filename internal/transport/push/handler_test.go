package push_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opaque-relay/relay/internal/config"
	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
	"github.com/opaque-relay/relay/internal/transport/push"
)

func testConfig() config.Config {
	cfg := config.FromEnv()
	cfg.WSHeartbeat = 200 * time.Millisecond
	cfg.WSHandshake = time.Second
	return cfg
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) relay.ServerEvent {
	t.Helper()
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev relay.ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return ev
}

func newServer() (*httptest.Server, *relay.Relay) {
	rl := relay.New()
	h := push.NewHandler(testConfig(), logs.New("error"), rl, ratelimit.New())
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	return httptest.NewServer(mux), rl
}

func TestCreateJoinMessageSelfExclusion(t *testing.T) {
	ts, _ := newServer()
	defer ts.Close()

	a := dial(t, ts)
	defer a.Close()
	b := dial(t, ts)
	defer b.Close()

	mustWrite(t, a, map[string]any{"event": "create_room", "roomHash": "room-1", "ttl": 120})
	created := readEvent(t, a)
	if created.Event != relay.EventRoomCreated || created.DeleteToken == "" {
		t.Fatalf("unexpected create reply: %+v", created)
	}

	mustWrite(t, b, map[string]any{"event": "join_room", "roomHash": "room-1"})
	joined := readEvent(t, b)
	if joined.Event != relay.EventRoomJoined || joined.PeerCount != 2 {
		t.Fatalf("unexpected join reply: %+v", joined)
	}
	peerJoined := readEvent(t, a)
	if peerJoined.Event != relay.EventPeerJoined {
		t.Fatalf("creator should see peer_joined, got %+v", peerJoined)
	}

	mustWrite(t, a, map[string]any{
		"event":    "message",
		"roomHash": "room-1",
		"envelope": map[string]any{"payload": "ciphertext", "nonce": "n1", "ts": 1},
	})
	msg := readEvent(t, b)
	if msg.Event != relay.EventMessage || msg.Envelope == nil || msg.Envelope.Payload != "ciphertext" {
		t.Fatalf("joiner should receive the message, got %+v", msg)
	}

	// The sender must not receive its own message: assert nothing else
	// arrives on A within a short deadline.
	_ = a.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("sender should not receive its own message")
	}
}

func TestDeleteRoomNotifiesAndKeepsSocketOpen(t *testing.T) {
	ts, _ := newServer()
	defer ts.Close()

	a := dial(t, ts)
	defer a.Close()

	mustWrite(t, a, map[string]any{"event": "create_room", "roomHash": "room-2", "ttl": 120})
	created := readEvent(t, a)

	mustWrite(t, a, map[string]any{"event": "delete_room", "roomHash": "room-2", "deleteToken": created.DeleteToken})
	deleted := readEvent(t, a)
	if deleted.Event != relay.EventRoomDeleted {
		t.Fatalf("expected room_deleted, got %+v", deleted)
	}

	// The connection itself must remain usable: creating a new room on it
	// must still work.
	mustWrite(t, a, map[string]any{"event": "create_room", "roomHash": "room-3", "ttl": 120})
	second := readEvent(t, a)
	if second.Event != relay.EventRoomCreated {
		t.Fatalf("connection should remain open after delete, got %+v", second)
	}
}

func TestMalformedFrameDoesNotCloseConnection(t *testing.T) {
	ts, _ := newServer()
	defer ts.Close()

	a := dial(t, ts)
	defer a.Close()

	if err := a.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errEv := readEvent(t, a)
	if errEv.Event != relay.EventError || errEv.Code != relay.CodeInvalidFormat {
		t.Fatalf("expected INVALID_FORMAT error, got %+v", errEv)
	}

	mustWrite(t, a, map[string]any{"event": "create_room", "roomHash": "room-4", "ttl": 120})
	created := readEvent(t, a)
	if created.Event != relay.EventRoomCreated {
		t.Fatalf("connection should remain usable after malformed frame, got %+v", created)
	}
}

func mustWrite(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	if err := c.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}
