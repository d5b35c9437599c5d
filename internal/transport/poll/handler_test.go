package poll_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/opaque-relay/relay/internal/config"
	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
	"github.com/opaque-relay/relay/internal/transport/poll"
)

func newServer() *httptest.Server {
	cfg := config.FromEnv()
	h := poll.NewHandler(cfg, logs.New("error"), relay.New(), ratelimit.New())
	return httptest.NewServer(h)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return res
}

func decode(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestCreateJoinSendPoll(t *testing.T) {
	ts := newServer()
	defer ts.Close()

	res := postJSON(t, ts.URL+"/rooms", map[string]any{"roomHash": "H3", "ttl": 120})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", res.StatusCode)
	}
	var created struct {
		RoomHash, PeerID, DeleteToken string
		PeerCount                     int
	}
	decode(t, res, &created)
	if created.PeerID == "" || created.DeleteToken == "" {
		t.Fatalf("bad create body: %+v", created)
	}

	joinRes := postJSON(t, ts.URL+"/rooms/H3/join", nil)
	if joinRes.StatusCode != http.StatusOK {
		t.Fatalf("join status: %d", joinRes.StatusCode)
	}
	var joined struct {
		PeerID    string
		PeerCount int
	}
	decode(t, joinRes, &joined)
	if joined.PeerCount != 2 {
		t.Fatalf("expected peerCount 2, got %d", joined.PeerCount)
	}

	sendRes := postJSON(t, ts.URL+"/rooms/H3/send", map[string]any{
		"peerId":   joined.PeerID,
		"envelope": map[string]any{"payload": "data", "nonce": "n", "ts": 200},
	})
	if sendRes.StatusCode != http.StatusOK {
		t.Fatalf("send status: %d", sendRes.StatusCode)
	}

	pollRes, err := http.Get(fmt.Sprintf("%s/rooms/H3/poll?since=0&peerId=%s", ts.URL, created.PeerID))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var polled struct {
		Messages  []relay.Envelope
		PeerCount int
	}
	decode(t, pollRes, &polled)
	if len(polled.Messages) != 1 || polled.PeerCount != 2 {
		t.Fatalf("unexpected poll result: %+v", polled)
	}

	pollRes2, _ := http.Get(fmt.Sprintf("%s/rooms/H3/poll?since=200&peerId=%s", ts.URL, created.PeerID))
	var polled2 struct{ Messages []relay.Envelope }
	decode(t, pollRes2, &polled2)
	if len(polled2.Messages) != 0 {
		t.Fatalf("since=200 should yield no messages, got %d", len(polled2.Messages))
	}
}

func TestDeleteTokenRejectionLeavesRoomUnchanged(t *testing.T) {
	ts := newServer()
	defer ts.Close()

	postJSON(t, ts.URL+"/rooms", map[string]any{"roomHash": "H4", "ttl": 120})

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/rooms/H4", nil)
	req.Header.Set("X-Delete-Token", "guess")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.StatusCode)
	}

	joinRes := postJSON(t, ts.URL+"/rooms/H4/join", nil)
	if joinRes.StatusCode != http.StatusOK {
		t.Fatalf("room should be unchanged, join status: %d", joinRes.StatusCode)
	}
}

func TestUnknownHashIsGenericRoomError(t *testing.T) {
	ts := newServer()
	defer ts.Close()

	res := postJSON(t, ts.URL+"/rooms/does-not-exist/join", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	var body struct{ Code string }
	decode(t, res, &body)
	if body.Code != string(relay.CodeRoomError) {
		t.Fatalf("expected ROOM_ERROR, got %q", body.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newServer()
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", res.StatusCode)
	}
	var body struct {
		Status string
		Rooms  int
	}
	decode(t, res, &body)
	if body.Status != "ok" {
		t.Fatalf("unexpected status field: %q", body.Status)
	}
}
