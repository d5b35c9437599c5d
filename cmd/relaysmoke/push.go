package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Scenario 2: two-party push exchange with self-exclusion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runPushScenario(cmd); err != nil {
			return err
		}
		fmt.Println("relaysmoke: push scenario passed")
		return nil
	},
}

type event struct {
	Event       string          `json:"event"`
	RoomHash    string          `json:"roomHash,omitempty"`
	PeerID      string          `json:"peerId,omitempty"`
	DeleteToken string          `json:"deleteToken,omitempty"`
	PeerCount   int             `json:"peerCount,omitempty"`
	Envelope    json.RawMessage `json:"envelope,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
}

func dial(addr string) (*websocket.Conn, error) {
	u := fmt.Sprintf("ws://%s/ws", addr)
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	return c, err
}

func readEvent(c *websocket.Conn, timeout time.Duration) (event, error) {
	var ev event
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := c.ReadMessage()
	if err != nil {
		return ev, err
	}
	return ev, json.Unmarshal(raw, &ev)
}

func runPushScenario(cmd *cobra.Command) error {
	timeout, err := time.ParseDuration(flagTimeout)
	if err != nil {
		return err
	}
	hash := fmt.Sprintf("smoke-push-%d", time.Now().UnixNano())

	a, err := dial(flagAddr)
	if err != nil {
		return fmt.Errorf("dial A: %w", err)
	}
	defer a.Close()
	b, err := dial(flagAddr)
	if err != nil {
		return fmt.Errorf("dial B: %w", err)
	}
	defer b.Close()

	if err := a.WriteJSON(map[string]any{"event": "create_room", "roomHash": hash, "ttl": 120}); err != nil {
		return err
	}
	created, err := readEvent(a, timeout)
	if err != nil || created.Event != "room_created" {
		return fmt.Errorf("create_room failed: event=%+v err=%v", created, err)
	}

	if err := b.WriteJSON(map[string]any{"event": "join_room", "roomHash": hash}); err != nil {
		return err
	}
	joined, err := readEvent(b, timeout)
	if err != nil || joined.Event != "room_joined" || joined.PeerCount != 2 {
		return fmt.Errorf("join_room failed: event=%+v err=%v", joined, err)
	}
	peerJoined, err := readEvent(a, timeout)
	if err != nil || peerJoined.Event != "peer_joined" {
		return fmt.Errorf("expected peer_joined on A: event=%+v err=%v", peerJoined, err)
	}

	envelope := map[string]any{"payload": "smoke-test-ciphertext", "nonce": "smoke-nonce", "ts": 1}
	if err := a.WriteJSON(map[string]any{"event": "message", "roomHash": hash, "envelope": envelope}); err != nil {
		return err
	}
	msg, err := readEvent(b, timeout)
	if err != nil || msg.Event != "message" {
		return fmt.Errorf("B did not receive the message: event=%+v err=%v", msg, err)
	}

	if err := a.WriteJSON(map[string]any{"event": "delete_room", "roomHash": hash, "deleteToken": created.DeleteToken}); err != nil {
		return err
	}
	deleted, err := readEvent(a, timeout)
	if err != nil || deleted.Event != "room_deleted" {
		return fmt.Errorf("delete_room failed: event=%+v err=%v", deleted, err)
	}
	return nil
}
