package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Scenario 3: poll-transport create, send, and poll-since interop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runPollScenario(cmd); err != nil {
			return err
		}
		fmt.Println("relaysmoke: poll scenario passed")
		return nil
	},
}

func postJSON(client *http.Client, url string, body any, out any) (int, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	res, err := client.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return res.StatusCode, err
		}
	}
	return res.StatusCode, nil
}

func runPollScenario(cmd *cobra.Command) error {
	timeout, err := time.ParseDuration(flagTimeout)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: timeout}
	base := fmt.Sprintf("http://%s", flagAddr)
	hash := fmt.Sprintf("smoke-poll-%d", time.Now().UnixNano())

	var created struct {
		PeerID      string `json:"peerId"`
		DeleteToken string `json:"deleteToken"`
	}
	if code, err := postJSON(client, base+"/rooms", map[string]any{"roomHash": hash, "ttl": 120}, &created); err != nil || code != http.StatusCreated {
		return fmt.Errorf("create room: status=%d err=%v", code, err)
	}

	var joined struct {
		PeerID    string `json:"peerId"`
		PeerCount int    `json:"peerCount"`
	}
	if code, err := postJSON(client, base+"/rooms/"+hash+"/join", nil, &joined); err != nil || code != http.StatusOK {
		return fmt.Errorf("join room: status=%d err=%v", code, err)
	}

	envelope := map[string]any{"payload": "smoke-test-ciphertext", "nonce": "smoke-nonce", "ts": 200}
	if code, _ := postJSON(client, base+"/rooms/"+hash+"/send", map[string]any{
		"peerId": joined.PeerID, "envelope": envelope,
	}, nil); code != http.StatusOK {
		return fmt.Errorf("send: status=%d", code)
	}

	res, err := client.Get(fmt.Sprintf("%s/rooms/%s/poll?since=0&peerId=%s", base, hash, created.PeerID))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	var polled struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&polled); err != nil {
		return err
	}
	if len(polled.Messages) != 1 {
		return fmt.Errorf("expected 1 polled message, got %d", len(polled.Messages))
	}

	req, err := http.NewRequest(http.MethodDelete, base+"/rooms/"+hash, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Delete-Token", created.DeleteToken)
	delRes, err := client.Do(req)
	if err != nil {
		return err
	}
	defer delRes.Body.Close()
	if delRes.StatusCode != http.StatusOK {
		return fmt.Errorf("delete room: status=%d", delRes.StatusCode)
	}
	return nil
}
