package janitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
)

type fakeSink struct {
	mu     sync.Mutex
	events []relay.ServerEvent
	closed bool
}

func (f *fakeSink) Send(ev relay.ServerEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) snapshot() ([]relay.ServerEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]relay.ServerEvent(nil), f.events...), f.closed
}

// Manual sweep, bypassing the 10s ticker, mirrors the teacher's
// rendezvous janitor test's direct sweep() call.
func TestSweepExpiresRoomAndNotifiesSinks(t *testing.T) {
	rl := relay.New()
	sink := &fakeSink{}
	if _, err := rl.CreatePush("expiring", 60, sink); err != nil {
		t.Fatalf("create: %v", err)
	}

	j := New(logs.New("error"), rl, ratelimit.New())
	j.sweep(time.Now().Add(2 * time.Minute))

	events, closed := sink.snapshot()
	if len(events) != 1 || events[0].Event != relay.EventRoomExpired {
		t.Fatalf("expected a single room_expired event, got %+v", events)
	}
	if !closed {
		t.Fatal("sink should have been closed on expiry")
	}
}

func TestSweepEvictsIdlePollPeer(t *testing.T) {
	rl := relay.New()
	sink := &fakeSink{}
	created, err := rl.CreatePush("room", 3600, sink)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	joined, err := rl.JoinPoll("room")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	_ = created

	j := New(logs.New("error"), rl, ratelimit.New())
	j.sweep(time.Now().Add(3 * time.Minute))

	events, _ := sink.snapshot()
	if len(events) != 1 || events[0].Event != relay.EventPeerLeft || events[0].PeerID != joined.PeerID {
		t.Fatalf("expected peer_left for the idle poll peer, got %+v", events)
	}
}

func TestStartStopIsClean(t *testing.T) {
	rl := relay.New()
	j := New(logs.New("error"), rl, ratelimit.New())
	j.Start(context.Background())
	time.Sleep(10 * time.Millisecond)
	j.Stop()
}
