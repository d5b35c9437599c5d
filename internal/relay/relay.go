// Package relay implements the Room Registry (spec.md §4.3) and Room State
// Machine (spec.md §4.4): the zero-knowledge core that both the push and
// poll transport adapters address. It never decrypts or interprets
// envelope content; it only enforces membership, capacity, and the
// destruction lifecycle, and fans lifecycle events out to push members.
package relay

import (
	"time"

	"github.com/opaque-relay/relay/internal/idgen"
	"github.com/opaque-relay/relay/internal/metrics"
)

// Relay is the single value aggregating the room registry and its
// concurrency discipline, so tests (and multiple instances in the same
// binary, if ever needed) can instantiate isolated relays instead of
// relying on module-level state (spec.md §9).
type Relay struct {
	reg *registry
}

func New() *Relay {
	return &Relay{reg: newRegistry()}
}

// CreateResult is returned to the creator only; DeleteToken must never be
// forwarded anywhere else (spec.md §4.4 token secrecy).
type CreateResult struct {
	RoomHash    string
	PeerID      string
	DeleteToken string
	PeerCount   int
}

func (rl *Relay) mintRoom(hash string, ttlSeconds int) (*Room, string, error) {
	deleteToken, err := idgen.New()
	if err != nil {
		return nil, "", err
	}
	ttl := time.Duration(clampTTLSeconds(ttlSeconds)) * time.Second
	room, err := rl.reg.insert(hash, deleteToken, ttl, time.Now())
	if err != nil {
		return nil, "", err
	}
	return room, deleteToken, nil
}

// CreatePush creates a room and inserts the creator as a push member,
// atomically with the insertion (spec.md §3: "creator slot is filled
// atomically with insertion"). sink must not be nil.
func (rl *Relay) CreatePush(hash string, ttlSeconds int, sink PushSink) (CreateResult, error) {
	room, deleteToken, err := rl.mintRoom(hash, ttlSeconds)
	if err != nil {
		return CreateResult{}, err
	}
	peerID, err := idgen.New()
	if err != nil {
		rl.reg.destroyIf(hash, room)
		return CreateResult{}, err
	}
	room.mu.Lock()
	room.pushMembers[peerID] = sink
	room.mu.Unlock()

	rl.refreshMetrics()
	return CreateResult{RoomHash: hash, PeerID: peerID, DeleteToken: deleteToken, PeerCount: 1}, nil
}

// CreatePoll creates a room and inserts the creator as a poll member.
func (rl *Relay) CreatePoll(hash string, ttlSeconds int) (CreateResult, error) {
	room, deleteToken, err := rl.mintRoom(hash, ttlSeconds)
	if err != nil {
		return CreateResult{}, err
	}
	peerID, err := idgen.New()
	if err != nil {
		rl.reg.destroyIf(hash, room)
		return CreateResult{}, err
	}
	now := time.Now()
	room.mu.Lock()
	room.pollMembers[peerID] = now
	room.mu.Unlock()

	rl.refreshMetrics()
	return CreateResult{RoomHash: hash, PeerID: peerID, DeleteToken: deleteToken, PeerCount: 1}, nil
}

// JoinResult is returned to the joiner; it also carries the fan-out sinks
// (other push members) so the caller can emit peer_joined without the
// relay core depending on a concrete event-dispatch mechanism.
type JoinResult struct {
	PeerID    string
	PeerCount int
	Others    []PushSink
}

func (rl *Relay) JoinPush(hash string, sink PushSink) (JoinResult, error) {
	room, ok := rl.reg.lookup(hash)
	if !ok {
		return JoinResult{}, ErrRoomError
	}
	peerID, err := idgen.New()
	if err != nil {
		return JoinResult{}, err
	}
	count, others, err := room.joinPush(peerID, sink)
	if err != nil {
		return JoinResult{}, err
	}
	rl.refreshMetrics()
	return JoinResult{PeerID: peerID, PeerCount: count, Others: others}, nil
}

func (rl *Relay) JoinPoll(hash string) (JoinResult, error) {
	room, ok := rl.reg.lookup(hash)
	if !ok {
		return JoinResult{}, ErrRoomError
	}
	peerID, err := idgen.New()
	if err != nil {
		return JoinResult{}, err
	}
	count, others, err := room.joinPoll(peerID, time.Now())
	if err != nil {
		return JoinResult{}, err
	}
	rl.refreshMetrics()
	return JoinResult{PeerID: peerID, PeerCount: count, Others: others}, nil
}

// LeaveResult carries the fan-out sinks for peer_left, and whether the
// room was destroyed as a result of becoming empty.
type LeaveResult struct {
	PeerCount int
	Others    []PushSink
	Destroyed bool
}

func (rl *Relay) Leave(hash, peerID string) (LeaveResult, error) {
	room, ok := rl.reg.lookup(hash)
	if !ok {
		return LeaveResult{}, ErrRoomError
	}
	others := room.pushSinksExcept(peerID)
	count, empty, present := room.leave(peerID)
	if !present {
		return LeaveResult{}, ErrRoomError
	}
	destroyed := false
	if empty {
		destroyed = rl.reg.destroyIf(hash, room)
	}
	rl.refreshMetrics()
	return LeaveResult{PeerCount: count, Others: others, Destroyed: destroyed}, nil
}

// Message validates sender membership, appends to the backlog, and
// returns the push sinks to fan the envelope out to (self-excluded).
func (rl *Relay) Message(hash, from string, env Envelope) ([]PushSink, error) {
	room, ok := rl.reg.lookup(hash)
	if !ok {
		return nil, ErrRoomError
	}
	return room.message(from, env)
}

// Touch bumps a poll member's liveness timestamp without returning data;
// used by the poll send route (spec.md §4.6 liveness).
func (rl *Relay) Touch(hash, peerID string) {
	if room, ok := rl.reg.lookup(hash); ok {
		room.touch(peerID, time.Now())
	}
}

// PollResult is the poll transport's view of a poll request.
type PollResult struct {
	Messages  []Envelope
	PeerCount int
}

func (rl *Relay) PollSince(hash, peerID string, since float64) (PollResult, error) {
	room, ok := rl.reg.lookup(hash)
	if !ok {
		return PollResult{}, ErrRoomError
	}
	messages, count := room.pollSince(peerID, since, time.Now())
	return PollResult{Messages: messages, PeerCount: count}, nil
}

// DeleteResult carries the sinks to notify and close.
type DeleteResult struct {
	Sinks []PushSink
}

func (rl *Relay) Delete(hash, token string) (DeleteResult, error) {
	room, ok := rl.reg.lookup(hash)
	if !ok {
		return DeleteResult{}, ErrRoomError
	}
	if !room.checkDeleteToken(token) {
		return DeleteResult{}, ErrInvalidDeleteToken
	}
	sinks := room.allPushSinks()
	rl.reg.destroyIf(hash, room)
	rl.refreshMetrics()
	return DeleteResult{Sinks: sinks}, nil
}

// ExpiredRoom is one room the janitor found past its TTL.
type ExpiredRoom struct {
	Hash  string
	Sinks []PushSink
}

// SweepExpired destroys every room whose TTL has elapsed and returns, for
// each, the push sinks that must be notified and closed. Safe to call
// from the janitor's own goroutine; does not block on any I/O.
func (rl *Relay) SweepExpired(now time.Time) []ExpiredRoom {
	var out []ExpiredRoom
	for _, room := range rl.reg.snapshot() {
		if !room.expired(now) {
			continue
		}
		sinks := room.allPushSinks()
		if rl.reg.destroyIf(room.hash, room) {
			out = append(out, ExpiredRoom{Hash: room.hash, Sinks: sinks})
		}
	}
	if len(out) > 0 {
		rl.refreshMetrics()
	}
	return out
}

// PollTimeoutResult is one poll member evicted for inactivity.
type PollTimeoutResult struct {
	Hash      string
	PeerID    string
	PeerCount int
	Others    []PushSink
	Destroyed bool
}

// SweepPollTimeouts evicts poll members idle longer than maxIdle,
// emitting the same peer_left effect as an explicit leave, and destroys
// any room left empty by the eviction.
func (rl *Relay) SweepPollTimeouts(now time.Time, maxIdle time.Duration) []PollTimeoutResult {
	var out []PollTimeoutResult
	for _, room := range rl.reg.snapshot() {
		for _, peerID := range room.expiredPollPeers(now, maxIdle) {
			others := room.pushSinksExcept(peerID)
			count, empty, present := room.leave(peerID)
			if !present {
				continue
			}
			destroyed := false
			if empty {
				destroyed = rl.reg.destroyIf(room.hash, room)
			}
			out = append(out, PollTimeoutResult{
				Hash: room.hash, PeerID: peerID, PeerCount: count, Others: others, Destroyed: destroyed,
			})
		}
	}
	if len(out) > 0 {
		rl.refreshMetrics()
	}
	return out
}

// AllSinksForShutdown returns every push sink across every live room, for
// the lifecycle manager's drain path.
func (rl *Relay) AllSinksForShutdown() map[string][]PushSink {
	out := make(map[string][]PushSink)
	for _, room := range rl.reg.snapshot() {
		out[room.hash] = room.allPushSinks()
	}
	return out
}

// DrainAll destroys every remaining room, used at the end of shutdown.
func (rl *Relay) DrainAll() {
	for _, room := range rl.reg.snapshot() {
		rl.reg.destroyIf(room.hash, room)
	}
	rl.refreshMetrics()
}

func (rl *Relay) refreshMetrics() {
	rooms := rl.reg.snapshot()
	totalPush, totalPoll := 0, 0
	for _, r := range rooms {
		push, poll := r.snapshotCounts()
		totalPush += push
		totalPoll += poll
	}
	metrics.SetRoomCounts(len(rooms), totalPush, totalPoll)
}

// Stats returns current population counts for the health endpoint.
func (rl *Relay) Stats() (rooms, pushPeers, pollPeers int) {
	snap := rl.reg.snapshot()
	for _, r := range snap {
		push, poll := r.snapshotCounts()
		pushPeers += push
		pollPeers += poll
	}
	return len(snap), pushPeers, pollPeers
}
