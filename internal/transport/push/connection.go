package push

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opaque-relay/relay/internal/relay"
)

// connection is the explicit record the push transport adapter keeps per
// physical socket: it owns the connection handle, the set of rooms it has
// joined (hash -> the peer identifier minted for that room), and its
// heartbeat state. This replaces the anti-pattern of per-connection state
// held by closure on the socket object (spec.md §9).
type connection struct {
	conn *websocket.Conn

	writeMu sync.Mutex // serializes all writes, as the teacher's connWrap does

	mu    sync.Mutex
	rooms map[string]string // roomHash -> peerID minted for this connection in that room

	clientKey string // resolved once at upgrade time, used for rate limiting
	traceID   string

	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, clientKey, traceID string) *connection {
	return &connection{
		conn:      conn,
		rooms:     make(map[string]string),
		clientKey: clientKey,
		traceID:   traceID,
	}
}

func (c *connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *connection) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, deadline)
}

// addRoom records this connection's peerID for hash, used for O(1)
// membership bookkeeping and O(rooms joined) disconnect cleanup.
func (c *connection) addRoom(hash, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[hash] = peerID
}

func (c *connection) peerIDFor(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.rooms[hash]
	return id, ok
}

// dropRoom removes hash from this connection's room set. The disconnect
// path reads the remaining (hash, peerID) pairs through snapshotRooms to
// clean every room in O(rooms joined by this connection).
func (c *connection) dropRoom(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, hash)
}

func (c *connection) snapshotRooms() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.rooms))
	for h, p := range c.rooms {
		out[h] = p
	}
	return out
}

// terminate physically closes the underlying socket, sending a close
// control frame with reason first. Idempotent. Used only for heartbeat
// failure, client disconnect, and graceful shutdown — never for
// room-lifecycle events (delete/expire), which only disassociate the
// connection from the affected room and leave the socket itself open for
// the peer's other rooms (spec.md §8 scenario 1: "A's connection remains
// open" after deleting its own room).
func (c *connection) terminate(reason string) {
	c.closeOnce.Do(func() {
		_ = c.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

// sink adapts one (connection, roomHash) pair to relay.PushSink.
type sink struct {
	c    *connection
	hash string
}

func (s *sink) Send(ev relay.ServerEvent) error {
	return s.c.writeJSON(ev)
}

// Close disassociates this connection from the room that owns the sink.
// It deliberately does not close the physical socket — see connection.terminate.
func (s *sink) Close(reason string) {
	s.c.dropRoom(s.hash)
}
