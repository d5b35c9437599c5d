// Package push implements the persistent WebSocket transport of spec.md
// §4.5 / §6: one physical connection can join many rooms, each join minting
// an independent relay.PushSink over the same write-serialized socket.
package push

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opaque-relay/relay/internal/config"
	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/metrics"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
)

// clientEvent is the tagged union of every client-to-server push event in
// spec.md §6, flattened the same way relay.ServerEvent is.
type clientEvent struct {
	Event       string          `json:"event"`
	RoomHash    string          `json:"roomHash,omitempty"`
	TTL         int             `json:"ttl,omitempty"`
	DeleteToken string          `json:"deleteToken,omitempty"`
	Envelope    *relay.Envelope `json:"envelope,omitempty"`
}

// Handler upgrades connections and dispatches their client events against
// the shared relay core.
type Handler struct {
	cfg     config.Config
	log     logs.Logger
	rl      *relay.Relay
	limiter *ratelimit.Limiter

	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[*connection]struct{}
}

func NewHandler(cfg config.Config, log logs.Logger, rl *relay.Relay, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		cfg:     cfg,
		log:     log.Named("push"),
		rl:      rl,
		limiter: limiter,
		conns:   make(map[*connection]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WSReadBuf,
			WriteBufferSize: cfg.WSWriteBuf,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Shutdown terminates every connection currently tracked by this handler,
// used by the lifecycle manager during graceful shutdown (spec.md §4.8).
func (h *Handler) Shutdown() {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()
	for c := range h.conns {
		c.terminate("shutting down")
	}
}

func (h *Handler) track(c *connection) {
	h.connsMu.Lock()
	h.conns[c] = struct{}{}
	h.connsMu.Unlock()
}

func (h *Handler) untrack(c *connection) {
	h.connsMu.Lock()
	delete(h.conns, c)
	h.connsMu.Unlock()
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "upgrade required", http.StatusUpgradeRequired)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", logs.F("err", err))
		return
	}

	clientKey := ratelimit.ResolveKey(r.Header.Get("X-Forwarded-For"), r.RemoteAddr, h.cfg.TrustedProxies)
	traceID := uuid.NewString()
	c := newConnection(wsConn, clientKey, traceID)

	wsConn.SetReadLimit(h.cfg.WSMaxFrame)
	_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.WSHandshake))
	wsConn.SetPongHandler(func(string) error {
		_ = wsConn.SetReadDeadline(time.Now().Add(h.cfg.WSHeartbeat * 2))
		return nil
	})

	metrics.PushConnections.Inc()
	h.track(c)
	defer h.untrack(c)
	h.log.Debug("connected", logs.F("trace", traceID), logs.F("remote", r.RemoteAddr))

	heartbeat := time.NewTicker(h.cfg.WSHeartbeat)
	defer heartbeat.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-heartbeat.C:
				if err := c.writeControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	h.readLoop(c)
	close(done)
	c.terminate("disconnected")

	h.cleanupAll(c, "disconnected")
	h.log.Debug("disconnected", logs.F("trace", traceID))
}

func (h *Handler) readLoop(c *connection) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, io.EOF) {
				h.log.Debug("read error", logs.F("trace", c.traceID), logs.F("err", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.cfg.WSHeartbeat * 2))

		var evt clientEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			h.sendError(c, "", relay.CodeInvalidFormat, "malformed event")
			continue
		}
		h.dispatch(c, evt)
	}
}

func (h *Handler) dispatch(c *connection, evt clientEvent) {
	switch evt.Event {
	case "create_room":
		h.handleCreate(c, evt)
	case "join_room":
		h.handleJoin(c, evt)
	case "leave_room":
		h.handleLeave(c, evt)
	case "delete_room":
		h.handleDelete(c, evt)
	case "message":
		h.handleMessage(c, evt)
	case "ping":
		_ = c.writeJSON(relay.ServerEvent{Event: relay.EventPong})
	default:
		h.sendError(c, evt.RoomHash, relay.CodeInvalidFormat, "unknown event")
	}
}

func (h *Handler) handleCreate(c *connection, evt clientEvent) {
	if evt.RoomHash == "" {
		h.sendError(c, "", relay.CodeInvalidFormat, "roomHash required")
		return
	}
	if !h.limiter.Allow(c.clientKey, ratelimit.ActionCreate) {
		metrics.RateLimited.WithLabelValues("create").Inc()
		h.sendError(c, evt.RoomHash, relay.CodeRateLimited, "too many room creations")
		return
	}
	s := &sink{c: c, hash: evt.RoomHash}
	res, err := h.rl.CreatePush(evt.RoomHash, evt.TTL, s)
	if err != nil {
		h.sendRelayError(c, evt.RoomHash, err)
		return
	}
	c.addRoom(evt.RoomHash, res.PeerID)
	_ = c.writeJSON(relay.ServerEvent{
		Event:       relay.EventRoomCreated,
		RoomHash:    res.RoomHash,
		PeerID:      res.PeerID,
		DeleteToken: res.DeleteToken,
		PeerCount:   res.PeerCount,
	})
}

func (h *Handler) handleJoin(c *connection, evt clientEvent) {
	if evt.RoomHash == "" {
		h.sendError(c, "", relay.CodeInvalidFormat, "roomHash required")
		return
	}
	if !h.limiter.Allow(c.clientKey, ratelimit.ActionJoin) {
		metrics.RateLimited.WithLabelValues("join").Inc()
		h.sendError(c, evt.RoomHash, relay.CodeRateLimited, "too many joins")
		return
	}
	s := &sink{c: c, hash: evt.RoomHash}
	res, err := h.rl.JoinPush(evt.RoomHash, s)
	if err != nil {
		h.sendRelayError(c, evt.RoomHash, err)
		return
	}
	c.addRoom(evt.RoomHash, res.PeerID)
	_ = c.writeJSON(relay.ServerEvent{
		Event:     relay.EventRoomJoined,
		RoomHash:  evt.RoomHash,
		PeerID:    res.PeerID,
		PeerCount: res.PeerCount,
	})
	fanoutPeerJoined(res.Others, evt.RoomHash, res.PeerID, res.PeerCount)
}

func (h *Handler) handleLeave(c *connection, evt clientEvent) {
	peerID, ok := c.peerIDFor(evt.RoomHash)
	if !ok {
		h.sendError(c, evt.RoomHash, relay.CodeNotInRoom, "not a member of this room")
		return
	}
	res, err := h.rl.Leave(evt.RoomHash, peerID)
	if err != nil {
		h.sendRelayError(c, evt.RoomHash, err)
		return
	}
	c.dropRoom(evt.RoomHash)
	fanoutPeerLeft(res.Others, evt.RoomHash, peerID, res.PeerCount)
}

func (h *Handler) handleDelete(c *connection, evt clientEvent) {
	res, err := h.rl.Delete(evt.RoomHash, evt.DeleteToken)
	if err != nil {
		h.sendRelayError(c, evt.RoomHash, err)
		return
	}
	for _, s := range res.Sinks {
		_ = s.Send(relay.ServerEvent{Event: relay.EventRoomDeleted, RoomHash: evt.RoomHash})
		s.Close("room_deleted")
	}
	metrics.RoomsDestroyed.WithLabelValues("deleted").Inc()
}

// handleMessage enforces the ordering spec.md §4.2/§4.5 require: the
// rate limit runs before anything that would reveal membership or room
// state, and envelope structure is checked next, before the room lookup.
// The membership check itself is never done locally — h.rl.Message is the
// one authoritative test, and its NOT_IN_ROOM only surfaces after both of
// the above have passed.
func (h *Handler) handleMessage(c *connection, evt clientEvent) {
	if !h.limiter.Allow(c.clientKey, ratelimit.ActionMessage) {
		metrics.RateLimited.WithLabelValues("message").Inc()
		h.sendError(c, evt.RoomHash, relay.CodeRateLimited, "too many messages")
		return
	}
	if evt.Envelope == nil || evt.Envelope.Payload == "" || evt.Envelope.Nonce == "" {
		h.sendError(c, evt.RoomHash, relay.CodeInvalidEnvelope, "envelope is structurally invalid")
		return
	}

	peerID, _ := c.peerIDFor(evt.RoomHash)
	env := *evt.Envelope
	env.Room = evt.RoomHash
	env.From = peerID

	fanout, err := h.rl.Message(evt.RoomHash, peerID, env)
	if err != nil {
		h.sendRelayError(c, evt.RoomHash, err)
		return
	}
	metrics.MessagesRelayed.WithLabelValues("push").Inc()
	for _, s := range fanout {
		_ = s.Send(relay.ServerEvent{Event: relay.EventMessage, RoomHash: evt.RoomHash, Envelope: &env})
	}
}

func fanoutPeerJoined(others []relay.PushSink, hash, peerID string, peerCount int) {
	for _, s := range others {
		_ = s.Send(relay.ServerEvent{Event: relay.EventPeerJoined, RoomHash: hash, PeerID: peerID, PeerCount: peerCount})
	}
}

func fanoutPeerLeft(others []relay.PushSink, hash, peerID string, peerCount int) {
	for _, s := range others {
		_ = s.Send(relay.ServerEvent{Event: relay.EventPeerLeft, RoomHash: hash, PeerID: peerID, PeerCount: peerCount})
	}
}

func (h *Handler) sendError(c *connection, hash string, code relay.Code, msg string) {
	metrics.Errors.WithLabelValues(string(code)).Inc()
	_ = c.writeJSON(relay.ServerEvent{Event: relay.EventError, RoomHash: hash, Code: code, Message: msg})
}

func (h *Handler) sendRelayError(c *connection, hash string, err error) {
	var rerr *relay.Error
	if errors.As(err, &rerr) {
		if rerr.Code == relay.CodeCapacityExceeded {
			metrics.CapacityExceeded.Inc()
		}
		h.sendError(c, hash, rerr.Code, rerr.Message)
		return
	}
	h.sendError(c, hash, relay.CodeRoomError, "room unavailable")
}

// cleanupAll runs the Leave path for every room this connection still
// belongs to when its socket goes away, in O(rooms joined).
func (h *Handler) cleanupAll(c *connection, reason string) {
	for hash, peerID := range c.snapshotRooms() {
		res, err := h.rl.Leave(hash, peerID)
		if err != nil {
			continue
		}
		fanoutPeerLeft(res.Others, hash, peerID, res.PeerCount)
	}
}
