package relay

// Event names, exactly as spec.md §6 names them.
const (
	EventRoomCreated = "room_created"
	EventRoomJoined  = "room_joined"
	EventPeerJoined  = "peer_joined"
	EventPeerLeft    = "peer_left"
	EventMessage     = "message"
	EventRoomExpired = "room_expired"
	EventRoomDeleted = "room_deleted"
	EventError       = "error"
	EventPong        = "pong"
)

// ServerEvent is the tagged union of every server-to-client event in
// spec.md §6, flattened into one JSON-serializable struct (push transport
// sends it directly as a frame; poll responses synthesize the equivalent
// fields into their own JSON shape).
type ServerEvent struct {
	Event       string    `json:"event"`
	RoomHash    string    `json:"roomHash,omitempty"`
	PeerID      string    `json:"peerId,omitempty"`
	DeleteToken string    `json:"deleteToken,omitempty"`
	PeerCount   int       `json:"peerCount,omitempty"`
	Envelope    *Envelope `json:"envelope,omitempty"`
	Code        Code      `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
}

// PushSink is the relay core's view of one push member's association with
// one room. It deliberately does not expose the underlying connection
// type: the push transport adapter supplies an implementation that
// serializes writes and owns the physical socket, so the core never
// depends on gorilla/websocket directly (spec.md §9: replace
// per-connection state held by closure on the socket object with an
// explicit record owning its own membership and write path).
//
// A single physical connection joined to multiple rooms is represented by
// multiple PushSink values (one per room), sharing the adapter's
// underlying write-serialization — see internal/transport/push.
type PushSink interface {
	// Send delivers one server event to this member. Best-effort: a
	// write error does not propagate back into the room state machine:
	// the peer will be reaped by its own disconnect/heartbeat path.
	Send(ev ServerEvent) error
	// Close ends this member's association with the room that owns this
	// sink, for the given reason (e.g. "room_expired", "room_deleted",
	// "shutting down"). It does not necessarily close the underlying
	// connection if that connection is also a member of other rooms.
	Close(reason string)
}
