package relay

// Code is a wire error code, part of the wire contract (spec §7).
type Code string

const (
	CodeRoomError          Code = "ROOM_ERROR"
	CodeRoomFull           Code = "ROOM_FULL"
	CodeNotInRoom          Code = "NOT_IN_ROOM"
	CodeInvalidDeleteToken Code = "INVALID_DELETE_TOKEN"
	CodeInvalidEnvelope    Code = "INVALID_ENVELOPE"
	CodeInvalidFormat      Code = "INVALID_FORMAT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeCapacityExceeded   Code = "CAPACITY_EXCEEDED"
)

// Error is the relay's typed error. It carries only a wire code and a
// human-readable message that never includes envelope content or any
// detail beyond what the code itself already discloses.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// ROOM_ERROR is intentionally generic: it covers room-not-found,
// hash-collision-on-create, and unspecified operation failure, so that a
// prober cannot distinguish "never existed" from "just expired" from
// "already taken" (spec §4.3, §8 probe-symmetry property).
var ErrRoomError = &Error{Code: CodeRoomError, Message: "room unavailable"}

var ErrRoomFull = &Error{Code: CodeRoomFull, Message: "room is full"}

var ErrNotInRoom = &Error{Code: CodeNotInRoom, Message: "not a member of this room"}

var ErrInvalidDeleteToken = &Error{Code: CodeInvalidDeleteToken, Message: "delete token does not match"}

var ErrInvalidEnvelope = &Error{Code: CodeInvalidEnvelope, Message: "envelope is structurally invalid"}

var ErrCapacityExceeded = &Error{Code: CodeCapacityExceeded, Message: "server room capacity reached"}
