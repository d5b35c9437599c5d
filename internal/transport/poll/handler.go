// Package poll implements the stateless HTTP transport of spec.md §4.6 /
// §6: every request is self-contained, carrying whatever peerId or delete
// token it needs, with no connection-held state between requests.
package poll

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"

	"github.com/opaque-relay/relay/internal/config"
	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/metrics"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
)

// Handler exposes the REST surface of spec.md §6's poll table.
type Handler struct {
	cfg     config.Config
	log     logs.Logger
	rl      *relay.Relay
	limiter *ratelimit.Limiter
	started time.Time
}

func NewHandler(cfg config.Config, log logs.Logger, rl *relay.Relay, limiter *ratelimit.Limiter) http.Handler {
	h := &Handler{cfg: cfg, log: log.Named("poll"), rl: rl, limiter: limiter, started: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/rooms", h.handleRooms)
	mux.HandleFunc("/rooms/", h.handleRoomSubroute)
	mux.HandleFunc("/health", h.handleHealth)

	c := cors.New(cors.Options{
		AllowedOrigins:       []string{cfg.CORSOrigin},
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type", "X-Delete-Token"},
		OptionsSuccessStatus: http.StatusNoContent,
	})

	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(1024))
	if err != nil {
		// Only returns an error for an invalid option (such as a negative
		// minimum size), which MinSize(1024) is not.
		panic(err)
	}
	return securityHeaders(c.Handler(gz(mux)))
}

// securityHeaders adds the fixed set of response headers spec.md §6
// requires of the poll transport: no inline content sniffing, no framing,
// no referrer leakage, and HSTS for any TLS-terminating reverse proxy in
// front of the relay.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.handleCreate(w, r)
}

// handleRoomSubroute dispatches the five /rooms/:hash... routes. net/http's
// ServeMux has no path-parameter support in the teacher's Go version, so
// the hash and sub-action are split manually, matching rendezvous.go's
// plain-mux style.
func (h *Handler) handleRoomSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/rooms/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	hash := parts[0]
	if hash == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleDelete(w, r, hash)
		return
	}

	switch parts[1] {
	case "join":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleJoin(w, r, hash)
	case "send":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleSend(w, r, hash)
	case "poll":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handlePoll(w, r, hash)
	case "leave":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleLeave(w, r, hash)
	default:
		http.NotFound(w, r)
	}
}

type createBody struct {
	RoomHash string `json:"roomHash"`
	TTL      int    `json:"ttl"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := decodeJSON(w, r, h.cfg.PollMaxBody, &body); err != nil {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidFormat, "invalid body")
		return
	}
	if body.RoomHash == "" {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidFormat, "roomHash required")
		return
	}
	key := ratelimit.KeyFromRequest(r, h.cfg.TrustedProxies)
	if !h.limiter.Allow(key, ratelimit.ActionCreate) {
		metrics.RateLimited.WithLabelValues("create").Inc()
		writeErr(w, http.StatusTooManyRequests, relay.CodeRateLimited, "too many room creations")
		return
	}

	res, err := h.rl.CreatePoll(body.RoomHash, body.TTL)
	if err != nil {
		h.writeRelayError(w, err, map[relay.Code]int{
			relay.CodeRoomError:        http.StatusConflict,
			relay.CodeCapacityExceeded: http.StatusServiceUnavailable,
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"roomHash":    res.RoomHash,
		"peerId":      res.PeerID,
		"deleteToken": res.DeleteToken,
		"peerCount":   res.PeerCount,
	})
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request, hash string) {
	key := ratelimit.KeyFromRequest(r, h.cfg.TrustedProxies)
	if !h.limiter.Allow(key, ratelimit.ActionJoin) {
		metrics.RateLimited.WithLabelValues("join").Inc()
		writeErr(w, http.StatusTooManyRequests, relay.CodeRateLimited, "too many joins")
		return
	}
	res, err := h.rl.JoinPoll(hash)
	if err != nil {
		h.writeRelayError(w, err, map[relay.Code]int{
			relay.CodeRoomError: http.StatusNotFound,
			relay.CodeRoomFull:  http.StatusForbidden,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomHash":  hash,
		"peerId":    res.PeerID,
		"peerCount": res.PeerCount,
	})
}

type sendBody struct {
	PeerID   string         `json:"peerId"`
	Envelope relay.Envelope `json:"envelope"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request, hash string) {
	var body sendBody
	if err := decodeJSON(w, r, h.cfg.PollMaxBody, &body); err != nil {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidFormat, "invalid body")
		return
	}
	if body.PeerID == "" {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidFormat, "peerId required")
		return
	}
	key := ratelimit.KeyFromRequest(r, h.cfg.TrustedProxies)
	if !h.limiter.Allow(key, ratelimit.ActionMessage) {
		metrics.RateLimited.WithLabelValues("message").Inc()
		writeErr(w, http.StatusTooManyRequests, relay.CodeRateLimited, "too many messages")
		return
	}

	env := body.Envelope
	env.Room = hash
	env.From = body.PeerID
	if err := env.Validate(); err != nil {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidEnvelope, "envelope is structurally invalid")
		return
	}

	fanout, err := h.rl.Message(hash, body.PeerID, env)
	if err != nil {
		h.writeRelayError(w, err, map[relay.Code]int{
			relay.CodeRoomError: http.StatusNotFound,
			relay.CodeNotInRoom: http.StatusForbidden,
		})
		return
	}
	h.rl.Touch(hash, body.PeerID)
	metrics.MessagesRelayed.WithLabelValues("poll").Inc()
	for _, s := range fanout {
		_ = s.Send(relay.ServerEvent{Event: relay.EventMessage, RoomHash: hash, Envelope: &env})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request, hash string) {
	peerID := r.URL.Query().Get("peerId")
	since, _ := strconv.ParseFloat(r.URL.Query().Get("since"), 64)

	res, err := h.rl.PollSince(hash, peerID, since)
	if err != nil {
		h.writeRelayError(w, err, map[relay.Code]int{relay.CodeRoomError: http.StatusNotFound})
		return
	}
	if peerID != "" {
		h.rl.Touch(hash, peerID)
	}
	messages := res.Messages
	if messages == nil {
		messages = []relay.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roomHash":  hash,
		"messages":  messages,
		"peerCount": res.PeerCount,
	})
}

type leaveBody struct {
	PeerID string `json:"peerId"`
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request, hash string) {
	var body leaveBody
	if err := decodeJSON(w, r, h.cfg.PollMaxBody, &body); err != nil {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidFormat, "invalid body")
		return
	}
	if body.PeerID == "" {
		writeErr(w, http.StatusBadRequest, relay.CodeInvalidFormat, "peerId required")
		return
	}
	res, err := h.rl.Leave(hash, body.PeerID)
	if err != nil {
		h.writeRelayError(w, err, map[relay.Code]int{relay.CodeRoomError: http.StatusNotFound})
		return
	}
	for _, s := range res.Others {
		_ = s.Send(relay.ServerEvent{Event: relay.EventPeerLeft, RoomHash: hash, PeerID: body.PeerID, PeerCount: res.PeerCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"left": true})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, hash string) {
	token := r.Header.Get("X-Delete-Token")
	res, err := h.rl.Delete(hash, token)
	if err != nil {
		h.writeRelayError(w, err, map[relay.Code]int{
			relay.CodeRoomError:          http.StatusNotFound,
			relay.CodeInvalidDeleteToken: http.StatusForbidden,
		})
		return
	}
	for _, s := range res.Sinks {
		_ = s.Send(relay.ServerEvent{Event: relay.EventRoomDeleted, RoomHash: hash})
		s.Close("room_deleted")
	}
	metrics.RoomsDestroyed.WithLabelValues("deleted").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rooms, pushPeers, pollPeers := h.rl.Stats()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   time.Since(h.started).Seconds(),
		"rooms":    rooms,
		"peers":    map[string]int{"ws": pushPeers, "http": pollPeers, "total": pushPeers + pollPeers},
		"memory":   map[string]uint64{"rss": mem.Sys, "heap": mem.HeapAlloc},
		"limits":   map[string]int{"maxPeersPerRoom": relay.MaxPeersPerRoom, "maxRooms": relay.MaxRooms, "backlogCap": relay.BacklogCap},
	})
}

func (h *Handler) writeRelayError(w http.ResponseWriter, err error, statusByCode map[relay.Code]int) {
	var rerr *relay.Error
	if !errors.As(err, &rerr) {
		writeErr(w, http.StatusInternalServerError, relay.CodeRoomError, "internal error")
		return
	}
	status, ok := statusByCode[rerr.Code]
	if !ok {
		status = http.StatusNotFound
	}
	if rerr.Code == relay.CodeCapacityExceeded {
		metrics.CapacityExceeded.Inc()
	}
	metrics.Errors.WithLabelValues(string(rerr.Code)).Inc()
	writeErr(w, status, rerr.Code, rerr.Message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBody int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code relay.Code, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "message": msg})
}
