// Package logs wires zap for the relay: a configurable level, and an HTTP
// middleware that logs each request tagged by which of the two transports
// it belongs to.
package logs

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger = *zap.Logger
type Field = zap.Field

func New(level string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	// Poll clients hit /rooms/:hash/poll on a short interval; the default
	// sampler (100/s then 1-in-100 thereafter) is tuned for request
	// traffic, not that cadence, and would drop most poll lines. Widen
	// the burst instead of disabling sampling outright.
	if cfg.Sampling != nil {
		cfg.Sampling.Initial = 500
		cfg.Sampling.Thereafter = 100
	}
	l, _ := cfg.Build()
	return l
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func F(k string, v any) Field { return zap.Any(k, v) }

// RequestLogger logs one line per HTTP request, tagged with the transport
// it belongs to ("push", "poll", or "admin" for /health and /metrics) and,
// for poll requests, the room hash being addressed. WS upgrades and the
// admin routes log at debug: upgrades are long-lived (one line per
// connection lifetime is the wrong granularity here) and the admin routes
// are high-frequency probe/scrape traffic, rarely interesting at info.
func RequestLogger(l Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrw := &statusRecorder{ResponseWriter: w, code: 0} // 0 means "not written"
		isWS := isWebSocketUpgrade(r)

		next.ServeHTTP(wrw, r)

		code := wrw.code
		if code == 0 {
			// Nothing wrote a header. If this was a WS upgrade,
			// the true status is 101. Otherwise treat as 200.
			if isWS {
				code = http.StatusSwitchingProtocols
			} else {
				code = http.StatusOK
			}
		}

		transport, room := classify(r.URL.Path, isWS)
		fields := []Field{
			F("method", r.Method),
			F("path", r.URL.Path),
			F("transport", transport),
			F("code", code),
			F("dur_ms", time.Since(start).Milliseconds()),
			F("ip", r.RemoteAddr),
		}
		if room != "" {
			fields = append(fields, F("room", room))
		}

		if isWS || transport == "admin" {
			l.Debug("http", fields...)
		} else {
			l.Info("http", fields...)
		}
	})
}

// classify labels a request by transport and, for poll routes, extracts
// the room hash from the path so log lines can be correlated per room
// without this middleware depending on internal/transport/poll's routing.
func classify(path string, isWS bool) (transport, room string) {
	switch {
	case isWS, path == "/ws":
		return "push", ""
	case path == "/health", strings.HasPrefix(path, "/metrics"):
		return "admin", ""
	case strings.HasPrefix(path, "/rooms/"):
		rest := strings.TrimPrefix(path, "/rooms/")
		rest = strings.TrimSuffix(rest, "/")
		hash, _, _ := strings.Cut(rest, "/")
		return "poll", hash
	default:
		return "poll", ""
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	// RFC 6455: Connection: Upgrade and Upgrade: websocket (case-insensitive)
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	code int // 0 means "not set"
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Forward optional interfaces so the websocket upgrader (which needs
// http.Hijacker) and gzhttp (which needs http.Flusher) still work through
// this wrapper.

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
func (w *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := w.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}
func (w *statusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := w.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(w.ResponseWriter, r)
}
