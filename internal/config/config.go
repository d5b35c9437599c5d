package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-tunable knob the relay reads at startup.
// Field set follows the teacher's getenv/getenvInt/getenvDur shape,
// extended with the variables spec.md §6 names plus the push-heartbeat and
// shutdown-deadline timings of spec.md §4. Room and rate-limit limits are
// package constants in internal/relay and internal/ratelimit, not fields.
type Config struct {
	Host string
	Port int

	CORSOrigin     string
	TrustedProxies int
	LogLevel       string

	WSReadBuf   int
	WSWriteBuf  int
	WSMaxFrame  int64
	WSHeartbeat time.Duration
	WSHandshake time.Duration
	PollMaxBody int64

	MetricsRoute string

	ReadHeaderTimeout time.Duration
	ShutdownDeadline  time.Duration

	// TLS is terminated upstream (out of scope per spec.md §1); the
	// fields and their pairing check are kept so the process still
	// refuses to start on a half-configured cert pair, for parity with
	// the teacher's own Validate.
	TLSCertFile string
	TLSKeyFile  string
}

func (c Config) BindAddr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	return Config{
		Host:              getenv("HOST", "0.0.0.0"),
		Port:              getenvInt("RELAY_PORT", 3001),
		CORSOrigin:        getenv("CORS_ORIGIN", "*"),
		TrustedProxies:    getenvInt("TRUSTED_PROXIES", 0),
		LogLevel:          strings.ToLower(getenv("LOG_LEVEL", "info")),
		WSReadBuf:         getenvInt("WS_READ_BUFFER", 32<<10),
		WSWriteBuf:        getenvInt("WS_WRITE_BUFFER", 32<<10),
		WSMaxFrame:        int64(getenvInt("WS_MAX_FRAME", 64<<10)),
		WSHeartbeat:       getenvDur("WS_HEARTBEAT", 30*time.Second),
		WSHandshake:       getenvDur("WS_HANDSHAKE", 10*time.Second),
		PollMaxBody:       int64(getenvInt("POLL_MAX_BODY", 64<<10)),
		MetricsRoute:      getenv("METRICS_ROUTE", "/metrics"),
		ReadHeaderTimeout: getenvDur("READ_HEADER_TIMEOUT", 5*time.Second),
		ShutdownDeadline:  getenvDur("SHUTDOWN_DEADLINE", 5*time.Second),
		TLSCertFile:       getenv("TLS_CERT_FILE", ""),
		TLSKeyFile:        getenv("TLS_KEY_FILE", ""),
	}
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid RELAY_PORT: %d", c.Port)
	}
	if c.WSMaxFrame <= 1024 {
		return fmt.Errorf("WS_MAX_FRAME too small: %d", c.WSMaxFrame)
	}
	if c.WSHeartbeat <= 0 {
		return fmt.Errorf("WS_HEARTBEAT must be >0")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be set, or none")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
func getenvDur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
