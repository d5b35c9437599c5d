// Package lifecycle owns process startup and graceful shutdown (spec.md
// §4.8): one listener serving both transports, and a signal-triggered
// drain with a hard deadline.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/opaque-relay/relay/internal/config"
	"github.com/opaque-relay/relay/internal/janitor"
	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/relay"
	"github.com/opaque-relay/relay/internal/transport/push"
)

// Manager runs the HTTP server and coordinates its shutdown with the
// janitor and the relay's own connection-draining.
type Manager struct {
	cfg  config.Config
	log  logs.Logger
	srv  *http.Server
	push *push.Handler
	rl   *relay.Relay
	jan  *janitor.Janitor

	shuttingDown atomic.Bool
}

func New(cfg config.Config, log logs.Logger, handler http.Handler, pushHandler *push.Handler, rl *relay.Relay, jan *janitor.Janitor) *Manager {
	return &Manager{
		cfg: cfg,
		log: log,
		srv: &http.Server{
			Addr:              cfg.BindAddr(),
			Handler:           logs.RequestLogger(log, handler),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		},
		push: pushHandler,
		rl:   rl,
		jan:  jan,
	}
}

// Run starts the janitor and the listener, then blocks until ctx is
// cancelled (by a caught signal), at which point it drains and returns an
// exit code: 0 for a clean shutdown, 1 if the hard deadline forced exit.
func (m *Manager) Run(ctx context.Context) int {
	m.jan.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		m.log.Info("listening", logs.F("addr", m.cfg.BindAddr()))
		if err := m.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			m.log.Error("server error", zap.Error(err))
			return 1
		}
	}

	return m.shutdown()
}

// shutdown is idempotent: a concurrent signal delivery or repeated call
// after the listener already failed only runs the drain once.
func (m *Manager) shutdown() int {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return 0
	}
	m.log.Info("shutting down")

	m.jan.Stop()

	for hash, sinks := range m.rl.AllSinksForShutdown() {
		for _, s := range sinks {
			_ = s.Send(relay.ServerEvent{Event: relay.EventRoomExpired, RoomHash: hash})
			s.Close("shutting down")
		}
	}
	m.push.Shutdown()
	m.rl.DrainAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownDeadline)
	defer cancel()
	if err := m.srv.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("shutdown deadline exceeded", logs.F("err", err))
		return 1
	}
	m.log.Info("bye")
	return 0
}
