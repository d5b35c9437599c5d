// Package janitor runs the three periodic sweeps spec.md §4.7 requires:
// TTL expiry, poll-peer timeout, and rate-limit window garbage collection.
package janitor

import (
	"context"
	"time"

	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/metrics"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
)

const (
	interval        = 10 * time.Second
	pollPeerMaxIdle = 120 * time.Second
)

// Janitor owns the periodic sweep loop over a Relay and a rate limiter.
type Janitor struct {
	log     logs.Logger
	rl      *relay.Relay
	limiter *ratelimit.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

func New(log logs.Logger, rl *relay.Relay, limiter *ratelimit.Limiter) *Janitor {
	return &Janitor{log: log.Named("janitor"), rl: rl, limiter: limiter}
}

// Start launches the sweep loop in its own goroutine. Stop must be called
// to release it.
func (j *Janitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	t := time.NewTicker(interval)
	go func() {
		defer close(j.done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				j.sweep(now)
			}
		}
	}()
}

// Stop cancels the sweep loop and blocks until it has exited.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Janitor) sweep(now time.Time) {
	for _, exp := range j.rl.SweepExpired(now) {
		j.log.Debug("room expired", logs.F("hash", exp.Hash))
		metrics.RoomsDestroyed.WithLabelValues("expired").Inc()
		for _, s := range exp.Sinks {
			_ = s.Send(relay.ServerEvent{Event: relay.EventRoomExpired, RoomHash: exp.Hash})
			s.Close("room_expired")
		}
	}

	for _, evicted := range j.rl.SweepPollTimeouts(now, pollPeerMaxIdle) {
		j.log.Debug("poll peer timed out", logs.F("hash", evicted.Hash), logs.F("peer", evicted.PeerID))
		for _, s := range evicted.Others {
			_ = s.Send(relay.ServerEvent{
				Event: relay.EventPeerLeft, RoomHash: evicted.Hash, PeerID: evicted.PeerID, PeerCount: evicted.PeerCount,
			})
		}
		if evicted.Destroyed {
			metrics.RoomsDestroyed.WithLabelValues("empty").Inc()
		}
	}

	if n := j.limiter.Sweep(now); n > 0 {
		j.log.Debug("rate limit windows swept", logs.F("count", n))
	}
}
