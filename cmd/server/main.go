package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opaque-relay/relay/internal/config"
	"github.com/opaque-relay/relay/internal/janitor"
	"github.com/opaque-relay/relay/internal/lifecycle"
	"github.com/opaque-relay/relay/internal/logs"
	"github.com/opaque-relay/relay/internal/metrics"
	"github.com/opaque-relay/relay/internal/ratelimit"
	"github.com/opaque-relay/relay/internal/relay"
	"github.com/opaque-relay/relay/internal/transport/poll"
	"github.com/opaque-relay/relay/internal/transport/push"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		os.Stderr.WriteString("invalid configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logs.New(cfg.LogLevel)

	metrics.Init()

	rl := relay.New()
	limiter := ratelimit.New()
	jan := janitor.New(logger, rl, limiter)

	pushHandler := push.NewHandler(cfg, logger, rl, limiter)
	pollHandler := poll.NewHandler(cfg, logger, rl, limiter)

	mux := http.NewServeMux()
	mux.Handle("/ws", pushHandler)
	mux.Handle(cfg.MetricsRoute, metrics.Handler())
	mux.Handle("/", pollHandler)

	mgr := lifecycle.New(cfg, logger, mux, pushHandler, rl, jan)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := mgr.Run(ctx)
	_ = logger.Sync()
	os.Exit(code)
}
