package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run wires config, logging, and the engine together and blocks until the
// process is told to stop. It returns an error instead of calling os.Exit so
// deferred teardown in the layers below still runs.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	// The sync tunables are only visible here; server.start covers the
	// addresses and the mirror driver.
	log.Debug("config.loaded",
		"heartbeat", cfg.HeartbeatInterval,
		"reconnect_base", cfg.ReconnectBase,
		"reconnect_cap", cfg.ReconnectCap,
		"max_attempts", cfg.MaxAttempts,
		"queue_cap", cfg.SendQueueCap,
		"dedup_window", cfg.DedupWindow,
		"max_messages", cfg.MaxMessages,
		"poll_interval", cfg.PollInterval,
	)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
