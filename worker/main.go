// The worker registers with the manager over the bus, executes assigned
// agent tasks, and streams progress. Cache and store are optional: without
// them the worker runs degraded and skips claim arbitration.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/logging"
	"github.com/itskum47/flotilla/worker/runtime"
)

func main() {
	_ = godotenv.Load()
	cfg := runtime.LoadConfig()
	log := logging.Init(os.Stdout, cfg.LogLevel, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := bus.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("bus connect failed")
	}
	defer conn.Close()

	var ch cache.Cache
	redis, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("cache unreachable, running degraded")
	} else {
		ch = redis
		defer redis.Close()
	}

	w := runtime.New(cfg, conn, ch, log)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	if err := w.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}
