// The manager is the control-plane process: it owns the worker registry,
// the task dispatcher, the question broker, and ingestion, and exposes the
// operator tool surface as JSON-RPC on stdio. Logs go to stderr; stdout is
// reserved for the RPC channel.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/flotilla/bus"
	"github.com/itskum47/flotilla/cache"
	"github.com/itskum47/flotilla/fault"
	"github.com/itskum47/flotilla/logging"
	"github.com/itskum47/flotilla/manager/broker"
	"github.com/itskum47/flotilla/manager/dispatch"
	"github.com/itskum47/flotilla/manager/ingest"
	"github.com/itskum47/flotilla/manager/registry"
	"github.com/itskum47/flotilla/manager/spawner"
	"github.com/itskum47/flotilla/manager/stream"
	"github.com/itskum47/flotilla/manager/toolapi"
	"github.com/itskum47/flotilla/store"
)

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	log := logging.Init(os.Stderr, cfg.LogLevel, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backing services are required at manager startup. The store gets a
	// retry window because Postgres is routinely the slowest to come up.
	conn, err := bus.Connect(cfg.NATSURL, log)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("bus connect failed")
	}
	defer conn.Close()

	redis, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("cache connect failed")
	}
	defer redis.Close()

	var pg *store.Postgres
	connectCtx, connectCancel := context.WithTimeout(ctx, 90*time.Second)
	err = fault.Retry(connectCtx, fault.RetryConfig{Initial: time.Second, Max: 10 * time.Second}, func() error {
		var err error
		pg, err = store.NewPostgres(ctx, cfg.PostgresDSN)
		return err
	})
	connectCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("store connect failed")
	}
	defer pg.Close()

	reg := registry.New(pg, redis, registry.Config{
		HealthCheckInterval: cfg.HealthCheckInterval,
		WorkerTimeout:       cfg.WorkerTimeout,
		OfflineGrace:        5 * time.Minute,
	}, log)

	disp := dispatch.New(pg, redis, conn, reg, dispatch.Config{
		AckDeadline:    cfg.AckDeadline,
		RetryLimit:     cfg.RetryLimit,
		PollInterval:   time.Second,
		DefaultTimeout: 5 * time.Minute,
	}, log)
	reg.SetReclaimer(disp)

	br := broker.New(pg, redis, conn, disp, broker.Config{
		QuestionTimeout: cfg.QuestionTimeout,
		MaxPending:      1000,
	}, log)

	hub := stream.NewHub(log)

	ing := ingest.New(pg, redis, conn, reg, disp, br, hub, ingest.Config{
		DurableBufferLimit: cfg.DurableBufferLimit,
		FlushInterval:      2 * time.Second,
	}, log)
	if err := ing.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("ingest start failed")
	}

	reg.Start(ctx)
	disp.Start(ctx)

	// Metrics and the observer stream share one HTTP listener.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/stream", hub)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server")
		}
	}()

	svc := toolapi.NewService(pg, redis, conn, reg, disp, br, spawner.NewDocker(log), toolapi.SpawnDefaults{
		Image:   cfg.WorkerImage,
		Network: cfg.WorkerNetwork,
		Env:     cfg.WorkerEnv,
	}, log)
	rpc := toolapi.NewServer(svc, os.Stdout, log)

	rpcDone := make(chan error, 1)
	go func() { rpcDone <- rpc.Serve(ctx, os.Stdin) }()

	log.Info().Str("nats", cfg.NATSURL).Str("http", cfg.HTTPAddr).Msg("manager online")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-rpcDone:
		// Operator closed stdin; treat it as a shutdown request.
		if err != nil {
			log.Warn().Err(err).Msg("rpc loop ended")
		} else {
			log.Info().Msg("rpc channel closed, shutting down")
		}
	}

	// Unblock every worker waiting on a pending RPC before dropping
	// subscriptions.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	br.Shutdown(shutdownCtx)
	disp.Shutdown()
	ing.Stop()
	hub.Shutdown(shutdownCtx)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	cancel()
	log.Info().Msg("manager stopped")
}
