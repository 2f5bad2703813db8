package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// config is the manager's environment-driven configuration.
type config struct {
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	HTTPAddr string
	LogLevel string

	HealthCheckInterval time.Duration
	WorkerTimeout       time.Duration
	AckDeadline         time.Duration
	RetryLimit          int
	QuestionTimeout     time.Duration
	DurableBufferLimit  int

	WorkerImage   string
	WorkerNetwork string
	WorkerEnv     map[string]string
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envMS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func loadConfig() config {
	natsHost := envStr("NATS_HOST", "localhost")
	natsPort := envStr("NATS_PORT", "4222")
	redisHost := envStr("REDIS_HOST", "localhost")
	redisPort := envStr("REDIS_PORT", "6379")

	pgDSN := os.Getenv("POSTGRES_DSN")
	if pgDSN == "" {
		pgDSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envStr("POSTGRES_USER", "flotilla"),
			envStr("POSTGRES_PASSWORD", "flotilla"),
			envStr("POSTGRES_HOST", "localhost"),
			envStr("POSTGRES_PORT", "5432"),
			envStr("POSTGRES_DB", "flotilla"))
	}

	cfg := config{
		NATSURL:       "nats://" + natsHost + ":" + natsPort,
		RedisAddr:     redisHost + ":" + redisPort,
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		PostgresDSN:   pgDSN,

		HTTPAddr: envStr("HTTP_ADDR", ":9090"),
		LogLevel: envStr("LOG_LEVEL", "info"),

		HealthCheckInterval: envMS("HEALTH_CHECK_INTERVAL_MS", 10*time.Second),
		WorkerTimeout:       envMS("WORKER_TIMEOUT_MS", 30*time.Second),
		AckDeadline:         envMS("DISPATCH_ACK_DEADLINE_MS", 15*time.Second),
		RetryLimit:          envInt("DISPATCH_RETRY_LIMIT", 3),
		QuestionTimeout:     envMS("QUESTION_TIMEOUT_MS", 29*time.Second),
		DurableBufferLimit:  envInt("DURABLE_BUFFER_LIMIT", 10000),

		WorkerImage:   envStr("WORKER_IMAGE", "flotilla/worker:latest"),
		WorkerNetwork: os.Getenv("WORKER_NETWORK"),
	}

	// Spawned workers must reach the same backing services.
	cfg.WorkerEnv = map[string]string{
		"NATS_HOST":  natsHost,
		"NATS_PORT":  natsPort,
		"REDIS_HOST": redisHost,
		"REDIS_PORT": redisPort,
	}
	if cfg.RedisPassword != "" {
		cfg.WorkerEnv["REDIS_PASSWORD"] = cfg.RedisPassword
	}
	for _, key := range []string{"POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "MANAGER_HOST"} {
		if v := os.Getenv(key); v != "" {
			cfg.WorkerEnv[key] = v
		}
	}
	return cfg
}
