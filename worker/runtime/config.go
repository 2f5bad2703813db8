// Package runtime is the worker's event loop: registration, heartbeats,
// task execution with capacity gating, broadcast claiming, and the command
// channel. The worker runs degraded when the cache or store is unreachable;
// only the bus is required.
package runtime

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/flotilla/protocol"
)

// Config is the worker's environment-driven configuration.
type Config struct {
	WorkerID    string
	ManagerHost string

	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string

	MaxConcurrentTasks int
	MaxMemoryMB        int
	Tags               []string

	HeartbeatInterval      time.Duration
	ProgressReportInterval time.Duration
	RegisterTimeout        time.Duration
	QuestionTimeout        time.Duration
	DrainTimeout           time.Duration

	// AgentCommand is the external agent invocation; the task description
	// is appended as the final argument.
	AgentCommand []string

	LogLevel string
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

// LoadConfig assembles the worker configuration from the environment.
func LoadConfig() Config {
	natsHost := envStr("NATS_HOST", "localhost")
	natsPort := envStr("NATS_PORT", "4222")

	var pgDSN string
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		pgDSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			envStr("POSTGRES_USER", "flotilla"),
			envStr("POSTGRES_PASSWORD", "flotilla"),
			host,
			envStr("POSTGRES_PORT", "5432"),
			envStr("POSTGRES_DB", "flotilla"))
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		pgDSN = dsn
	}

	var tags []string
	if raw := os.Getenv("WORKER_TAGS"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}

	agent := []string{"flotilla-agent"}
	if raw := os.Getenv("AGENT_COMMAND"); raw != "" {
		agent = strings.Fields(raw)
	}

	return Config{
		WorkerID:    workerIdentity(),
		ManagerHost: os.Getenv("MANAGER_HOST"),

		NATSURL:       "nats://" + natsHost + ":" + natsPort,
		RedisAddr:     envStr("REDIS_HOST", "localhost") + ":" + envStr("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		PostgresDSN:   pgDSN,

		MaxConcurrentTasks: envInt("MAX_CONCURRENT_TASKS", 1),
		MaxMemoryMB:        envInt("MAX_MEMORY_MB", 0),
		Tags:               tags,

		HeartbeatInterval:      envMS("HEARTBEAT_INTERVAL_MS", 10*time.Second),
		ProgressReportInterval: envMS("PROGRESS_REPORT_INTERVAL_MS", 5*time.Second),
		RegisterTimeout:        10 * time.Second,
		QuestionTimeout:        30 * time.Second,
		DrainTimeout:           30 * time.Second,

		AgentCommand: agent,
		LogLevel:     envStr("LOG_LEVEL", "info"),
	}
}

// workerIdentity resolves a stable worker id: the WORKER_ID env var wins,
// then the persisted id file, then a fresh hostname-suffixed id which is
// written back so restarts keep their identity.
func workerIdentity() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}

	idPath := ""
	if dir := os.Getenv("FLOTILLA_HOME"); dir != "" {
		idPath = filepath.Join(dir, "worker_id")
	} else if home, err := os.UserHomeDir(); err == nil {
		idPath = filepath.Join(home, ".flotilla", "worker_id")
	}
	if idPath != "" {
		if data, err := os.ReadFile(idPath); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}

	id := freshWorkerID()
	if idPath != "" {
		if err := os.MkdirAll(filepath.Dir(idPath), 0o755); err == nil {
			_ = os.WriteFile(idPath, []byte(id+"\n"), 0o644)
		}
	}
	return id
}

func freshWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return hostname + "-" + strconv.FormatInt(time.Now().UnixNano()%100000, 10)
	}
	return hostname + "-" + hex.EncodeToString(buf)
}

// Capabilities builds the advertised capability record.
func (c Config) Capabilities() protocol.Capabilities {
	return protocol.Capabilities{
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		MaxMemoryMB:        c.MaxMemoryMB,
		FeatureTags:        c.Tags,
	}
}

// SystemInfo snapshots the host.
func (c Config) SystemInfo() protocol.SystemInfo {
	hostname, _ := os.Hostname()
	return protocol.SystemInfo{
		Hostname: hostname,
		OS:       goruntime.GOOS,
		Arch:     goruntime.GOARCH,
		NumCPU:   goruntime.NumCPU(),
	}
}
