// Package observability holds the Prometheus metric variables shared across
// the control plane. All counters are lock-free; subsystems never gate work
// on metric updates.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedWorkers tracks workers currently considered live.
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flot_connected_workers",
		Help: "Current number of workers with a fresh heartbeat",
	})

	// HeartbeatsReceived counts heartbeat messages by outcome.
	HeartbeatsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_heartbeats_total",
		Help: "Heartbeat messages received",
	}, []string{"outcome"}) // applied, throttled, failed

	// TaskQueueDepth tracks the number of pending tasks awaiting dispatch.
	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flot_pending_queue_depth",
		Help: "Current number of tasks in the pending queue",
	})

	// TasksDispatched counts dispatch attempts by outcome.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_tasks_dispatched_total",
		Help: "Task dispatch attempts",
	}, []string{"outcome"}) // published, requeued, rejected, failed

	// TaskRetries counts re-queues after rejection, ack timeout, or worker loss.
	TaskRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flot_task_retries_total",
		Help: "Total task retry attempts",
	})

	// TasksCompleted counts terminal task outcomes.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_tasks_completed_total",
		Help: "Tasks reaching a terminal status",
	}, []string{"status"})

	// MalformedMessages counts silently dropped bus messages by subject class.
	MalformedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_malformed_messages_total",
		Help: "Bus messages dropped during validation",
	}, []string{"subject"})

	// DurableWritesDropped counts records lost because the durable buffer
	// overflowed while the store was unavailable.
	DurableWritesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flot_durable_writes_dropped_total",
		Help: "Durable records dropped after buffer overflow",
	})

	// DurableBufferDepth tracks records waiting for the store to come back.
	DurableBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flot_durable_buffer_depth",
		Help: "Records buffered while the durable store is unavailable",
	})

	// PendingRPCs tracks open worker-initiated RPCs by kind.
	PendingRPCs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flot_pending_rpcs",
		Help: "Open worker-initiated RPCs awaiting resolution",
	}, []string{"kind"})

	// RPCResolutions counts pending RPC resolutions by kind and how.
	RPCResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_rpc_resolutions_total",
		Help: "Pending RPC resolutions",
	}, []string{"kind", "how"}) // operator, timeout, shutdown

	// WorkersSwept counts liveness sweeper transitions.
	WorkersSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_workers_swept_total",
		Help: "Worker status transitions applied by the liveness sweeper",
	}, []string{"to"}) // unresponsive, offline

	// CacheLatency tracks cache operation roundtrip latency.
	CacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flot_cache_roundtrip_latency_seconds",
		Help:    "Cache operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// IngestLag tracks the delay between a record's timestamp and ingestion.
	IngestLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flot_ingest_lag_seconds",
		Help:    "Delay between record timestamp and ingestion",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// StreamClientsConnected tracks attached websocket dashboard clients.
	StreamClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flot_stream_clients",
		Help: "Connected websocket stream clients",
	})

	// StreamDrops counts records dropped for slow websocket clients.
	StreamDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flot_stream_drops_total",
		Help: "Records dropped because a stream client was slow",
	})

	// ContainersSpawned counts container spawn attempts.
	ContainersSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flot_containers_spawned_total",
		Help: "Worker container spawn attempts",
	}, []string{"outcome"}) // started, failed
)
