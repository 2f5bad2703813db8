package runtime

import (
	"context"
	"time"

	"github.com/itskum47/flotilla/protocol"
)

// heartbeatLoop publishes liveness every heartbeat interval and refreshes
// the cached projection TTL. Publish failures are logged and skipped; the
// bus client reconnects on its own.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	w.mu.Lock()
	hb := protocol.Heartbeat{
		WorkerID:    w.cfg.WorkerID,
		Status:      w.status,
		ActiveTasks: len(w.active),
		SystemInfo:  w.cfg.SystemInfo(),
		Timestamp:   time.Now(),
	}
	w.mu.Unlock()

	payload, err := protocol.Encode(protocol.KindHeartbeat, hb)
	if err != nil {
		return
	}
	if err := w.bus.Publish(protocol.SubjectHeartbeat, payload); err != nil {
		w.log.Warn().Err(err).Msg("heartbeat publish failed")
		return
	}
	w.refreshProjection(ctx)
}
