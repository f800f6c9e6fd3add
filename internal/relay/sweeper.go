package relay

import (
	"context"
	"time"

	"github.com/coder/websocket"
)

// Sweep closes sessions idle for longer than idle and prunes old
// disconnected status records. A non-positive idle only prunes. It returns
// the number of sessions closed.
func (r *Relay) Sweep(ctx context.Context, idle time.Duration) int {
	now := r.now()
	var stale []Session
	if idle > 0 {
		stale = r.registry.IdleSince(now.Add(-idle))
	}
	for _, s := range stale {
		r.logger.Info("Sweeper closing idle session",
			"session_id", s.ID,
			"conn_id", s.Conn.ID(),
			"last_seen_at", s.LastSeenAt)
		s.Conn.Close(websocket.StatusPolicyViolation, "idle timeout")
	}

	if deleted, err := r.repo.PruneStatuses(ctx, now.Add(-statusRetention)); err != nil {
		r.logger.Error("Sweeper failed to prune status records", "error", err)
	} else if deleted > 0 {
		r.logger.Info("Sweeper pruned status records", "count", deleted)
	}
	return len(stale)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Relay) StartSweeper(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		r.logger.Info("Session sweeper disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session sweeper started", "interval", interval, "idle_timeout", idle)

		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx, idle)
			case <-ctx.Done():
				r.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
