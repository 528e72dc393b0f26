package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-secure-can/internal/metrics"
)

// snapshotAttrs renders cur as log attributes. Verdict counters are logged as
// deltas against prev so a burst of forged traffic stands out.
func snapshotAttrs(prev, cur metrics.Snapshot) []any {
	return []any{
		"secure_tx", cur.SecureTx,
		"accepted", cur.Accepted,
		"accepted_delta", cur.Accepted - prev.Accepted,
		"forged_delta", cur.Forged - prev.Forged,
		"replay_delta", cur.Replay - prev.Replay,
		"not_addressed", cur.NotAddressed,
		"malformed", cur.Malformed,
		"known_nodes", cur.KnownNodes,
		"tcp_rx", cur.TCPRx,
		"tcp_tx", cur.TCPTx,
		"hub_clients", cur.HubClients,
		"hub_drops", cur.HubDrops,
		"errors", cur.Errors,
	}
}

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		prev := metrics.Snap()
		for {
			select {
			case <-t.C:
				cur := metrics.Snap()
				l.Info("metrics_snapshot", snapshotAttrs(prev, cur)...)
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}
