// Package monitor runs the low-rate snapshot goroutine that samples ready
// queue depth into pkg/metrics and a log line, the same responsibility
// original_source's monitor.rs gives its monitor thread (spec §4.9,
// supplemented — the distilled spec names "one monitor thread" in its
// concurrency table but never specifies an interface for it). Active
// transaction count and the rare-race counters are updated directly at
// their call sites (construct.go, worker.go, engine.go) rather than
// sampled here, since they're already exact counters rather than
// snapshot-only state.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/tlog"
	"github.com/streamtpg/tpgflow/pkg/tpg"
)

// Monitor periodically snapshots engine state. Unlike monitor.rs, which
// dumps every counter to a CSV file, this samples the same numbers into
// the pkg/metrics gauges (already scraped over /metrics) and emits one
// structured log line per tick — counters belong to Prometheus here, not
// to a second CSV log.
type Monitor struct {
	queue    tpg.Queue
	interval time.Duration

	log zerolog.Logger
}

// New creates a Monitor sampling queue at the given interval. engine.New
// passes a fixed one-second interval, matching monitor.rs's hardcoded
// tick; it is a parameter so tests can use a short one.
func New(queue tpg.Queue, interval time.Duration) *Monitor {
	return &Monitor{queue: queue, interval: interval, log: tlog.WithComponent("monitor")}
}

// Run samples state every tick until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	depth := len(m.queue)
	metrics.ReadyQueueDepth.Set(float64(depth))

	m.log.Debug().
		Int("ready_queue_depth", depth).
		Msg("snapshot")
}
