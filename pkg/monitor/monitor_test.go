package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/streamtpg/tpgflow/pkg/metrics"
	"github.com/streamtpg/tpgflow/pkg/tpg"
)

func TestMonitorSamplesQueueDepth(t *testing.T) {
	queue := tpg.NewQueue(4)
	queue <- &tpg.EventNode{}
	queue <- &tpg.EventNode{}

	m := New(queue, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(metrics.ReadyQueueDepth) == 2 {
			cancel()
			return
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	t.Fatalf("ReadyQueueDepth never reached 2")
}
