package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/noetl/noetl/internal/queuemgr"
)

// Collector periodically samples the queue table's depth-by-status
// into noetl_queue_depth. Generalized from the teacher's SQS-polling
// Collector: this core's queue lives in Postgres
// (queuemgr.Manager.DepthByStatus), so there is no external queue
// service to call out to.
type Collector struct {
	metrics *Metrics
	queue   *queuemgr.Manager
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics, queue *queuemgr.Manager, logger *slog.Logger) *Collector {
	return &Collector{
		metrics: metrics,
		queue:   queue,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics at regular intervals.
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.collectOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectOnce(ctx)
		}
	}
}

// Stop stops the metrics collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collectOnce(ctx context.Context) {
	depths, err := c.queue.DepthByStatus(ctx)
	if err != nil {
		c.logger.Error("failed to collect queue depth", "error", err)
		return
	}
	for status, n := range depths {
		c.metrics.SetQueueDepth(string(status), float64(n))
	}
}
