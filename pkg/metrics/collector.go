package metrics

import (
	"time"

	"github.com/scidatahub/ingestpipe/pkg/store"
	"github.com/scidatahub/ingestpipe/pkg/types"
)

// Collector periodically recomputes gauge metrics that a counter can't
// express, namely the current population of datasets by status. The
// counters in metrics.go (UploadsSucceeded, etc.) are incremented inline by the schedulers
// as events happen; this one has to poll because "how many datasets are
// in conversion_queued right now" isn't an event, it's a point-in-time
// count over the store.
type Collector struct {
	store  store.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over s.
func NewCollector(s store.Store) *Collector {
	return &Collector{
		store:  s,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectDatasetMetrics()
}

// allStatuses enumerates every status so that a status which has dropped
// to zero datasets still reports 0 instead of vanishing from the gauge.
var allStatuses = []types.Status{
	types.StatusSubmitted,
	types.StatusUploading,
	types.StatusUploadingFailed,
	types.StatusConversionQueued,
	types.StatusConverting,
	types.StatusConversionFailed,
	types.StatusDone,
	types.StatusCancelled,
}

func (c *Collector) collectDatasetMetrics() {
	counts, err := c.store.CountByStatus()
	if err != nil {
		return
	}

	for _, status := range allStatuses {
		DatasetsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
