package api

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/geogate/internal/metrics"
	"github.com/developingchet/geogate/internal/storage"
)

// Queue reports the number of buffered jobs waiting for a worker.
type Queue interface {
	Depth() int
}

// Janitor performs periodic housekeeping: pruning stale rate windows, updating gauges.
type Janitor struct {
	store      storage.Store
	queue      Queue
	interval   time.Duration
	rateWindow time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewJanitor creates a Janitor. queue may be nil when notifications are disabled.
func NewJanitor(store storage.Store, queue Queue, interval, rateWindow time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:      store,
		queue:      queue,
		interval:   interval,
		rateWindow: rateWindow,
		log:        log,
		now:        time.Now,
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick()
		}
	}
}

func (j *Janitor) tick() {
	// Windows older than one window length can no longer deny.
	pruned, err := j.store.PruneRateWindows(j.now().Add(-j.rateWindow))
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune rate windows failed")
	} else if pruned > 0 {
		metrics.JanitorPruned.WithLabelValues("rate_window").Add(float64(pruned))
		j.log.Info().Int("count", pruned).Msg("janitor: pruned stale rate windows")
	}

	count, err := j.store.FenceCount()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: count fences failed")
	} else {
		metrics.FencesActive.Set(float64(count))
	}

	// Update DB size gauge
	size, err := j.store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read db size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.queue != nil {
		metrics.NotifyQueueDepth.Set(float64(j.queue.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
