// Package tracker keeps per-fence access counters and a bounded access log.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/geogate/internal/metrics"
	"github.com/developingchet/geogate/internal/storage"
)

// LogSize is the number of most recent attempts retained per fence.
const LogSize = 50

// Attempt is one verification attempt as seen by the tracker.
type Attempt struct {
	Success        bool
	Reason         string
	ClientIP       string
	Lat            float64
	Lng            float64
	DistanceMeters float64
}

// Tracker records attempts into the store's analytics bucket.
type Tracker struct {
	store storage.Store
	now   func() time.Time
}

// New returns a Tracker writing to store.
func New(store storage.Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Record adds a to the analytics of fenceID in one write transaction.
func (t *Tracker) Record(_ context.Context, fenceID string, a Attempt) error {
	now := t.now().UTC()
	err := t.store.UpdateAnalytics(fenceID, func(rec *storage.AccessAnalytics) error {
		rec.TotalAttempts++
		if a.Success {
			rec.SuccessCount++
		} else {
			rec.FailureCount++
		}
		if rec.FirstAccessAt.IsZero() {
			rec.FirstAccessAt = now
		}
		rec.LastAccessAt = now

		rec.Log = append(rec.Log, storage.AccessEvent{
			At:             now,
			Success:        a.Success,
			Reason:         a.Reason,
			ClientIP:       a.ClientIP,
			Lat:            a.Lat,
			Lng:            a.Lng,
			DistanceMeters: a.DistanceMeters,
		})
		if over := len(rec.Log) - LogSize; over > 0 {
			rec.Log = append([]storage.AccessEvent(nil), rec.Log[over:]...)
		}
		return nil
	})
	if err != nil {
		metrics.TrackerWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("record access for %s: %w", fenceID, err)
	}
	metrics.TrackerWrites.WithLabelValues("ok").Inc()
	return nil
}

// Analytics returns the stored analytics for fenceID, or nil if the fence was
// never accessed.
func (t *Tracker) Analytics(_ context.Context, fenceID string) (*storage.AccessAnalytics, error) {
	a, err := t.store.GetAnalytics(fenceID)
	if err != nil {
		return nil, fmt.Errorf("load analytics for %s: %w", fenceID, err)
	}
	if a == nil {
		return nil, nil
	}
	// msgpack decodes times in the local zone
	a.FirstAccessAt = a.FirstAccessAt.UTC()
	a.LastAccessAt = a.LastAccessAt.UTC()
	for i := range a.Log {
		a.Log[i].At = a.Log[i].At.UTC()
	}
	return a, nil
}
