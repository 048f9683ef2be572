package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/geogate/internal/storage"
)

type boltBackend struct {
	store storage.Store
}

// NewBoltBackend counts windows in the store's rate bucket. Each Hit is a single
// write transaction, so concurrent hits on one key are linearizable.
func NewBoltBackend(store storage.Store) Backend {
	return &boltBackend{store: store}
}

func (b *boltBackend) Hit(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	var count int
	err := b.store.UpdateRateWindow(key, func(cur *storage.RateWindow) (*storage.RateWindow, error) {
		if cur == nil || now.Sub(cur.WindowStart) > window {
			count = 1
			return &storage.RateWindow{Count: 1, WindowStart: now}, nil
		}
		cur.Count++
		count = cur.Count
		return cur, nil
	})
	if err != nil {
		return 0, fmt.Errorf("rate window %q: %w", key, err)
	}
	return count, nil
}
