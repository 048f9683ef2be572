package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketFences     = "fences"      // seq -> FenceRecord, iterated in insertion order
	bucketFenceIndex = "fence_index" // fence id -> seq
	bucketRate       = "rate"
	bucketAnalytics  = "analytics"
)

// DBFileName is the bbolt file created inside the data directory.
const DBFileName = "geogate.db"

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/geogate.db.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, DBFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketFences, bucketFenceIndex, bucketRate, bucketAnalytics} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Fences ----------------------------------------------------------------

func (s *bboltStore) FenceCreate(rec FenceRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("fence id is required")
	}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal FenceRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketFenceIndex))
		if idx.Get([]byte(rec.ID)) != nil {
			return fmt.Errorf("%w: %s", ErrFenceExists, rec.ID)
		}
		fences := tx.Bucket([]byte(bucketFences))
		seq, err := fences.NextSequence()
		if err != nil {
			return fmt.Errorf("next fence sequence: %w", err)
		}
		key := seqKey(seq)
		if err := fences.Put(key, data); err != nil {
			return err
		}
		return idx.Put([]byte(rec.ID), key)
	})
}

func (s *bboltStore) FenceGet(id string) (*FenceRecord, error) {
	var rec FenceRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket([]byte(bucketFenceIndex)).Get([]byte(id))
		if key == nil {
			return nil
		}
		v := tx.Bucket([]byte(bucketFences)).Get(key)
		if v == nil {
			return fmt.Errorf("fence index for %s points at missing record", id)
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func (s *bboltStore) FenceList() ([]FenceRecord, error) {
	var result []FenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketFences)).ForEach(func(k, v []byte) error {
			var rec FenceRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal FenceRecord at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			result = append(result, rec)
			return nil
		})
	})
	return result, err
}

func (s *bboltStore) FenceDelete(id string) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(bucketFenceIndex))
		key := idx.Get([]byte(id))
		if key == nil {
			return nil
		}
		// key is only valid for the life of the transaction; copy before deleting.
		seq := make([]byte, len(key))
		copy(seq, key)
		if err := tx.Bucket([]byte(bucketFences)).Delete(seq); err != nil {
			return err
		}
		if err := idx.Delete([]byte(id)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *bboltStore) FenceCount() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketFenceIndex)).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// ---- Rate windows ----------------------------------------------------------

func (s *bboltStore) UpdateRateWindow(key string, fn func(cur *RateWindow) (*RateWindow, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		k := []byte(key)

		var cur *RateWindow
		if raw := b.Get(k); raw != nil {
			var w RateWindow
			if err := msgpack.Unmarshal(raw, &w); err != nil {
				return fmt.Errorf("unmarshal RateWindow for %s: %w", key, err)
			}
			cur = &w
		}

		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete(k)
		}
		data, err := msgpack.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal RateWindow: %w", err)
		}
		return b.Put(k, data)
	})
}

func (s *bboltStore) PruneRateWindows(olderThan time.Time) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRate))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var w RateWindow
			if err := msgpack.Unmarshal(v, &w); err != nil {
				return nil // skip corrupt entries
			}
			if w.WindowStart.Before(olderThan) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Analytics -------------------------------------------------------------

func (s *bboltStore) UpdateAnalytics(fenceID string, fn func(a *AccessAnalytics) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAnalytics))
		k := []byte(fenceID)

		var a AccessAnalytics
		if raw := b.Get(k); raw != nil {
			if err := msgpack.Unmarshal(raw, &a); err != nil {
				return fmt.Errorf("unmarshal AccessAnalytics for %s: %w", fenceID, err)
			}
		}
		if err := fn(&a); err != nil {
			return err
		}
		data, err := msgpack.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshal AccessAnalytics: %w", err)
		}
		return b.Put(k, data)
	})
}

func (s *bboltStore) GetAnalytics(fenceID string) (*AccessAnalytics, error) {
	var a AccessAnalytics
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketAnalytics)).Get([]byte(fenceID))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &a)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &a, nil
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(bucketFences)) == nil {
			return fmt.Errorf("bucket %s missing", bucketFences)
		}
		return nil
	})
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
