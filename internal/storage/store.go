package storage

import (
	"errors"
	"time"
)

// ErrFenceExists is returned by FenceCreate when the id is already stored.
var ErrFenceExists = errors.New("fence already exists")

// FenceRecord is a persisted geofence. Records are immutable once written.
type FenceRecord struct {
	ID           string
	CenterLat    float64
	CenterLng    float64
	RadiusMeters int
	TargetURL    string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// RateWindow is a fixed-window attempt counter for one rate-limit identifier.
type RateWindow struct {
	Count       int
	WindowStart time.Time
}

// AccessEvent is a single verification attempt in a fence's access log.
type AccessEvent struct {
	At             time.Time
	Success        bool
	Reason         string // empty on success
	ClientIP       string
	Lat            float64
	Lng            float64
	DistanceMeters float64
}

// AccessAnalytics holds the per-fence counters and the bounded access log.
type AccessAnalytics struct {
	TotalAttempts int64
	SuccessCount  int64
	FailureCount  int64
	FirstAccessAt time.Time
	LastAccessAt  time.Time
	Log           []AccessEvent
}

// Store is the persistence interface for geogate.
//
// Every Update* method runs its callback inside a single write transaction, so a
// read-modify-write cycle on one key never interleaves with another.
type Store interface {
	// Fence operations
	FenceCreate(rec FenceRecord) error
	FenceGet(id string) (*FenceRecord, error)
	FenceList() ([]FenceRecord, error) // insertion order
	FenceDelete(id string) (bool, error)
	FenceCount() (int, error)

	// UpdateRateWindow passes the stored window for key (nil if absent) to fn and
	// persists the returned window. A nil return deletes the key.
	UpdateRateWindow(key string, fn func(cur *RateWindow) (*RateWindow, error)) error
	PruneRateWindows(olderThan time.Time) (int, error)

	// UpdateAnalytics passes the stored record for fenceID (zero value if absent)
	// to fn and persists it afterwards.
	UpdateAnalytics(fenceID string, fn func(a *AccessAnalytics) error) error
	GetAnalytics(fenceID string) (*AccessAnalytics, error)

	// Utility
	Ping() error
	SizeBytes() (int64, error)
	Close() error
}
