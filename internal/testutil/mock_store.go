package testutil

import (
	"fmt"
	"sync"
	"time"

	"github.com/developingchet/geogate/internal/storage"
)

// MockStore implements storage.Store with in-memory maps for testing.
// All methods are safe for concurrent use.
type MockStore struct {
	mu        sync.Mutex
	fences    []storage.FenceRecord // insertion order
	rate      map[string]storage.RateWindow
	analytics map[string]storage.AccessAnalytics
	closed    bool

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// SizeBytes value returned by SizeBytes()
	Size int64
}

// NewMockStore returns a zero-state MockStore ready for use.
func NewMockStore() *MockStore {
	return &MockStore{
		rate:      make(map[string]storage.RateWindow),
		analytics: make(map[string]storage.AccessAnalytics),
		errors:    make(map[string]error),
		Size:      1024,
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockStore) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

func (m *MockStore) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

// --- Fences -----------------------------------------------------------------

func (m *MockStore) FenceCreate(rec storage.FenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FenceCreate"); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("fence id is required")
	}
	if m.indexOf(rec.ID) >= 0 {
		return fmt.Errorf("%w: %s", storage.ErrFenceExists, rec.ID)
	}
	m.fences = append(m.fences, rec)
	return nil
}

func (m *MockStore) FenceGet(id string) (*storage.FenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FenceGet"); err != nil {
		return nil, err
	}
	i := m.indexOf(id)
	if i < 0 {
		return nil, nil
	}
	cp := m.fences[i]
	return &cp, nil
}

func (m *MockStore) FenceList() ([]storage.FenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FenceList"); err != nil {
		return nil, err
	}
	out := make([]storage.FenceRecord, len(m.fences))
	copy(out, m.fences)
	return out, nil
}

func (m *MockStore) FenceDelete(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FenceDelete"); err != nil {
		return false, err
	}
	i := m.indexOf(id)
	if i < 0 {
		return false, nil
	}
	m.fences = append(m.fences[:i], m.fences[i+1:]...)
	return true, nil
}

func (m *MockStore) FenceCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FenceCount"); err != nil {
		return 0, err
	}
	return len(m.fences), nil
}

func (m *MockStore) indexOf(id string) int {
	for i, f := range m.fences {
		if f.ID == id {
			return i
		}
	}
	return -1
}

// --- Rate windows -----------------------------------------------------------

func (m *MockStore) UpdateRateWindow(key string, fn func(cur *storage.RateWindow) (*storage.RateWindow, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UpdateRateWindow"); err != nil {
		return err
	}
	var cur *storage.RateWindow
	if w, ok := m.rate[key]; ok {
		cur = &w
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.rate, key)
		return nil
	}
	m.rate[key] = *next
	return nil
}

func (m *MockStore) PruneRateWindows(olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("PruneRateWindows"); err != nil {
		return 0, err
	}
	pruned := 0
	for k, w := range m.rate {
		if w.WindowStart.Before(olderThan) {
			delete(m.rate, k)
			pruned++
		}
	}
	return pruned, nil
}

// RateWindow returns the stored window for key, for assertions.
func (m *MockStore) RateWindow(key string) (storage.RateWindow, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rate[key]
	return w, ok
}

// --- Analytics --------------------------------------------------------------

func (m *MockStore) UpdateAnalytics(fenceID string, fn func(a *storage.AccessAnalytics) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("UpdateAnalytics"); err != nil {
		return err
	}
	a := copyAnalytics(m.analytics[fenceID])
	if err := fn(&a); err != nil {
		return err
	}
	m.analytics[fenceID] = a
	return nil
}

func (m *MockStore) GetAnalytics(fenceID string) (*storage.AccessAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("GetAnalytics"); err != nil {
		return nil, err
	}
	a, ok := m.analytics[fenceID]
	if !ok {
		return nil, nil
	}
	cp := copyAnalytics(a)
	return &cp, nil
}

func copyAnalytics(a storage.AccessAnalytics) storage.AccessAnalytics {
	if a.Log != nil {
		log := make([]storage.AccessEvent, len(a.Log))
		copy(log, a.Log)
		a.Log = log
	}
	return a
}

// --- Utility ----------------------------------------------------------------

func (m *MockStore) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("Ping"); err != nil {
		return err
	}
	if m.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

func (m *MockStore) SizeBytes() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return m.Size, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ storage.Store = (*MockStore)(nil)
