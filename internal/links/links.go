// Package links issues geofenced capability links and manages the stored fences
// behind them.
package links

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/developingchet/geogate/internal/metrics"
	"github.com/developingchet/geogate/internal/storage"
	"github.com/developingchet/geogate/internal/token"
)

// ErrNotFound is returned when a fence id is not stored.
var ErrNotFound = errors.New("fence not found")

// Fence is a stored geofence as exposed to callers.
type Fence struct {
	ID           string    `json:"id"`
	CenterLat    float64   `json:"lat"`
	CenterLng    float64   `json:"lng"`
	RadiusMeters int       `json:"radius"`
	TargetURL    string    `json:"target_url"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Issued is a newly created fence together with its capability token.
type Issued struct {
	Fence Fence  `json:"fence"`
	Token string `json:"token"`
}

// Service owns the fence bucket of the store.
type Service struct {
	store storage.Store
	codec *token.Codec
	now   func() time.Time
}

// New returns a Service persisting fences in store and signing with codec.
func New(store storage.Store, codec *token.Codec) *Service {
	return &Service{store: store, codec: codec, now: time.Now}
}

// Create validates req, stores a new fence under a fresh UUID and returns it
// with a signed token.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Issued, error) {
	now := s.now().UTC()
	// tokens carry whole seconds; validate the expiry they will actually hold
	req.ExpiresAt = req.ExpiresAt.UTC().Truncate(time.Second)
	if err := Validate(req, now); err != nil {
		return nil, err
	}
	f := Fence{
		ID:           uuid.NewString(),
		CenterLat:    req.CenterLat,
		CenterLng:    req.CenterLng,
		RadiusMeters: req.RadiusMeters,
		TargetURL:    req.TargetURL,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
	}
	tok, err := s.codec.Issue(claimsFor(f))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	if _, err := s.Insert(ctx, f); err != nil {
		return nil, err
	}
	return &Issued{Fence: f, Token: tok}, nil
}

// Insert appends f to the store as is, assigning an id and creation time when
// missing. A duplicate id fails with storage.ErrFenceExists.
func (s *Service) Insert(_ context.Context, f Fence) (Fence, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	if err := s.store.FenceCreate(toRecord(f)); err != nil {
		return Fence{}, fmt.Errorf("store fence: %w", err)
	}
	metrics.FencesCreated.Inc()
	metrics.FencesActive.Inc()
	return f, nil
}

// List returns all stored fences in insertion order.
func (s *Service) List(_ context.Context) ([]Fence, error) {
	recs, err := s.store.FenceList()
	if err != nil {
		return nil, fmt.Errorf("list fences: %w", err)
	}
	out := make([]Fence, len(recs))
	for i, r := range recs {
		out[i] = fromRecord(r)
	}
	return out, nil
}

// Get returns the fence with id, or nil if absent.
func (s *Service) Get(_ context.Context, id string) (*Fence, error) {
	rec, err := s.store.FenceGet(id)
	if err != nil {
		return nil, fmt.Errorf("get fence %s: %w", id, err)
	}
	if rec == nil {
		return nil, nil
	}
	f := fromRecord(*rec)
	return &f, nil
}

// Delete removes the fence with id and reports whether it existed. Tokens
// already issued for it stay verifiable until they expire.
func (s *Service) Delete(_ context.Context, id string) (bool, error) {
	ok, err := s.store.FenceDelete(id)
	if err != nil {
		return false, fmt.Errorf("delete fence %s: %w", id, err)
	}
	if ok {
		metrics.FencesDeleted.Inc()
		metrics.FencesActive.Dec()
	}
	return ok, nil
}

// Token signs a fresh token for a stored fence.
func (s *Service) Token(ctx context.Context, id string) (string, error) {
	f, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	tok, err := s.codec.Issue(claimsFor(*f))
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return tok, nil
}

// LinkURL builds the shareable link for tok under baseURL.
func LinkURL(baseURL, tok string) string {
	return strings.TrimRight(baseURL, "/") + "/v/" + tok
}

func claimsFor(f Fence) token.Claims {
	return token.Claims{
		Subject:      token.Subject,
		TokenID:      f.ID,
		CenterLat:    f.CenterLat,
		CenterLng:    f.CenterLng,
		RadiusMeters: f.RadiusMeters,
		TargetURL:    f.TargetURL,
		ExpiresAt:    f.ExpiresAt,
	}
}

func toRecord(f Fence) storage.FenceRecord {
	return storage.FenceRecord{
		ID:           f.ID,
		CenterLat:    f.CenterLat,
		CenterLng:    f.CenterLng,
		RadiusMeters: f.RadiusMeters,
		TargetURL:    f.TargetURL,
		ExpiresAt:    f.ExpiresAt.UTC(),
		CreatedAt:    f.CreatedAt.UTC(),
	}
}

func fromRecord(r storage.FenceRecord) Fence {
	return Fence{
		ID:           r.ID,
		CenterLat:    r.CenterLat,
		CenterLng:    r.CenterLng,
		RadiusMeters: r.RadiusMeters,
		TargetURL:    r.TargetURL,
		ExpiresAt:    r.ExpiresAt.UTC(),
		CreatedAt:    r.CreatedAt.UTC(),
	}
}
