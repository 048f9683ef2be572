package verify

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/geogate/internal/ratelimit"
	"github.com/developingchet/geogate/internal/storage"
	"github.com/developingchet/geogate/internal/testutil"
	"github.com/developingchet/geogate/internal/token"
	"github.com/developingchet/geogate/internal/tracker"
)

const fenceID = "7d4c3a1e-0000-4000-8000-000000000001"

type harness struct {
	svc     *Service
	codec   *token.Codec
	tracker *tracker.Tracker
	store   storage.Store
}

func newHarness(t *testing.T, store storage.Store, observers ...Observer) *harness {
	t.Helper()
	if store == nil {
		s, err := storage.NewBboltStore(t.TempDir())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		store = s
	}
	codec, err := token.NewCodec([]byte("verify-test-signing-key-0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	tr := tracker.New(store)
	svc := New(Config{MaxAttempts: 15, Window: time.Minute}, codec,
		ratelimit.New(ratelimit.NewBoltBackend(store)), tr, zerolog.Nop(), observers...)
	return &harness{svc: svc, codec: codec, tracker: tr, store: store}
}

func (h *harness) issue(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	tok, err := h.codec.Issue(token.Claims{
		TokenID:      fenceID,
		CenterLat:    6.5244,
		CenterLng:    3.3792,
		RadiusMeters: 100,
		TargetURL:    "https://example.com/checked-in",
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func ptr(f float64) *float64 { return &f }

func request(tok string, lat, lng float64) Request {
	return Request{Token: tok, ClaimedLat: ptr(lat), ClaimedLng: ptr(lng), ClientAddress: "203.0.113.50"}
}

func TestScenarioA_Granted(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.issue(t, time.Now().Add(time.Hour))

	d, err := h.svc.Verify(context.Background(), request(tok, 6.5244, 3.3792))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != Granted || d.Reason != "" {
		t.Fatalf("expected granted, got %+v", d)
	}
	if d.RedirectURL != "https://example.com/checked-in" {
		t.Errorf("RedirectURL = %q", d.RedirectURL)
	}
	if d.FenceID != fenceID || !d.HasDistance || d.DistanceMeters != 0 {
		t.Errorf("unexpected decision: %+v", d)
	}
	if d.Err() != nil {
		t.Errorf("granted decision Err() = %v", d.Err())
	}

	a, _ := h.tracker.Analytics(context.Background(), fenceID)
	if a == nil || a.SuccessCount != 1 || a.FailureCount != 0 {
		t.Fatalf("analytics after grant: %+v", a)
	}
}

func TestScenarioB_OutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.issue(t, time.Now().Add(time.Hour))

	d, err := h.svc.Verify(context.Background(), request(tok, 6.5300, 3.3850))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != Denied || d.Reason != ReasonOutOfRange {
		t.Fatalf("expected out_of_range, got %+v", d)
	}
	if !d.HasDistance || math.Abs(d.DistanceMeters-900) > 45 {
		t.Errorf("distance %.1f not within 5%% of 900", d.DistanceMeters)
	}
	if d.RedirectURL != "" {
		t.Error("denied decision must not carry a redirect")
	}
	if !errors.Is(d.Err(), ErrOutOfRange) {
		t.Errorf("Err() = %v", d.Err())
	}

	a, _ := h.tracker.Analytics(context.Background(), fenceID)
	if a == nil || a.FailureCount != 1 || a.Log[0].Reason != string(ReasonOutOfRange) {
		t.Fatalf("analytics after out_of_range: %+v", a)
	}
}

func TestScenarioC_ExpiredNotTracked(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.issue(t, time.Now().Add(-time.Minute))

	d, err := h.svc.Verify(context.Background(), request(tok, 6.5244, 3.3792))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != Denied || d.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", d)
	}
	if !errors.Is(d.Err(), ErrTokenExpired) {
		t.Errorf("Err() = %v", d.Err())
	}
	if a, _ := h.tracker.Analytics(context.Background(), fenceID); a != nil {
		t.Fatalf("expired attempt must not be tracked: %+v", a)
	}
}

func TestScenarioD_RateLimited(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.issue(t, time.Now().Add(time.Hour))
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		d, err := h.svc.Verify(ctx, request(tok, 6.5244, 3.3792))
		if err != nil {
			t.Fatal(err)
		}
		if d.Outcome != Granted {
			t.Fatalf("attempt %d: expected granted, got %+v", i, d)
		}
	}
	d, err := h.svc.Verify(ctx, request(tok, 6.5244, 3.3792))
	if err != nil {
		t.Fatal(err)
	}
	if d.Reason != ReasonRateLimited {
		t.Fatalf("16th attempt: expected rate_limited, got %+v", d)
	}
	if !errors.Is(d.Err(), ErrRateLimited) {
		t.Errorf("Err() = %v", d.Err())
	}

	a, _ := h.tracker.Analytics(ctx, fenceID)
	if a.TotalAttempts != 16 || a.SuccessCount != 15 || a.FailureCount != 1 {
		t.Fatalf("analytics after rate limit: total=%d ok=%d fail=%d", a.TotalAttempts, a.SuccessCount, a.FailureCount)
	}
	if last := a.Log[len(a.Log)-1]; last.Reason != string(ReasonRateLimited) {
		t.Errorf("last log entry reason = %q", last.Reason)
	}

	// another client has its own budget
	other := request(tok, 6.5244, 3.3792)
	other.ClientAddress = "198.51.100.9"
	if d, _ := h.svc.Verify(ctx, other); d.Outcome != Granted {
		t.Errorf("other client should not be limited: %+v", d)
	}
}

func TestInvalidTokenNoSideEffects(t *testing.T) {
	store := testutil.NewMockStore()
	h := newHarness(t, store)
	tok := h.issue(t, time.Now().Add(time.Hour))
	tampered := tok[:len(tok)-2] + "xx"

	for _, s := range []string{"", "not-a-token", tampered} {
		d, err := h.svc.Verify(context.Background(), request(s, 6.5244, 3.3792))
		if err != nil {
			t.Fatal(err)
		}
		if d.Reason != ReasonInvalidToken || d.FenceID != "" {
			t.Fatalf("Verify(%q): expected invalid_token, got %+v", s, d)
		}
		if !errors.Is(d.Err(), ErrInvalidToken) {
			t.Errorf("Err() = %v", d.Err())
		}
	}
	if a, _ := store.GetAnalytics(fenceID); a != nil {
		t.Fatal("invalid tokens must not be tracked")
	}
	if _, ok := store.RateWindow(ratelimit.Identifier("203.0.113.50", fenceID)); ok {
		t.Fatal("invalid tokens must not consume rate budget")
	}
}

func TestMalformedCoordinatesNoSideEffects(t *testing.T) {
	store := testutil.NewMockStore()
	h := newHarness(t, store)
	tok := h.issue(t, time.Now().Add(time.Hour))

	cases := []Request{
		{Token: tok, ClaimedLat: nil, ClaimedLng: ptr(3.3)},
		{Token: tok, ClaimedLat: ptr(6.5), ClaimedLng: nil},
		{Token: tok, ClaimedLat: ptr(math.NaN()), ClaimedLng: ptr(3.3)},
		{Token: tok, ClaimedLat: ptr(91), ClaimedLng: ptr(3.3)},
		{Token: tok, ClaimedLat: ptr(6.5), ClaimedLng: ptr(math.Inf(-1))},
	}
	for i, req := range cases {
		d, err := h.svc.Verify(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if d.Reason != ReasonMalformedRequest {
			t.Errorf("case %d: expected malformed_request, got %+v", i, d)
		}
		if !errors.Is(d.Err(), ErrMalformedRequest) {
			t.Errorf("case %d: Err() = %v", i, d.Err())
		}
	}
	if a, _ := store.GetAnalytics(fenceID); a != nil {
		t.Fatal("malformed requests must not be tracked")
	}
}

func TestFailClosedOnStoreErrors(t *testing.T) {
	for _, method := range []string{"UpdateRateWindow", "UpdateAnalytics"} {
		t.Run(method, func(t *testing.T) {
			store := testutil.NewMockStore()
			h := newHarness(t, store)
			tok := h.issue(t, time.Now().Add(time.Hour))
			store.SetError(method, errors.New("bbolt: database not open"))

			d, err := h.svc.Verify(context.Background(), request(tok, 6.5244, 3.3792))
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
			if d.Outcome != Denied || d.Reason != ReasonUnavailable || d.RedirectURL != "" {
				t.Fatalf("expected fail-closed denial, got %+v", d)
			}
			if !errors.Is(d.Err(), ErrUnavailable) {
				t.Errorf("Err() = %v", d.Err())
			}
		})
	}
}

// ctxBackend fails hits whose context is already done, like a network backend.
type ctxBackend struct {
	ratelimit.Backend
}

func (b ctxBackend) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.Backend.Hit(ctx, key, window, now)
}

func TestCallerCancellationDoesNotAlterDecision(t *testing.T) {
	store, err := storage.NewBboltStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	codec, err := token.NewCodec([]byte("verify-test-signing-key-0123456789"))
	if err != nil {
		t.Fatal(err)
	}
	tr := tracker.New(store)
	svc := New(Config{MaxAttempts: 15, Window: time.Minute}, codec,
		ratelimit.New(ctxBackend{ratelimit.NewBoltBackend(store)}), tr, zerolog.Nop())
	h := &harness{svc: svc, codec: codec, tracker: tr, store: store}
	tok := h.issue(t, time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := h.svc.Verify(ctx, request(tok, 6.5244, 3.3792))
	if err != nil {
		t.Fatalf("cancelled caller should not fail verification: %v", err)
	}
	if d.Outcome != Granted {
		t.Fatalf("expected granted, got %+v", d)
	}
	a, err := tr.Analytics(context.Background(), fenceID)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.TotalAttempts != 1 || a.SuccessCount != 1 {
		t.Fatalf("attempt should be tracked despite cancellation: %+v", a)
	}
}

func TestObserversSeeFinalDecision(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	rec := ObserverFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	h := newHarness(t, nil, rec)
	tok := h.issue(t, time.Now().Add(time.Hour))

	_, _ = h.svc.Verify(context.Background(), request(tok, 6.5244, 3.3792))
	_, _ = h.svc.Verify(context.Background(), request("bad", 1, 2))

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Decision.Outcome != Granted || events[0].ClientAddress != "203.0.113.50" || events[0].Lat != 6.5244 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Decision.Reason != ReasonInvalidToken || events[1].At.IsZero() {
		t.Errorf("unexpected second event: %+v", events[1])
	}
}

func TestPanickingObserverDoesNotAlterDecision(t *testing.T) {
	var after int
	boom := ObserverFunc(func(context.Context, Event) { panic("observer exploded") })
	counting := ObserverFunc(func(context.Context, Event) { after++ })
	h := newHarness(t, nil, boom, counting)
	tok := h.issue(t, time.Now().Add(time.Hour))

	d, err := h.svc.Verify(context.Background(), request(tok, 6.5244, 3.3792))
	if err != nil {
		t.Fatal(err)
	}
	if d.Outcome != Granted {
		t.Fatalf("observer panic changed decision: %+v", d)
	}
	if after != 1 {
		t.Errorf("observers after a panicking one should still run, ran %d", after)
	}
}

func TestDecisionErrMapping(t *testing.T) {
	cases := map[Reason]error{
		ReasonInvalidToken:     ErrInvalidToken,
		ReasonExpired:          ErrTokenExpired,
		ReasonMalformedRequest: ErrMalformedRequest,
		ReasonRateLimited:      ErrRateLimited,
		ReasonOutOfRange:       ErrOutOfRange,
		ReasonUnavailable:      ErrUnavailable,
	}
	for r, want := range cases {
		if got := deny(r, "").Err(); !errors.Is(got, want) {
			t.Errorf("%s: Err() = %v, want %v", r, got, want)
		}
	}
}
