// Package verify decides whether a capability token holder may reach the
// token's target URL from a claimed location.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/geogate/internal/geo"
	"github.com/developingchet/geogate/internal/metrics"
	"github.com/developingchet/geogate/internal/ratelimit"
	"github.com/developingchet/geogate/internal/token"
	"github.com/developingchet/geogate/internal/tracker"
)

// Request is one verification attempt. Nil coordinates mean the client did not
// supply them.
type Request struct {
	Token         string
	ClaimedLat    *float64
	ClaimedLng    *float64
	ClientAddress string
}

// Config holds the rate-limit policy applied per (client, fence).
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// Service runs the verification pipeline.
type Service struct {
	cfg       Config
	codec     *token.Codec
	limiter   *ratelimit.Limiter
	tracker   *tracker.Tracker
	observers []Observer
	log       zerolog.Logger
	now       func() time.Time
}

// New wires a Service. Observers are called in order after each decision.
func New(cfg Config, codec *token.Codec, limiter *ratelimit.Limiter, tr *tracker.Tracker, log zerolog.Logger, observers ...Observer) *Service {
	return &Service{
		cfg:       cfg,
		codec:     codec,
		limiter:   limiter,
		tracker:   tr,
		observers: observers,
		log:       log,
		now:       time.Now,
	}
}

// Verify runs the pipeline for req. The returned error is non-nil only for
// infrastructure failures, in which case the decision is a denial with reason
// unavailable and the error wraps ErrUnavailable. Cancellation of ctx is
// ignored: once started, a verification runs to completion and is tracked.
func (s *Service) Verify(ctx context.Context, req Request) (Decision, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	d, err := s.decide(ctx, req)
	metrics.VerifyDuration.Observe(time.Since(start).Seconds())
	metrics.Verifications.WithLabelValues(string(d.Outcome), string(d.Reason)).Inc()

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	ev.Str("outcome", string(d.Outcome)).
		Str("reason", string(d.Reason)).
		Str("fence_id", d.FenceID).
		Str("client", req.ClientAddress).
		Msg("verification")

	event := Event{Decision: d, ClientAddress: req.ClientAddress, At: s.now().UTC()}
	if req.ClaimedLat != nil {
		event.Lat = *req.ClaimedLat
	}
	if req.ClaimedLng != nil {
		event.Lng = *req.ClaimedLng
	}
	s.notify(ctx, event)
	return d, err
}

func (s *Service) decide(ctx context.Context, req Request) (Decision, error) {
	claims, err := s.codec.Verify(req.Token)
	if err != nil {
		s.log.Debug().Err(err).Msg("token rejected")
		return deny(ReasonInvalidToken, ""), nil
	}
	now := s.now().UTC()
	if claims.ExpiresAt.Before(now) {
		return deny(ReasonExpired, claims.TokenID), nil
	}

	if req.ClaimedLat == nil || req.ClaimedLng == nil {
		return deny(ReasonMalformedRequest, claims.TokenID), nil
	}
	claimed := geo.Point{Lat: *req.ClaimedLat, Lng: *req.ClaimedLng}
	if err := geo.ValidPoint(claimed); err != nil {
		return deny(ReasonMalformedRequest, claims.TokenID), nil
	}

	client := req.ClientAddress
	if client == "" {
		client = "unknown"
	}
	allowed, err := s.limiter.Allow(ctx, ratelimit.Identifier(client, claims.TokenID), s.cfg.MaxAttempts, s.cfg.Window)
	if err != nil {
		return deny(ReasonUnavailable, claims.TokenID), fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}
	if !allowed {
		if err := s.tracker.Record(ctx, claims.TokenID, tracker.Attempt{
			Reason:   string(ReasonRateLimited),
			ClientIP: req.ClientAddress,
			Lat:      claimed.Lat,
			Lng:      claimed.Lng,
		}); err != nil {
			return deny(ReasonUnavailable, claims.TokenID), fmt.Errorf("%w: tracker: %v", ErrUnavailable, err)
		}
		return deny(ReasonRateLimited, claims.TokenID), nil
	}

	fence := geo.Fence{Center: geo.Point{Lat: claims.CenterLat, Lng: claims.CenterLng}, RadiusMeters: claims.RadiusMeters}
	distance := geo.Distance(claimed, fence)
	inside := geo.IsInside(claimed, fence)

	attempt := tracker.Attempt{
		Success:        inside,
		ClientIP:       req.ClientAddress,
		Lat:            claimed.Lat,
		Lng:            claimed.Lng,
		DistanceMeters: distance,
	}
	if !inside {
		attempt.Reason = string(ReasonOutOfRange)
	}
	if err := s.tracker.Record(ctx, claims.TokenID, attempt); err != nil {
		return deny(ReasonUnavailable, claims.TokenID), fmt.Errorf("%w: tracker: %v", ErrUnavailable, err)
	}

	if !inside {
		d := deny(ReasonOutOfRange, claims.TokenID)
		d.DistanceMeters = distance
		d.HasDistance = true
		return d, nil
	}
	return Decision{
		Outcome:        Granted,
		FenceID:        claims.TokenID,
		RedirectURL:    claims.TargetURL,
		DistanceMeters: distance,
		HasDistance:    true,
	}, nil
}

func deny(r Reason, fenceID string) Decision {
	return Decision{Outcome: Denied, Reason: r, FenceID: fenceID}
}

// notify runs each observer in turn. A panicking observer is logged and skipped.
func (s *Service) notify(ctx context.Context, ev Event) {
	for _, o := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("fence_id", ev.Decision.FenceID).Msg("observer panicked")
				}
			}()
			o.Observe(ctx, ev)
		}()
	}
}
