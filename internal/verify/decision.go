package verify

import (
	"context"
	"errors"
	"time"
)

// Outcome is the final verdict of a verification.
type Outcome string

const (
	Granted Outcome = "granted"
	Denied  Outcome = "denied"
)

// Reason explains a denial.
type Reason string

const (
	ReasonInvalidToken     Reason = "invalid_token"
	ReasonExpired          Reason = "expired"
	ReasonMalformedRequest Reason = "malformed_request"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonOutOfRange       Reason = "out_of_range"
	ReasonUnavailable      Reason = "unavailable"
)

// Sentinel errors matching each denial reason.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrMalformedRequest = errors.New("malformed request")
	ErrRateLimited      = errors.New("rate limited")
	ErrOutOfRange       = errors.New("outside geofence")
	ErrUnavailable      = errors.New("verification unavailable")
)

// Decision is the result of one verification.
type Decision struct {
	Outcome        Outcome `json:"outcome"`
	Reason         Reason  `json:"reason,omitempty"`
	FenceID        string  `json:"fence_id,omitempty"`
	RedirectURL    string  `json:"redirect_url,omitempty"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
	HasDistance    bool    `json:"-"`
}

// Granted reports whether access was granted.
func (d Decision) Granted() bool { return d.Outcome == Granted }

// Err returns the sentinel error for a denial, or nil when granted.
func (d Decision) Err() error {
	if d.Outcome == Granted {
		return nil
	}
	switch d.Reason {
	case ReasonInvalidToken:
		return ErrInvalidToken
	case ReasonExpired:
		return ErrTokenExpired
	case ReasonMalformedRequest:
		return ErrMalformedRequest
	case ReasonRateLimited:
		return ErrRateLimited
	case ReasonOutOfRange:
		return ErrOutOfRange
	default:
		return ErrUnavailable
	}
}

// Event is passed to observers once a decision is final.
type Event struct {
	Decision      Decision
	ClientAddress string
	Lat           float64
	Lng           float64
	At            time.Time
}

// Observer is notified of every decision. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }
