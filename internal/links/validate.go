package links

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// Radius bounds accepted at creation.
const (
	MinRadiusMeters = 5
	MaxRadiusMeters = 2000
)

// CreateRequest carries the creator's input for a new fence.
type CreateRequest struct {
	CenterLat    float64   `json:"lat"`
	CenterLng    float64   `json:"lng"`
	RadiusMeters int       `json:"radius"`
	TargetURL    string    `json:"target_url"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid fence: " + strings.Join(parts, "; ")
}

// Validate checks req against now and returns a *ValidationError naming every
// failing field, or nil.
func Validate(req CreateRequest, now time.Time) error {
	var fields []FieldError
	add := func(field, format string, args ...interface{}) {
		fields = append(fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if math.IsNaN(req.CenterLat) || req.CenterLat < -90 || req.CenterLat > 90 {
		add("lat", "latitude must be between -90 and 90")
	}
	if math.IsNaN(req.CenterLng) || req.CenterLng < -180 || req.CenterLng > 180 {
		add("lng", "longitude must be between -180 and 180")
	}
	if req.RadiusMeters < MinRadiusMeters || req.RadiusMeters > MaxRadiusMeters {
		add("radius", "radius must be %d-%d meters", MinRadiusMeters, MaxRadiusMeters)
	}
	if err := validTargetURL(req.TargetURL); err != nil {
		add("target_url", "%v", err)
	}
	switch {
	case req.ExpiresAt.IsZero():
		add("expires_at", "expiry is required")
	case !req.ExpiresAt.After(now):
		add("expires_at", "expiry must be in the future")
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validTargetURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("target URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("target URL is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("target URL must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("target URL must be absolute")
	}
	return nil
}
