// Package token encodes geofence capabilities as HS256-signed JWTs.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Subject tags every capability token issued by geogate.
const Subject = "geo-fence-link"

// ErrInvalidToken is wrapped by every Verify failure: bad signature, malformed
// encoding, missing or mistyped claims, wrong subject.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the decoded, strongly-typed content of a capability token.
type Claims struct {
	Subject      string
	TokenID      string
	CenterLat    float64
	CenterLng    float64
	RadiusMeters int
	TargetURL    string
	ExpiresAt    time.Time
}

// wireClaims is the JWT payload. Pointer fields let Verify tell an absent claim
// from a zero value.
type wireClaims struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Radius    *int     `json:"radius"`
	TargetURL *string  `json:"target_url"`
	jwt.RegisteredClaims
}

// Codec issues and verifies tokens with a fixed symmetric key.
type Codec struct {
	key    []byte
	parser *jwt.Parser
	now    func() time.Time
}

// NewCodec returns a Codec bound to key. The key is copied.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key must not be empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Codec{
		key: k,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
			// expiry is the verifier's decision, reported separately from tampering
			jwt.WithoutClaimsValidation(),
		),
		now: time.Now,
	}, nil
}

// Issue signs c. ExpiresAt is carried at one-second precision.
func (c *Codec) Issue(claims Claims) (string, error) {
	if claims.TokenID == "" {
		return "", fmt.Errorf("token id is required")
	}
	if claims.ExpiresAt.IsZero() {
		return "", fmt.Errorf("expiry is required")
	}
	subject := claims.Subject
	if subject == "" {
		subject = Subject
	}
	if subject != Subject {
		return "", fmt.Errorf("unsupported subject %q", subject)
	}
	lat, lng, radius, target := claims.CenterLat, claims.CenterLng, claims.RadiusMeters, claims.TargetURL
	wc := wireClaims{
		Lat:       &lat,
		Lng:       &lng,
		Radius:    &radius,
		TargetURL: &target,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        claims.TokenID,
			ExpiresAt: jwt.NewNumericDate(claims.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(c.now()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, wc).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of s and decodes its claims. It does not check
// expiry: callers compare Claims.ExpiresAt against their own clock.
func (c *Codec) Verify(s string) (*Claims, error) {
	// The signature is checked over the raw header.payload text before the
	// payload is decoded, so no claim is read from an unauthenticated token.
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrInvalidToken, len(parts))
	}
	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrInvalidToken, err)
	}
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, c.key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var wc wireClaims
	parsed, err := c.parser.ParseWithClaims(s, &wc, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("%w: token not valid", ErrInvalidToken)
	}

	if err := wc.requireAll(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if wc.Subject != Subject {
		return nil, fmt.Errorf("%w: unexpected subject %q", ErrInvalidToken, wc.Subject)
	}

	return &Claims{
		Subject:      wc.Subject,
		TokenID:      wc.ID,
		CenterLat:    *wc.Lat,
		CenterLng:    *wc.Lng,
		RadiusMeters: *wc.Radius,
		TargetURL:    *wc.TargetURL,
		ExpiresAt:    wc.ExpiresAt.Time.UTC(),
	}, nil
}

func (wc *wireClaims) requireAll() error {
	var missing []string
	if wc.Lat == nil {
		missing = append(missing, "lat")
	}
	if wc.Lng == nil {
		missing = append(missing, "lng")
	}
	if wc.Radius == nil {
		missing = append(missing, "radius")
	}
	if wc.TargetURL == nil || *wc.TargetURL == "" {
		missing = append(missing, "target_url")
	}
	if wc.ID == "" {
		missing = append(missing, "jti")
	}
	if wc.ExpiresAt == nil {
		missing = append(missing, "exp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing claims: %s", strings.Join(missing, ", "))
	}
	return nil
}
