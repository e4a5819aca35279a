// Package mediatoken issues and verifies the HS256 tokens this service
// deals in: media-room access tokens handed to clients on channel join,
// and the gateway auth tokens presented before a websocket upgrade.
package mediatoken

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/akadon/zent-voice/errors"
)

// DefaultTTL is how long an issued room token stays valid.
const DefaultTTL = 4 * time.Hour

// VideoGrant describes what the holder may do inside a media room.
type VideoGrant struct {
	Room           string `json:"room"`
	RoomJoin       bool   `json:"roomJoin"`
	CanPublish     bool   `json:"canPublish"`
	CanSubscribe   bool   `json:"canSubscribe"`
	CanPublishData bool   `json:"canPublishData"`
}

type roomClaims struct {
	jwt.RegisteredClaims
	Video VideoGrant `json:"video"`
	Name  string     `json:"name,omitempty"`
}

type gatewayClaims struct {
	jwt.RegisteredClaims
}

// Issuer signs room tokens and verifies gateway tokens with a shared
// HS256 secret.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithTTL overrides the room token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		i.ttl = ttl
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an Issuer. The issuer name lands in the iss claim of
// every token it signs.
func NewIssuer(secret []byte, issuer string, opts ...Option) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Issuer", "NewIssuer", "read secret")
	}
	i := &Issuer{
		secret: secret,
		issuer: issuer,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// RoomToken issues a media access token for identity in room. Stage
// participants start without publish rights; canPublish reflects that.
// Every token carries a fresh jti so revocation lists can name it.
func (i *Issuer) RoomToken(identity, name, room string, canPublish bool) (string, error) {
	if identity == "" || room == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("identity and room are required"), "Issuer", "RoomToken", "validate input")
	}

	now := i.now()
	claims := roomClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   identity,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		Video: VideoGrant{
			Room:           room,
			RoomJoin:       true,
			CanPublish:     canPublish,
			CanSubscribe:   true,
			CanPublishData: true,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.Wrap(err, "Issuer", "RoomToken", "sign token")
	}
	return signed, nil
}

// VerifyGatewayToken checks a client auth token and returns the user ID
// from its subject claim. Only HS256 is accepted.
func (i *Issuer) VerifyGatewayToken(token string) (string, error) {
	claims := &gatewayClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return "", errors.WrapInvalid(errors.ErrUnauthorized, "Issuer", "VerifyGatewayToken", "parse token")
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.WrapInvalid(errors.ErrUnauthorized, "Issuer", "VerifyGatewayToken", "validate claims")
	}
	return claims.Subject, nil
}

// InternalKeyEqual compares a presented internal API key against the
// configured one in constant time.
func InternalKeyEqual(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
