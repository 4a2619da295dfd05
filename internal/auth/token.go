package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var errTokenInvalid = errors.New("invalid caller token")

// CallerClaims are carried by every caller token. The token never names an
// identity; the binding lives in the server-side session record keyed by ID.
type CallerClaims struct {
	Anonymous bool `json:"anon"`
	jwt.RegisteredClaims
}

// TokenService signs and parses caller tokens with HS256.
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenService builds a token service.
func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue mints a token for a new session id.
func (t *TokenService) Issue() (token, sessionID string, expiresAt time.Time, err error) {
	now := t.now()
	expiresAt = now.Add(t.ttl)
	sessionID = uuid.NewString()
	claims := CallerClaims{
		Anonymous: true,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign caller token: %w", err)
	}
	return token, sessionID, expiresAt, nil
}

// Parse verifies the signature and expiry of token and returns its claims.
func (t *TokenService) Parse(token string) (CallerClaims, error) {
	var claims CallerClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return CallerClaims{}, fmt.Errorf("%w: %v", errTokenInvalid, err)
	}
	if !parsed.Valid || claims.ID == "" {
		return CallerClaims{}, errTokenInvalid
	}
	return claims, nil
}
