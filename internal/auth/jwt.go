package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/punchamoorthee/commitfund/internal/domain"
)

var (
	ErrTokenMissing = errors.New("bearer token is required")
	ErrTokenInvalid = errors.New("bearer token is invalid")
	ErrTokenExpired = errors.New("bearer token is expired")
)

// Verifier checks HS256 bearer tokens issued for this service.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

func NewVerifier(secret, issuer, audience string, now func() time.Time) (*Verifier, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("jwt issuer is required")
	}
	if strings.TrimSpace(audience) == "" {
		return nil, errors.New("jwt audience is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, audience: audience, now: now}, nil
}

// Verify returns the address named by the token subject.
func (v *Verifier) Verify(token string) (domain.Address, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrTokenMissing
	}

	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	addr := domain.Address(strings.TrimSpace(claims.Subject))
	if addr.IsZero() {
		return "", fmt.Errorf("%w: subject is empty", ErrTokenInvalid)
	}
	return addr, nil
}

// Issue signs a token for addr valid for ttl. Used by tooling and tests.
func (v *Verifier) Issue(addr domain.Address, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   string(addr),
		Audience:  jwt.ClaimStrings{v.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
