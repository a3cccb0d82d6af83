package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken signals an absent or malformed Authorization header.
	ErrMissingToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken signals a token that fails signature or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrRoleNotAllowed signals a valid token whose role may not call the endpoint.
	ErrRoleNotAllowed = errors.New("auth: role not allowed")
)

// Verifier validates HS256 bearer tokens signed with the project secret.
type Verifier struct {
	secret  []byte
	allowed map[Role]bool
	now     func() time.Time
}

// NewVerifier accepts tokens carrying one of roles. No roles means any role.
func NewVerifier(secret string, roles ...string) *Verifier {
	allowed := make(map[Role]bool, len(roles))
	for _, r := range roles {
		allowed[Role(strings.TrimSpace(r))] = true
	}
	return &Verifier{secret: []byte(secret), allowed: allowed, now: time.Now}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}

// VerifyToken validates a JWT and returns the principal it names.
func (v *Verifier) VerifyToken(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	if claims.Role == "" {
		return Principal{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	if len(v.allowed) > 0 && !v.allowed[claims.Role] {
		return Principal{}, fmt.Errorf("%w: %q", ErrRoleNotAllowed, claims.Role)
	}

	p := Principal{UserID: claims.Subject, Role: claims.Role, Email: claims.Email}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// IssueToken signs a token for subject. The server never issues tokens in
// production; this backs tests and local tooling.
func IssueToken(secret, subject string, role Role, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// ExpiryFromToken reads the exp claim without verifying the signature. The
// client uses it to decide on a proactive refresh; it must never be used to
// authorize anything.
func ExpiryFromToken(tokenString string) (time.Time, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, fmt.Errorf("auth: parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}
