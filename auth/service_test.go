package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func TestVerifier_IssueAndVerify(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token, err := IssueToken(testSecret, "user-1", RoleAuthenticated, time.Hour, now)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	v := NewVerifier(testSecret, "service_role", "authenticated").WithClock(func() time.Time { return now })
	p, err := v.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "user-1" || p.Role != RoleAuthenticated {
		t.Fatalf("principal = %+v", p)
	}
	if !p.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expires at = %v", p.ExpiresAt)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	good, _ := IssueToken(testSecret, "u", RoleAuthenticated, time.Hour, now)
	expired, _ := IssueToken(testSecret, "u", RoleAuthenticated, time.Hour, now.Add(-2*time.Hour))
	wrongKey, _ := IssueToken("other-secret", "u", RoleAuthenticated, time.Hour, now)
	anon, _ := IssueToken(testSecret, "u", RoleAnon, time.Hour, now)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleServiceRole})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	v := NewVerifier(testSecret, "service_role", "authenticated").WithClock(func() time.Time { return now })
	cases := map[string]struct {
		token string
		want  error
	}{
		"expired":       {expired, ErrInvalidToken},
		"wrong key":     {wrongKey, ErrInvalidToken},
		"anon role":     {anon, ErrRoleNotAllowed},
		"alg none":      {unsigned, ErrInvalidToken},
		"garbage":       {"not.a.jwt", ErrInvalidToken},
		"tampered tail": {good + "x", ErrInvalidToken},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.VerifyToken(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if tok, err := BearerToken("Bearer abc.def"); err != nil || tok != "abc.def" {
		t.Fatalf("got %q, %v", tok, err)
	}
	if tok, err := BearerToken("bearer   xyz "); err != nil || tok != "xyz" {
		t.Fatalf("got %q, %v", tok, err)
	}
	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer  "} {
		if _, err := BearerToken(h); !errors.Is(err, ErrMissingToken) {
			t.Errorf("BearerToken(%q) = %v, want ErrMissingToken", h, err)
		}
	}
}

func TestExpiryFromToken(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	token, _ := IssueToken("any-secret", "u", RoleAuthenticated, 3*time.Minute, now)

	exp, err := ExpiryFromToken(token)
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if !exp.Equal(now.Add(3 * time.Minute)) {
		t.Fatalf("exp = %v", exp)
	}
	if _, err := ExpiryFromToken("garbage"); err == nil {
		t.Fatal("expected parse error")
	}
}
