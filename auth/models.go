package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleServiceRole   Role = "service_role"
	RoleAuthenticated Role = "authenticated"
	RoleAnon          Role = "anon"
)

// Principal is the caller identified by a verified bearer token.
type Principal struct {
	UserID    string
	Role      Role
	Email     string
	ExpiresAt time.Time
}

// Claims is the JWT payload issued by the platform auth service.
type Claims struct {
	jwt.RegisteredClaims
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
}
