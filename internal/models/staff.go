package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the staff roles allowed on operational endpoints.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleCoach      UserRole = "COACH"
)

// JWTClaims is the payload of staff access tokens. Tokens are issued by the
// identity service; this service only verifies them.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}
