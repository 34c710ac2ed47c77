package auth

import (
	"errors"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrUnauthorized = errors.New("unauthorized")
)

// Identity represents an authenticated user's claims. LocationID and
// DepartmentID carry the request's scope context when the caller is acting
// within a location or department.
type Identity struct {
	UserID       string `json:"user_id"`
	OrgID        string `json:"org_id"`
	LocationID   string `json:"location_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	TokenType    string `json:"token_type"` // "access" or "refresh"
}

// Service defines the authentication interface.
type Service interface {
	// CreateAccessToken creates a JWT access token for the given identity.
	CreateAccessToken(identity *Identity) (string, error)
	// ValidateToken validates a JWT and returns the identity.
	ValidateToken(tokenString string) (*Identity, error)
}
