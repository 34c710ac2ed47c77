package auth_test

import (
	"testing"
	"time"

	"github.com/nirmitee/ehr-rbac/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_CreateAndValidate(t *testing.T) {
	svc := auth.NewTokenService("test-signing-key-must-be-32-chars!!", "ehr-rbac", 24, 168)

	identity := &auth.Identity{
		UserID:       "user-123",
		OrgID:        "org-456",
		LocationID:   "loc-1",
		DepartmentID: "dept-cardiology",
		Email:        "dr.patel@clinic.example",
		DisplayName:  "Dr Patel",
	}

	token, err := svc.CreateAccessToken(identity)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := svc.ValidateToken(token)
	require.NoError(t, err)

	assert.Equal(t, identity.UserID, got.UserID)
	assert.Equal(t, identity.OrgID, got.OrgID)
	assert.Equal(t, identity.LocationID, got.LocationID)
	assert.Equal(t, identity.DepartmentID, got.DepartmentID)
	assert.Equal(t, identity.Email, got.Email)
	assert.Equal(t, "access", got.TokenType)
}

func TestTokenService_CreateRefreshToken(t *testing.T) {
	svc := auth.NewTokenService("test-signing-key-must-be-32-chars!!", "ehr-rbac", 24, 168)

	refreshToken, err := svc.CreateRefreshToken(&auth.Identity{UserID: "user-123", OrgID: "org-456"})
	require.NoError(t, err)

	got, err := svc.ValidateToken(refreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-123", got.UserID)
	assert.Equal(t, "refresh", got.TokenType)
}

func TestTokenService_ExpiredToken(t *testing.T) {
	svc := auth.NewTokenService("test-signing-key-must-be-32-chars!!", "ehr-rbac", 0, 0) // 0 hours = expires immediately

	token, err := svc.CreateAccessToken(&auth.Identity{UserID: "user-123", OrgID: "org-456"})
	require.NoError(t, err)

	time.Sleep(time.Second)
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestTokenService_InvalidSignature(t *testing.T) {
	svc1 := auth.NewTokenService("signing-key-one-must-be-32-chars!!", "ehr-rbac", 24, 168)
	svc2 := auth.NewTokenService("signing-key-two-must-be-32-chars!!", "ehr-rbac", 24, 168)

	token, err := svc1.CreateAccessToken(&auth.Identity{UserID: "user-123", OrgID: "org-456"})
	require.NoError(t, err)

	_, err = svc2.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestTokenService_WrongIssuer(t *testing.T) {
	key := "test-signing-key-must-be-32-chars!!"
	svc1 := auth.NewTokenService(key, "ehr-rbac", 24, 168)
	svc2 := auth.NewTokenService(key, "other-service", 24, 168)

	token, err := svc1.CreateAccessToken(&auth.Identity{UserID: "user-123", OrgID: "org-456"})
	require.NoError(t, err)

	_, err = svc2.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}

func TestTokenService_MalformedToken(t *testing.T) {
	svc := auth.NewTokenService("test-signing-key-must-be-32-chars!!", "ehr-rbac", 24, 168)

	_, err := svc.ValidateToken("not.a.jwt")
	assert.ErrorIs(t, err, auth.ErrTokenInvalid)
}
