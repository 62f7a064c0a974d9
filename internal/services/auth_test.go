package services

import (
	"context"
	"testing"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthService(t *testing.T) *AuthService {
	t.Helper()
	utils.SetJWTSecret("auth-test-secret")
	db := newTestDB(t)
	return NewAuthService(db, NewSessionIssuer(db, &config.JWTConfig{ExpireHour: 24}))
}

func TestAuthService_CreateAdminIfNotExists(t *testing.T) {
	svc := newTestAuthService(t)

	require.NoError(t, svc.CreateAdminIfNotExists("s3cret!"))
	require.NoError(t, svc.CreateAdminIfNotExists("other"))

	var admins []models.User
	require.NoError(t, svc.db.Where("role = ?", models.RoleAdmin).Find(&admins).Error)
	require.Len(t, admins, 1)
	assert.Equal(t, "admin", admins[0].Username)
	assert.Equal(t, models.AuthProviderLocal, admins[0].AuthProvider)
	assert.True(t, utils.CheckPassword("s3cret!", admins[0].Password))
}

func TestAuthService_Login(t *testing.T) {
	svc := newTestAuthService(t)
	hash, err := utils.HashPassword("password1")
	require.NoError(t, err)
	user := seedUser(t, svc.db, &models.User{Username: "alice", Password: hash})

	result, err := svc.Login(context.Background(), &LoginRequest{Username: "alice", Password: "password1"}, "127.0.0.1", "test")
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.User.ID)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.NotNil(t, result.User.LastLogin)
}

func TestAuthService_LoginRejections(t *testing.T) {
	svc := newTestAuthService(t)
	hash, err := utils.HashPassword("password1")
	require.NoError(t, err)
	seedUser(t, svc.db, &models.User{Username: "alice", Password: hash})
	seedUser(t, svc.db, &models.User{
		Username:     "linked",
		Password:     hash,
		AuthProvider: models.AuthProviderCAS,
		ExternalID:   strPtr("linked"),
	})
	disabled := seedUser(t, svc.db, &models.User{Username: "disabled", Password: hash})
	require.NoError(t, svc.db.Model(disabled).Update("is_active", false).Error)

	ctx := context.Background()
	_, err = svc.Login(ctx, &LoginRequest{Username: "alice", Password: "wrong"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, &LoginRequest{Username: "nobody", Password: "password1"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(ctx, &LoginRequest{Username: "linked", Password: "password1"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "cas accounts sign in through cas only")

	_, err = svc.Login(ctx, &LoginRequest{Username: "disabled", Password: "password1"}, "", "")
	assert.ErrorIs(t, err, ErrUserDisabled)
}
