package services

import (
	"context"
	"testing"
	"time"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestIssuer(t *testing.T) (*SessionIssuer, *gorm.DB) {
	t.Helper()
	utils.SetJWTSecret("session-test-secret")
	db := newTestDB(t)
	return NewSessionIssuer(db, &config.JWTConfig{ExpireHour: 2}), db
}

func TestSessionIssuer_Issue(t *testing.T) {
	issuer, db := newTestIssuer(t)
	user := seedUser(t, db, &models.User{Username: "zera", Role: models.RoleAdmin})

	pair, err := issuer.Issue(context.Background(), user, models.SessionSourceCAS, "10.0.0.1", "curl")
	require.NoError(t, err)

	claims, err := utils.ParseToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, models.RoleAdmin, claims.Role)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), pair.AccessExpireAt, time.Minute)
	assert.WithinDuration(t, time.Now().Add(720*time.Hour), pair.RefreshExpireAt, time.Minute)

	var stored models.RefreshToken
	require.NoError(t, db.First(&stored).Error)
	assert.Equal(t, hashRefreshToken(pair.RefreshToken), stored.TokenHash)
	assert.NotEqual(t, pair.RefreshToken, stored.TokenHash, "only the hash is stored")
	assert.Equal(t, models.SessionSourceCAS, stored.Source)
	assert.Equal(t, "10.0.0.1", stored.CreatedByIP)
}

func TestSessionIssuer_LifetimesFromSystemConfig(t *testing.T) {
	issuer, db := newTestIssuer(t)
	require.NoError(t, NewSystemConfigService(db).Set(keyAccessTokenHours, "5"))
	require.NoError(t, NewSystemConfigService(db).Set(keyRefreshTokenHours, "not-a-number"))
	user := seedUser(t, db, &models.User{Username: "zera"})

	pair, err := issuer.Issue(context.Background(), user, models.SessionSourceLocal, "", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Hour), pair.AccessExpireAt, time.Minute)
	assert.WithinDuration(t, time.Now().Add(720*time.Hour), pair.RefreshExpireAt, time.Minute)
}

func TestSessionIssuer_RefreshRotates(t *testing.T) {
	issuer, db := newTestIssuer(t)
	user := seedUser(t, db, &models.User{Username: "zera"})
	ctx := context.Background()

	first, err := issuer.Issue(ctx, user, models.SessionSourceCAS, "", "")
	require.NoError(t, err)

	second, err := issuer.Refresh(ctx, first.RefreshToken, "", "")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = issuer.Refresh(ctx, first.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	var rotated models.RefreshToken
	require.NoError(t, db.Where("token_hash = ?", hashRefreshToken(second.RefreshToken)).First(&rotated).Error)
	assert.Equal(t, models.SessionSourceCAS, rotated.Source, "rotation keeps the session source")
}

func TestSessionIssuer_RefreshErrors(t *testing.T) {
	issuer, db := newTestIssuer(t)
	ctx := context.Background()

	_, err := issuer.Refresh(ctx, "", "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenRequired)

	_, err = issuer.Refresh(ctx, "unknown", "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenInvalid)

	user := seedUser(t, db, &models.User{Username: "zera"})
	pair, err := issuer.Issue(ctx, user, models.SessionSourceLocal, "", "")
	require.NoError(t, err)
	require.NoError(t, db.Model(user).Update("is_active", false).Error)

	_, err = issuer.Refresh(ctx, pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrUserDisabled)

	require.NoError(t, db.Model(&models.RefreshToken{}).Where("user_id = ?", user.ID).
		Update("expires_at", time.Now().Add(-time.Hour)).Error)
	_, err = issuer.Refresh(ctx, pair.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
}

func TestSessionIssuer_RevokeAndCleanup(t *testing.T) {
	issuer, db := newTestIssuer(t)
	user := seedUser(t, db, &models.User{Username: "zera"})
	ctx := context.Background()

	a, err := issuer.Issue(ctx, user, models.SessionSourceLocal, "", "")
	require.NoError(t, err)
	_, err = issuer.Issue(ctx, user, models.SessionSourceCAS, "", "")
	require.NoError(t, err)

	require.NoError(t, issuer.Revoke(ctx, a.RefreshToken))
	_, err = issuer.Refresh(ctx, a.RefreshToken, "", "")
	assert.ErrorIs(t, err, ErrRefreshTokenRevoked)

	n, err := issuer.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := issuer.CleanupExpired(ctx, time.Now().Add(1000*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
