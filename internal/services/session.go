package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/utils"
	"gorm.io/gorm"
)

const (
	keyAccessTokenHours  = "auth_access_token_expire_hours"
	keyRefreshTokenHours = "auth_refresh_token_expire_hours"

	defaultRefreshHours = 720
)

var (
	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrRefreshTokenInvalid  = errors.New("invalid refresh token")
	ErrRefreshTokenRevoked  = errors.New("refresh token revoked")
	ErrRefreshTokenExpired  = errors.New("refresh token expired")
	ErrUserDisabled         = errors.New("user is disabled")
)

// TokenPair is the result of establishing or refreshing a session.
type TokenPair struct {
	AccessToken     string    `json:"access_token"`
	AccessExpireAt  time.Time `json:"expire_at"`
	RefreshToken    string    `json:"refresh_token"`
	RefreshExpireAt time.Time `json:"refresh_expire_at"`
}

// SessionIssuer mints access/refresh token pairs for resolved users.
type SessionIssuer struct {
	db        *gorm.DB
	jwtConfig *config.JWTConfig
	configSvc *SystemConfigService
}

func NewSessionIssuer(db *gorm.DB, jwtCfg *config.JWTConfig) *SessionIssuer {
	return &SessionIssuer{
		db:        db,
		jwtConfig: jwtCfg,
		configSvc: NewSystemConfigService(db),
	}
}

// Issue starts a new session for user. source records how it was established.
func (s *SessionIssuer) Issue(ctx context.Context, user *models.User, source, clientIP, userAgent string) (*TokenPair, error) {
	accessHours := s.accessTokenHours()
	refreshHours := s.refreshTokenHours()

	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, accessHours)
	if err != nil {
		return nil, err
	}

	refreshToken, refreshHash, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	record := models.RefreshToken{
		UserID:      user.ID,
		TokenHash:   refreshHash,
		Source:      source,
		ExpiresAt:   now.Add(time.Duration(refreshHours) * time.Hour),
		CreatedByIP: clientIP,
		UserAgent:   truncate(userAgent, 250),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:     token,
		AccessExpireAt:  now.Add(time.Duration(accessHours) * time.Hour),
		RefreshToken:    refreshToken,
		RefreshExpireAt: record.ExpiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented one is revoked and linked
// to its replacement in the same transaction.
func (s *SessionIssuer) Refresh(ctx context.Context, refreshToken, clientIP, userAgent string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrRefreshTokenRequired
	}

	db := s.db.WithContext(ctx)
	var stored models.RefreshToken
	if err := db.Where("token_hash = ?", hashRefreshToken(refreshToken)).First(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRefreshTokenInvalid
		}
		return nil, err
	}
	if stored.RevokedAt != nil {
		return nil, ErrRefreshTokenRevoked
	}
	if !stored.Live(time.Now()) {
		return nil, ErrRefreshTokenExpired
	}

	var user models.User
	if err := db.First(&user, stored.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	accessHours := s.accessTokenHours()
	refreshHours := s.refreshTokenHours()

	accessToken, err := utils.GenerateToken(user.ID, user.Username, user.Role, accessHours)
	if err != nil {
		return nil, err
	}
	newToken, newHash, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := models.RefreshToken{
		UserID:      user.ID,
		TokenHash:   newHash,
		Source:      stored.Source,
		ExpiresAt:   now.Add(time.Duration(refreshHours) * time.Hour),
		CreatedByIP: clientIP,
		UserAgent:   truncate(userAgent, 250),
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&next).Error; err != nil {
			return err
		}
		result := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND revoked_at IS NULL", stored.ID).
			Updates(map[string]interface{}{
				"revoked_at":           now,
				"replaced_by_token_id": next.ID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRefreshTokenRevoked
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:     accessToken,
		AccessExpireAt:  now.Add(time.Duration(accessHours) * time.Hour),
		RefreshToken:    newToken,
		RefreshExpireAt: next.ExpiresAt,
	}, nil
}

// Revoke ends the session behind one refresh token. Unknown tokens are ignored.
func (s *SessionIssuer) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", hashRefreshToken(refreshToken)).
		Update("revoked_at", time.Now()).Error
}

// RevokeAllForUser ends every live session of userID and returns how many.
func (s *SessionIssuer) RevokeAllForUser(ctx context.Context, userID uint) (int64, error) {
	result := s.db.WithContext(ctx).Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", time.Now())
	return result.RowsAffected, result.Error
}

// CleanupExpired removes refresh tokens that can no longer be used.
func (s *SessionIssuer) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.RefreshToken{})
	return result.RowsAffected, result.Error
}

func (s *SessionIssuer) accessTokenHours() int {
	return s.configSvc.GetInt(keyAccessTokenHours, s.jwtConfig.ExpireHour)
}

func (s *SessionIssuer) refreshTokenHours() int {
	return s.configSvc.GetInt(keyRefreshTokenHours, defaultRefreshHours)
}

func generateRefreshToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(randomBytes)
	return token, hashRefreshToken(token), nil
}

func hashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
