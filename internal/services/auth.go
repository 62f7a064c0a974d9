package services

import (
	"context"
	"errors"
	"time"

	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/utils"
	"github.com/huangang/casbridge/pkg/logger"
	"gorm.io/gorm"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// AuthService handles password logins for local accounts.
type AuthService struct {
	db       *gorm.DB
	sessions *SessionIssuer
}

func NewAuthService(db *gorm.DB, sessions *SessionIssuer) *AuthService {
	return &AuthService{db: db, sessions: sessions}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResult struct {
	*TokenPair
	User *models.User `json:"user"`
}

// Login authenticates a local account. CAS-linked accounts have no usable
// password and are rejected with the same error as a wrong password.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest, clientIP, userAgent string) (*LoginResult, error) {
	user, err := s.localAuth(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}

	pair, err := s.sessions.Issue(ctx, user, models.SessionSourceLocal, clientIP, userAgent)
	if err != nil {
		return nil, err
	}

	touchLastLogin(ctx, s.db, user)
	return &LoginResult{TokenPair: pair, User: user}, nil
}

func (s *AuthService) localAuth(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("username_key = ? AND auth_provider = ?", models.NormalizeUsername(username), models.AuthProviderLocal).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if !user.IsActive {
		return nil, ErrUserDisabled
	}
	if !utils.CheckPassword(password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (s *AuthService) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	return userOrNotFound(&user, err)
}

// CreateAdminIfNotExists seeds a local admin when no admin exists yet.
func (s *AuthService) CreateAdminIfNotExists(password string) error {
	var count int64
	if err := s.db.Model(&models.User{}).Where("role = ?", models.RoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		password = "admin"
	}
	hashedPassword, err := utils.HashPassword(password)
	if err != nil {
		return err
	}

	admin := models.User{
		Username:     "admin",
		Password:     hashedPassword,
		Nickname:     "Administrator",
		Role:         models.RoleAdmin,
		AuthProvider: models.AuthProviderLocal,
		IsActive:     true,
	}
	if err := s.db.Create(&admin).Error; err != nil {
		return err
	}
	logger.Info().Uint("user_id", admin.ID).Msg("default admin account created")
	return nil
}

func touchLastLogin(ctx context.Context, db *gorm.DB, user *models.User) {
	now := time.Now()
	if err := db.WithContext(ctx).Model(user).UpdateColumn("last_login", now).Error; err != nil {
		logger.Warn().Err(err).Uint("user_id", user.ID).Msg("failed to update last login")
		return
	}
	user.LastLogin = &now
}
