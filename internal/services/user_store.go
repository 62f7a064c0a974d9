package services

import (
	"context"
	"errors"

	"github.com/huangang/casbridge/internal/models"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username or external id already in use")
	// ErrUpgradeLost means the row was no longer local when the upgrade ran.
	ErrUpgradeLost = errors.New("user is no longer a local account")
)

// UserStore is the persistence boundary for reconciliation.
type UserStore interface {
	FindByExternalID(ctx context.Context, externalID string) (*models.User, error)
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	Save(ctx context.Context, user *models.User) error
	UpgradeToCAS(ctx context.Context, userID uint, externalID string) error
}

type GormUserStore struct {
	db *gorm.DB
}

func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

func (s *GormUserStore) FindByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("external_id = ? AND auth_provider = ?", externalID, models.AuthProviderCAS).
		First(&user).Error
	return userOrNotFound(&user, err)
}

// FindByUsername matches across providers since usernames are globally unique
// under the configured matching mode.
func (s *GormUserStore) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Where("username_key = ?", models.NormalizeUsername(username)).
		First(&user).Error
	return userOrNotFound(&user, err)
}

func (s *GormUserStore) Create(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrUsernameTaken
		}
		return err
	}
	return nil
}

func (s *GormUserStore) Save(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// UpgradeToCAS links a local account. The provider check in the WHERE clause
// makes the transition one-way and safe against a concurrent upgrade.
func (s *GormUserStore) UpgradeToCAS(ctx context.Context, userID uint, externalID string) error {
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND auth_provider = ?", userID, models.AuthProviderLocal).
		Updates(map[string]interface{}{
			"auth_provider": models.AuthProviderCAS,
			"external_id":   externalID,
		})
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrUsernameTaken
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUpgradeLost
	}
	return nil
}

func userOrNotFound(user *models.User, err error) (*models.User, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}
