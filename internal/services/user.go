package services

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/utils"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

const minPasswordLength = 6

var (
	ErrInvalidRole       = errors.New("invalid role, must be 'admin' or 'user'")
	ErrPasswordTooShort  = errors.New("password must be at least 6 characters")
	ErrNotLocalAccount   = errors.New("password is managed by the identity provider")
	ErrIncorrectPassword = errors.New("incorrect old password")
	ErrUsernameRequired  = errors.New("username is required")
	ErrUsernameImmutable = errors.New("username cannot be changed")
)

// UserService owns local user mutations. Every successful create, update or
// delete is reported to the listener after it commits, together with the CAS
// snapshot taken when the mutation started.
type UserService struct {
	db       *gorm.DB
	snapshot func() CASConfig
	listener UserMutationListener
}

func NewUserService(db *gorm.DB, snapshot func() CASConfig, listener UserMutationListener) *UserService {
	return &UserService{db: db, snapshot: snapshot, listener: listener}
}

func (s *UserService) notify(ctx context.Context, event SyncEvent, cfg CASConfig) {
	if s.listener == nil {
		return
	}
	s.listener.OnUserMutated(ctx, event, cfg)
}

type UserListRequest struct {
	Page         int    `form:"page"`
	PageSize     int    `form:"page_size"`
	Username     string `form:"username"`
	Role         string `form:"role"`
	AuthProvider string `form:"auth_provider"`
}

type UserListResponse struct {
	Items    []models.User `json:"items"`
	Total    int64         `json:"total"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}

func (s *UserService) List(ctx context.Context, req *UserListRequest) (*UserListResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.User{})
	if req.Username != "" {
		query = query.Where("username LIKE ?", "%"+req.Username+"%")
	}
	if req.Role != "" {
		query = query.Where("role = ?", req.Role)
	}
	if req.AuthProvider != "" {
		query = query.Where("auth_provider = ?", req.AuthProvider)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}
	var users []models.User
	if err := query.Order("id ASC").Offset((req.Page - 1) * req.PageSize).Limit(req.PageSize).Find(&users).Error; err != nil {
		return nil, err
	}

	return &UserListResponse{Items: users, Total: total, Page: req.Page, PageSize: req.PageSize}, nil
}

func (s *UserService) Get(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	return userOrNotFound(&user, err)
}

type CreateUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

// Create adds a local account. The cleartext password is handed to the
// listener once and is not kept anywhere else.
func (s *UserService) Create(ctx context.Context, req *CreateUserRequest) (*models.User, error) {
	cfg := s.snapshot()

	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrPasswordTooShort
	}
	role := lo.Ternary(req.Role == "", models.RoleUser, req.Role)
	if !validRole(role) {
		return nil, ErrInvalidRole
	}

	hash, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Username:     username,
		Password:     hash,
		Email:        req.Email,
		Nickname:     lo.Ternary(req.Nickname == "", username, req.Nickname),
		Role:         role,
		AuthProvider: models.AuthProviderLocal,
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	s.notify(ctx, SyncEvent{Operation: SyncCreate, User: *user, Password: req.Password}, cfg)
	return user, nil
}

// UpdateUserRequest is a partial update. Username is accepted only when it
// equals the current one.
type UpdateUserRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Nickname *string `json:"nickname"`
	Avatar   *string `json:"avatar"`
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
	Password *string `json:"password"`
}

func (s *UserService) Update(ctx context.Context, id uint, req *UpdateUserRequest) (*models.User, error) {
	cfg := s.snapshot()

	user, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Username != nil && *req.Username != user.Username {
		return nil, ErrUsernameImmutable
	}

	updates := map[string]interface{}{}
	setIfChanged := func(column, current string, next *string) {
		if next != nil && *next != current {
			updates[column] = *next
		}
	}
	setIfChanged("email", user.Email, req.Email)
	setIfChanged("nickname", user.Nickname, req.Nickname)
	setIfChanged("avatar", user.Avatar, req.Avatar)
	if req.Role != nil && *req.Role != user.Role {
		if !validRole(*req.Role) {
			return nil, ErrInvalidRole
		}
		updates["role"] = *req.Role
	}
	if req.IsActive != nil && *req.IsActive != user.IsActive {
		updates["is_active"] = *req.IsActive
	}

	var cleartext string
	if req.Password != nil && *req.Password != "" {
		if user.IsCAS() {
			return nil, ErrNotLocalAccount
		}
		if len(*req.Password) < minPasswordLength {
			return nil, ErrPasswordTooShort
		}
		hash, err := utils.HashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		updates["password"] = hash
		cleartext = *req.Password
	}

	if len(updates) == 0 {
		return user, nil
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return nil, err
	}
	updated, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := lo.Keys(updates)
	sort.Strings(changed)
	s.notify(ctx, SyncEvent{Operation: SyncUpdate, User: *updated, ChangedFields: changed, Password: cleartext}, cfg)
	return updated, nil
}

// Delete removes the user and its refresh tokens. Rows are hard deleted so
// the username can be reused.
func (s *UserService) Delete(ctx context.Context, id uint) error {
	cfg := s.snapshot()

	user, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.RefreshToken{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.User{}, user.ID).Error
	})
	if err != nil {
		return err
	}

	s.notify(ctx, SyncEvent{Operation: SyncDelete, User: *user}, cfg)
	return nil
}

type ChangePasswordRequest struct {
	OldPassword string `json:"old_password" binding:"required"`
	NewPassword string `json:"new_password" binding:"required"`
}

// ChangePassword lets a local user replace their own password. The change is
// propagated like any other update.
func (s *UserService) ChangePassword(ctx context.Context, userID uint, req *ChangePasswordRequest) error {
	cfg := s.snapshot()

	user, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	if user.IsCAS() {
		return ErrNotLocalAccount
	}
	if !utils.CheckPassword(req.OldPassword, user.Password) {
		return ErrIncorrectPassword
	}
	if len(req.NewPassword) < minPasswordLength {
		return ErrPasswordTooShort
	}

	hash, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(user).Update("password", hash).Error; err != nil {
		return err
	}

	s.notify(ctx, SyncEvent{
		Operation:     SyncUpdate,
		User:          *user,
		ChangedFields: []string{"password"},
		Password:      req.NewPassword,
	}, cfg)
	return nil
}

func validRole(role string) bool {
	return role == models.RoleAdmin || role == models.RoleUser
}
