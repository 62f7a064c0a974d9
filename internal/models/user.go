package models

import (
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
)

const (
	AuthProviderLocal = "local"
	AuthProviderCAS   = "cas"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is the local identity record. ExternalID is only set once the account
// is linked to a CAS identity and holds the identity string the CAS server
// asserted at that login, not an id the IdP assigned during outbound sync.
type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:100;not null" json:"username"`
	UsernameKey  string     `gorm:"uniqueIndex;size:100" json:"-"` // NormalizeUsername(Username)
	Password     string     `gorm:"size:255" json:"-"`             // bcrypt hash, empty for CAS users
	Email        string     `gorm:"size:255" json:"email"`
	Nickname     string     `gorm:"size:100" json:"nickname"`
	Avatar       string     `gorm:"size:500" json:"avatar"`
	Role         string     `gorm:"size:50;default:user" json:"role"`
	AuthProvider string     `gorm:"size:20;not null;default:local;index" json:"auth_provider"` // local, cas
	ExternalID   *string    `gorm:"uniqueIndex;size:255" json:"external_id,omitempty"`
	IsActive     bool       `gorm:"default:true" json:"is_active"`
	LastLogin    *time.Time `json:"last_login"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

var foldUsernames atomic.Bool

// SetUsernameFolding switches username uniqueness and lookups between exact
// and case-insensitive matching. Call it before AutoMigrate.
func SetUsernameFolding(fold bool) {
	foldUsernames.Store(fold)
}

// NormalizeUsername returns the form usernames are unique by.
func NormalizeUsername(username string) string {
	if foldUsernames.Load() {
		return strings.ToLower(username)
	}
	return username
}

// BeforeCreate fills UsernameKey. Usernames never change after creation.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	u.UsernameKey = NormalizeUsername(u.Username)
	return nil
}

// IsCAS reports whether the account is linked to the CAS identity provider.
func (u *User) IsCAS() bool { return u.AuthProvider == AuthProviderCAS }

// ExternalIDOrUsername returns the key the IdP knows this user by.
func (u *User) ExternalIDOrUsername() string {
	if u.ExternalID != nil && *u.ExternalID != "" {
		return *u.ExternalID
	}
	return u.Username
}
