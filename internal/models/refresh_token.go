package models

import "time"

const (
	SessionSourceLocal = "local"
	SessionSourceCAS   = "cas"
)

// RefreshToken stores the SHA-256 hash of an issued refresh token.
type RefreshToken struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	UserID            uint       `gorm:"index;not null" json:"user_id"`
	TokenHash         string     `gorm:"uniqueIndex;size:64;not null" json:"-"`
	Source            string     `gorm:"size:20;default:local" json:"source"` // how the session was established
	ExpiresAt         time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt         *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	ReplacedByTokenID *uint      `json:"replaced_by_token_id,omitempty"`
	CreatedByIP       string     `gorm:"size:64" json:"created_by_ip,omitempty"`
	UserAgent         string     `gorm:"size:255" json:"user_agent,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (RefreshToken) TableName() string { return "refresh_tokens" }

// Live reports whether the token can still be exchanged at t.
func (r *RefreshToken) Live(t time.Time) bool {
	return r.RevokedAt == nil && t.Before(r.ExpiresAt)
}
