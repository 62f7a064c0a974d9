package models

import "time"

const (
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// SystemLog is an audit record. Outbound sync failures land here with
// Module "user_sync", Action set to the operation and ErrorDetail filled.
type SystemLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Level       string    `gorm:"size:20;index" json:"level"`
	Module      string    `gorm:"size:100;index" json:"module"`
	Action      string    `gorm:"size:200;index" json:"action"`
	Message     string    `gorm:"type:text" json:"message"`
	UserID      *uint     `gorm:"index" json:"user_id"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail,omitempty"`
	IP          string    `gorm:"size:50" json:"ip"`
	UserAgent   string    `gorm:"size:500" json:"user_agent"`
	Extra       string    `gorm:"type:text" json:"extra"` // JSON
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (SystemLog) TableName() string { return "system_logs" }
