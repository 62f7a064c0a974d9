package services

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/pkg/logger"
	"gorm.io/gorm"
)

var auditDB atomic.Pointer[gorm.DB]

// InitSystemLogger sets the database the audit helpers write to.
func InitSystemLogger(db *gorm.DB) {
	auditDB.Store(db)
}

func LogInfo(module, action, message string, userID *uint, ip, userAgent string, extra interface{}) {
	writeLog(models.LogLevelInfo, module, action, message, "", userID, ip, userAgent, extra)
}

func LogWarning(module, action, message string, userID *uint, ip, userAgent string, extra interface{}) {
	writeLog(models.LogLevelWarning, module, action, message, "", userID, ip, userAgent, extra)
}

func LogError(module, action, message string, userID *uint, ip, userAgent string, extra interface{}) {
	writeLog(models.LogLevelError, module, action, message, "", userID, ip, userAgent, extra)
}

// LogFailure records an error together with its detail text.
func LogFailure(module, action, message, detail string, userID *uint, extra interface{}) {
	writeLog(models.LogLevelError, module, action, message, detail, userID, "", "", extra)
}

func writeLog(level, module, action, message, detail string, userID *uint, ip, userAgent string, extra interface{}) {
	db := auditDB.Load()
	if db == nil {
		return
	}

	var extraStr string
	if extra != nil {
		if b, err := json.Marshal(extra); err == nil {
			extraStr = string(b)
		}
	}

	entry := &models.SystemLog{
		Level:       level,
		Module:      module,
		Action:      action,
		Message:     message,
		UserID:      userID,
		ErrorDetail: detail,
		IP:          ip,
		UserAgent:   truncate(userAgent, 490),
		Extra:       extraStr,
		CreatedAt:   time.Now(),
	}
	if err := db.Create(entry).Error; err != nil {
		logger.Warn().Err(err).Str("module", module).Str("action", action).Msg("failed to write system log")
	}
}

type SystemLogService struct {
	db        *gorm.DB
	configSvc *SystemConfigService
}

func NewSystemLogService(db *gorm.DB) *SystemLogService {
	return &SystemLogService{db: db, configSvc: NewSystemConfigService(db)}
}

type SystemLogListRequest struct {
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
	Level     string `form:"level"`
	Module    string `form:"module"`
	Action    string `form:"action"`
	UserID    uint   `form:"user_id"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Search    string `form:"search"`
}

type SystemLogListResponse struct {
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Items    []models.SystemLog `json:"items"`
}

func (s *SystemLogService) List(ctx context.Context, req *SystemLogListRequest) (*SystemLogListResponse, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}

	query := s.db.WithContext(ctx).Model(&models.SystemLog{})
	if req.Level != "" {
		query = query.Where("level = ?", req.Level)
	}
	if req.Module != "" {
		query = query.Where("module = ?", req.Module)
	}
	if req.Action != "" {
		query = query.Where("action LIKE ?", "%"+req.Action+"%")
	}
	if req.UserID != 0 {
		query = query.Where("user_id = ?", req.UserID)
	}
	if req.StartDate != "" {
		query = query.Where("created_at >= ?", req.StartDate)
	}
	if req.EndDate != "" {
		query = query.Where("created_at <= ?", req.EndDate+" 23:59:59")
	}
	if search := strings.TrimSpace(req.Search); search != "" {
		query = query.Where("message LIKE ? OR error_detail LIKE ?", "%"+search+"%", "%"+search+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, err
	}

	var logs []models.SystemLog
	offset := (req.Page - 1) * req.PageSize
	if err := query.Offset(offset).Limit(req.PageSize).Order("created_at DESC, id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}

	return &SystemLogListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Items:    logs,
	}, nil
}

func (s *SystemLogService) GetModules(ctx context.Context) ([]string, error) {
	var modules []string
	if err := s.db.WithContext(ctx).Model(&models.SystemLog{}).Distinct("module").Pluck("module", &modules).Error; err != nil {
		return nil, err
	}
	return modules, nil
}

// CleanupOldLogs deletes logs older than retentionDays and returns how many.
func (s *SystemLogService) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SystemLog{})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (s *SystemLogService) GetRetentionDays() int {
	return s.configSvc.GetInt("log_retention_days", 30)
}
