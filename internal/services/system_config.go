package services

import (
	"errors"
	"strconv"
	"time"

	"github.com/huangang/casbridge/internal/models"
	"gorm.io/gorm"
)

type SystemConfigService struct {
	db *gorm.DB
}

func NewSystemConfigService(db *gorm.DB) *SystemConfigService {
	return &SystemConfigService{db: db}
}

func (s *SystemConfigService) Get(key string) (string, error) {
	return getConfigValue(s.db, key)
}

func (s *SystemConfigService) GetWithDefault(key, defaultValue string) string {
	value, err := s.Get(key)
	if err != nil {
		return defaultValue
	}
	return value
}

// GetInt returns the integer value of key, or def when missing, invalid or not positive.
func (s *SystemConfigService) GetInt(key string, def int) int {
	v, err := strconv.Atoi(s.GetWithDefault(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (s *SystemConfigService) Set(key, value string) error {
	return setConfigValue(s.db, key, value, "")
}

func (s *SystemConfigService) GetByGroup(group string) ([]models.SystemConfig, error) {
	var configs []models.SystemConfig
	if err := s.db.Where(&models.SystemConfig{Group: group}).Order("id").Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

func getConfigValue(db *gorm.DB, key string) (string, error) {
	var cfg models.SystemConfig
	if err := db.Where(&models.SystemConfig{Key: key}).First(&cfg).Error; err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// setConfigValue upserts one row. db may be a transaction handle.
func setConfigValue(db *gorm.DB, key, value, group string) error {
	var cfg models.SystemConfig
	err := db.Where(&models.SystemConfig{Key: key}).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		now := time.Now()
		cfg = models.SystemConfig{
			Key:       key,
			Value:     value,
			Group:     group,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return db.Create(&cfg).Error
	}
	if err != nil {
		return err
	}
	return db.Model(&cfg).Update("value", value).Error
}
