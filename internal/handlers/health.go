package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/services"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db      *gorm.DB
	configs *services.CASConfigStore
	queue   services.SyncQueue
}

func NewHealthHandler(db *gorm.DB, configs *services.CASConfigStore, queue services.SyncQueue) *HealthHandler {
	return &HealthHandler{db: db, configs: configs, queue: queue}
}

// CheckHealth reports database reachability and the active CAS/sync modes.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	status := http.StatusOK
	overall := "healthy"

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	queueMode := "inline"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	cfg := h.configs.Snapshot()
	c.JSON(status, gin.H{
		"status":  overall,
		"service": "casbridge",
		"components": gin.H{
			"database":        dbStatus,
			"sync_queue_mode": queueMode,
			"cas_enabled":     cfg.Enabled,
			"sync_to_casdoor": cfg.SyncToCasdoor,
		},
	})
}
