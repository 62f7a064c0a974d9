package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAndMetrics(t *testing.T) {
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "health.db")})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	configs := services.NewCASConfigStore(db)
	_, err = configs.Update(context.Background(), services.CASConfig{Enabled: true, ServerURL: "https://door.example.com"})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := services.NewMetrics(registry)
	require.NoError(t, RegisterRuntimeCollectors(registry, db))
	metrics.CASLoginsTotal.WithLabelValues("success").Inc()

	queue := services.NewLaneQueue(1, func(ctx context.Context, task *services.SyncTask) {}, metrics)
	defer queue.Close()

	r := gin.New()
	r.GET("/health", NewHealthHandler(db, configs, queue).CheckHealth)
	r.GET("/metrics", Metrics(registry))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status     string `json:"status"`
		Components struct {
			Database      string `json:"database"`
			SyncQueueMode string `json:"sync_queue_mode"`
			CASEnabled    bool   `json:"cas_enabled"`
		} `json:"components"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Components.Database)
	assert.Equal(t, "inline", body.Components.SyncQueueMode)
	assert.True(t, body.Components.CASEnabled)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `casbridge_cas_logins_total{result="success"} 1`)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.Close()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unhealthy")
}
