package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// RegisterRuntimeCollectors adds process, Go runtime and connection pool
// metrics to registry.
func RegisterRuntimeCollectors(registry *prometheus.Registry, db *gorm.DB) error {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	registry.MustRegister(collectors.NewDBStatsCollector(sqlDB, "casbridge"))
	return nil
}

// Metrics serves registry in the Prometheus text format.
func Metrics(registry *prometheus.Registry) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
}
