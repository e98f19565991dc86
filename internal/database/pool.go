package database

import (
	"context"
	"time"

	"github.com/Aidin1998/scriptforge/pkg/metrics"
	"gorm.io/gorm"
)

// ReportPoolStats exports connection pool gauges for db under label every
// interval until ctx is done.
func ReportPoolStats(ctx context.Context, db *gorm.DB, label string, interval time.Duration) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := sqlDB.Stats()
				metrics.DBOpenConns.WithLabelValues(label).Set(float64(stats.OpenConnections))
				metrics.DBIdleConns.WithLabelValues(label).Set(float64(stats.Idle))
				metrics.DBInUseConns.WithLabelValues(label).Set(float64(stats.InUse))
			}
		}
	}()
}
