package database

import (
	"context"
	"database/sql"
	"time"
)

// HealthStatus is the database portion of the health endpoint: one round-trip
// latency sample plus connection pool pressure.
type HealthStatus struct {
	Status    string    `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolStats `json:"pool"`
}

// PoolStats reports connection pool pressure. A growing WaitCount between
// polls means queries are queueing for free connections.
type PoolStats struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	MaxOpen   int   `json:"max_open"`
	WaitCount int64 `json:"wait_count"`
	WaitMS    int64 `json:"wait_ms"`
}

// Health samples a query round trip and the pool statistics. The error is
// non-nil only when the database is unreachable; a saturated pool still
// returns a populated status, marked degraded.
func Health(ctx context.Context, db *sql.DB) (*HealthStatus, error) {
	start := time.Now()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return &HealthStatus{
			Status:    "unhealthy",
			LatencyMS: time.Since(start).Milliseconds(),
		}, err
	}
	latency := time.Since(start).Milliseconds()

	stats := db.Stats()
	status := "healthy"
	if stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
		status = "degraded"
	}
	return &HealthStatus{
		Status:    status,
		LatencyMS: latency,
		Pool: PoolStats{
			Open:      stats.OpenConnections,
			InUse:     stats.InUse,
			Idle:      stats.Idle,
			MaxOpen:   stats.MaxOpenConnections,
			WaitCount: stats.WaitCount,
			WaitMS:    stats.WaitDuration.Milliseconds(),
		},
	}, nil
}
