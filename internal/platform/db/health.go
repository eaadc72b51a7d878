package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Pinger is satisfied by *pgxpool.Pool and by the redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck is one named dependency probed by HealthHandler.
type HealthCheck struct {
	Name   string
	Pinger Pinger
}

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

// HealthHandler pings every dependency. Any failure answers 503. stats may be
// nil when no pool is available (tests, remote-only deployments).
func HealthHandler(stats func() *PoolStats, checks ...HealthCheck) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		res := healthResult{Status: "healthy", Checks: make(map[string]string, len(checks))}
		for _, hc := range checks {
			if err := hc.Pinger.Ping(ctx); err != nil {
				res.Status = "unhealthy"
				res.Checks[hc.Name] = err.Error()
				continue
			}
			res.Checks[hc.Name] = "ok"
		}
		if stats != nil {
			res.Pool = stats()
		}

		code := http.StatusOK
		if res.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, res)
	}
}
