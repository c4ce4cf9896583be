package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const pingBudget = 3 * time.Second

// PoolUsage is the slice of pgxpool statistics shown on /health/db.
type PoolUsage struct {
	Total     int32 `json:"total"`
	Idle      int32 `json:"idle"`
	Acquired  int32 `json:"acquired"`
	Max       int32 `json:"max"`
	Saturated bool  `json:"saturated"`
}

// DBHealth is the /health/db response body.
type DBHealth struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Pool      PoolUsage `json:"pool"`
}

func usageOf(pool *pgxpool.Pool) PoolUsage {
	s := pool.Stat()
	return PoolUsage{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler pings the database and answers 503 when it is unreachable.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return healthHandler(pool, func() PoolUsage { return usageOf(pool) })
}

func healthHandler(p pinger, usage func() PoolUsage) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingBudget)
		defer cancel()

		start := time.Now()
		err := p.Ping(ctx)

		h := DBHealth{
			Status:    "ok",
			LatencyMS: time.Since(start).Milliseconds(),
			Pool:      usage(),
		}
		h.Pool.Saturated = h.Pool.Max > 0 && h.Pool.Acquired >= h.Pool.Max

		if err != nil {
			h.Status = "unavailable"
			h.Error = err.Error()
			return c.JSON(http.StatusServiceUnavailable, h)
		}
		return c.JSON(http.StatusOK, h)
	}
}
