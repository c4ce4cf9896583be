package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// TimeoutConfig bounds how long a handler may run. Routes are matched on the
// registered route path (c.Path()), so parameterised routes need one entry.
type TimeoutConfig struct {
	Default time.Duration
	// Routes overrides Default for routes that wait on the payment gateway.
	Routes map[string]time.Duration
	// Exempt routes run without a deadline, e.g. the websocket endpoint.
	Exempt []string
}

func (cfg TimeoutConfig) budget(route string) (time.Duration, bool) {
	for _, r := range cfg.Exempt {
		if r == route {
			return 0, false
		}
	}
	if d, ok := cfg.Routes[route]; ok && d > 0 {
		return d, true
	}
	return cfg.Default, cfg.Default > 0
}

// RequestTimeout cancels the request context once the route's budget is
// spent and answers 504 unless the handler already started its response.
func RequestTimeout(cfg TimeoutConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, bounded := cfg.budget(c.Path())
			if !bounded {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
			}
		}
	}
}
