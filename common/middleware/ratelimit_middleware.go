package middleware

import (
	"net/http"
	"strconv"

	"github.com/fwlab/fact/common/ratelimit"
	"github.com/labstack/echo/v4"
)

// RateLimit rejects requests of a client beyond rule's budget.
// Clients are told apart by their address.
func RateLimit(limiter ratelimit.Limiter, rule ratelimit.Rule) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result, err := limiter.Check(c.Request().Context(), rule, c.RealIP())
			if err != nil {
				// fail open
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.RetryAfterSeconds, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"status":        1,
					"error_message": "Too many requests, please try again later",
					"details": map[string]interface{}{
						"rule":                rule.Name,
						"limit":               result.Limit,
						"window_seconds":      int64(rule.Window.Seconds()),
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
