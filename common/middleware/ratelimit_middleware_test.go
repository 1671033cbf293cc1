package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fwlab/fact/common/logger"
	"github.com/fwlab/fact/common/ratelimit"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRateLimit(t *testing.T) {
	e := echo.New()
	limiter := ratelimit.NewMemoryLimiter(logger.New("error", "text"))
	rule := ratelimit.Rule{Name: "test", Limit: 1, Window: time.Minute}
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, RateLimit(limiter, rule))

	call := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr + ":1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("192.0.2.1").Code)

	rec := call("192.0.2.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call("192.0.2.2").Code)
}
