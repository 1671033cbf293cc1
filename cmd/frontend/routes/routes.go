package routes

import (
	"github.com/fwlab/fact/cmd/frontend/container"
	"github.com/fwlab/fact/cmd/frontend/handlers"
	"github.com/fwlab/fact/common/middleware"
	"github.com/fwlab/fact/common/ratelimit"
	"github.com/labstack/echo/v4"
)

// RegisterFirmwareRoutes registers firmware upload, retrieval and re-analysis
func RegisterFirmwareRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFirmwareHandler(c)
	limit := middleware.RateLimit(c.Limiter, ratelimit.Submissions)

	firmware := e.Group("/rest/firmware")
	{
		firmware.PUT("", h.Upload, limit)      // PUT /rest/firmware
		firmware.GET("/:uid", h.Get)           // GET /rest/firmware/<uid>
		firmware.PUT("/:uid", h.Update, limit) // PUT /rest/firmware/<uid>?update=["..."]
		firmware.PATCH("/:uid", h.Patch)       // PATCH /rest/firmware/<uid>
	}
}

// RegisterBinarySearchRoutes registers rule searches
func RegisterBinarySearchRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewBinarySearchHandler(c)

	search := e.Group("/rest/binary_search")
	{
		search.POST("", h.Start, middleware.RateLimit(c.Limiter, ratelimit.Searches))
		search.GET("/:id", h.Result)
	}
}

// RegisterFileObjectRoutes registers object retrieval and deletion
func RegisterFileObjectRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewFileObjectHandler(c)

	objects := e.Group("/rest/file_object")
	{
		objects.GET("/:uid", h.Get)
		objects.DELETE("/:uid", h.Delete)
	}
}

// RegisterStatusRoutes registers health and status reporting
func RegisterStatusRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewStatusHandler(c)

	e.GET("/health", h.Health)
	e.GET("/rest/missing", h.Missing)
	e.GET("/rest/plugins", h.Plugins)
}

// RegisterAll registers every REST route
func RegisterAll(e *echo.Echo, c *container.Container) {
	RegisterFirmwareRoutes(e, c)
	RegisterBinarySearchRoutes(e, c)
	RegisterFileObjectRoutes(e, c)
	RegisterStatusRoutes(e, c)
}
