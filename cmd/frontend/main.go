package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fwlab/fact/cmd/frontend/container"
	"github.com/fwlab/fact/cmd/frontend/routes"
	"github.com/fwlab/fact/common/bootstrap"
	"github.com/fwlab/fact/common/server"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (store, blobs, intercom, cache, telemetry)
	components, err := bootstrap.Setup(ctx, "fact-frontend")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap frontend: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	c := container.NewContainer(components)

	e := setupEcho()
	setupMiddleware(e)
	routes.RegisterAll(e, c)

	srv := server.New("fact-frontend", components.Config.Service.Port, e, components.Logger)
	if err := srv.Run(ctx); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	// firmware images are uploaded base64 encoded
	e.Use(middleware.BodyLimit("1G"))
}
