// Command flowd serves the workflow engine over HTTP: validation, runs,
// the node catalog, and discovery.
package main

import (
	"context"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/lyzr/flowrunner/cmd/flowd/container"
	"github.com/lyzr/flowrunner/cmd/flowd/routes"
	"github.com/lyzr/flowrunner/common/config"
	"github.com/lyzr/flowrunner/common/logger"
	"github.com/lyzr/flowrunner/common/server"
)

func main() {
	cfg, err := config.Load("flowd")
	if err != nil {
		os.Stderr.WriteString("flowd: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	c, err := container.New(context.Background(), cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	routes.Register(e, c)

	if err := server.New("flowd", cfg.Service.Port, e, log).Start(); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}
