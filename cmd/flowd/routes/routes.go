// Package routes binds handlers to the service's URL space
package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowrunner/cmd/flowd/container"
	"github.com/lyzr/flowrunner/cmd/flowd/handlers"
)

// Register binds every route group
func Register(e *echo.Echo, c *container.Container) {
	e.GET("/healthz", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	wf := handlers.NewWorkflowHandler(c)
	run := handlers.NewRunHandler(c)
	nodes := handlers.NewNodeHandler(c)

	api := e.Group("/api/v1")
	{
		api.POST("/workflows/validate", wf.Validate)

		api.POST("/runs", run.Create)
		api.GET("/runs", run.List)
		api.GET("/runs/:id", run.Get)

		api.GET("/nodes", nodes.List)
		api.GET("/nodes/:name", nodes.Get)
		api.GET("/discovery", nodes.Discover)
	}
}
