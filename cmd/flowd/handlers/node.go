package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowrunner/cmd/flowd/container"
)

// NodeHandler serves the node catalog and discovery queries
type NodeHandler struct {
	c *container.Container
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(c *container.Container) *NodeHandler {
	return &NodeHandler{c: c}
}

// List returns registered node summaries
// GET /api/v1/nodes?filter=<substring>
func (h *NodeHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"nodes": h.c.Registry.List(c.QueryParam("filter")),
	})
}

// Get returns one node's complete interface
// GET /api/v1/nodes/:name
func (h *NodeHandler) Get(c echo.Context) error {
	name := c.Param("name")
	entry, err := h.c.Registry.Lookup(name)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"name":      entry.Name,
		"interface": entry.Iface,
		"version":   entry.Version,
		"synthetic": entry.Synthetic,
	})
}

// Discover ranks nodes and workflows against a free-form intent
// GET /api/v1/discovery?q=<intent>&k=<top-k>
func (h *NodeHandler) Discover(c echo.Context) error {
	intent := c.QueryParam("q")
	if intent == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q query param is required")
	}
	topK, _ := strconv.Atoi(c.QueryParam("k"))
	return c.JSON(http.StatusOK, map[string]any{
		"candidates": h.c.Index.Query(c.Request().Context(), intent, topK),
	})
}
