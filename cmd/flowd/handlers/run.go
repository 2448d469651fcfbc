package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowrunner/cmd/flowd/container"
	"github.com/lyzr/flowrunner/common/executor"
	"github.com/lyzr/flowrunner/common/ir"
)

// RunHandler executes workflows and serves execution history
type RunHandler struct {
	c *container.Container
}

// NewRunHandler creates a new run handler
func NewRunHandler(c *container.Container) *RunHandler {
	return &RunHandler{c: c}
}

type runRequest struct {
	Workflow *ir.Workflow   `json:"workflow"`
	Inputs   map[string]any `json:"inputs,omitempty"`
	Cache    bool           `json:"cache,omitempty"`
}

type runResponse struct {
	ExecutionID string         `json:"execution_id"`
	Status      string         `json:"status"`
	Outputs     map[string]any `json:"outputs,omitempty"`
	TracePath   string         `json:"trace_path,omitempty"`
	Error       *errorBody     `json:"error,omitempty"`
}

type errorBody struct {
	Category   string `json:"category"`
	Message    string `json:"message"`
	NodeID     string `json:"node_id,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Create runs a workflow synchronously
// POST /api/v1/runs
func (h *RunHandler) Create(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "parse run request")
	}
	if req.Workflow == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "run request requires a workflow document")
	}

	res := h.c.Executor.Execute(c.Request().Context(), req.Workflow, executor.Options{
		Inputs:       req.Inputs,
		CacheEnabled: req.Cache,
	})

	resp := runResponse{
		ExecutionID: res.ExecutionID,
		Status:      string(res.Status),
		Outputs:     res.Outputs,
		TracePath:   res.TracePath,
	}
	if res.Err != nil {
		resp.Error = &errorBody{
			Category:   string(res.Err.Category),
			Message:    res.Err.Message,
			NodeID:     res.Err.NodeID,
			Suggestion: res.Err.Suggestion,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// Get retrieves one execution record from history
// GET /api/v1/runs/:id
func (h *RunHandler) Get(c echo.Context) error {
	if h.c.History == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "execution history requires a database")
	}
	rec, err := h.c.History.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "execution not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// List retrieves recent executions of a workflow
// GET /api/v1/runs?workflow=<name>
func (h *RunHandler) List(c echo.Context) error {
	if h.c.History == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "execution history requires a database")
	}
	workflow := c.QueryParam("workflow")
	if workflow == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow query param is required")
	}
	records, err := h.c.History.ListByWorkflow(c.Request().Context(), workflow, 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list executions")
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": records})
}
