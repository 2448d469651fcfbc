package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowrunner/cmd/flowd/container"
	"github.com/lyzr/flowrunner/common/flowerr"
	"github.com/lyzr/flowrunner/common/ir"
	"github.com/lyzr/flowrunner/common/registry"
)

// WorkflowHandler handles validation requests
type WorkflowHandler struct {
	c *container.Container
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

type validationIssue struct {
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	NodeID     string   `json:"node_id,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
	Fields     []string `json:"available_fields,omitempty"`
}

// Validate checks a workflow document and reports every issue at once
// POST /api/v1/workflows/validate
func (h *WorkflowHandler) Validate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read request body")
	}

	wf, errs := ir.ValidateDocument(body)
	if errs == nil || errs.Empty() {
		if wf.Name != "" && registry.IsReserved(wf.Name) {
			errs = &flowerr.List{}
			errs.Append(flowerr.New(flowerr.CategoryValidation,
				"workflow name %q is reserved", wf.Name).
				WithSuggestion("rename the workflow; reserved names: %v", registry.ReservedNames()))
		} else {
			errs = ir.Validate(wf, h.c.Registry)
		}
	}

	if errs.Empty() {
		return c.JSON(http.StatusOK, map[string]any{"valid": true, "name": wf.Name})
	}

	issues := make([]validationIssue, 0)
	for _, e := range errs.All() {
		issues = append(issues, validationIssue{
			Category:   string(e.Category),
			Message:    e.Message,
			NodeID:     e.NodeID,
			Suggestion: e.Suggestion,
			Fields:     e.AvailableFields,
		})
	}
	return c.JSON(http.StatusUnprocessableEntity, map[string]any{
		"valid":  false,
		"issues": issues,
	})
}
