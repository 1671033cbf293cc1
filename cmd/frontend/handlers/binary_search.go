package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/fwlab/fact/cmd/frontend/container"
	"github.com/fwlab/fact/common/binsearch"
	"github.com/labstack/echo/v4"
)

const binarySearchResource = "binary_search"

// BinarySearchHandler submits rule searches and hands out their results
type BinarySearchHandler struct {
	c *container.Container
}

// NewBinarySearchHandler creates a new binary search handler
func NewBinarySearchHandler(c *container.Container) *BinarySearchHandler {
	return &BinarySearchHandler{c: c}
}

type searchRequest struct {
	RuleFile string `json:"rule_file"`
	UID      string `json:"uid,omitempty"`
}

// Start validates the rules and queues the search
// POST /rest/binary_search
func (h *BinarySearchHandler) Start(c echo.Context) error {
	var req searchRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return failure(c, http.StatusBadRequest, binarySearchResource, nil, "Request body is not valid JSON")
	}
	if req.RuleFile == "" {
		return failure(c, http.StatusBadRequest, binarySearchResource, req, "Input payload validation failed: rule_file is required")
	}
	if err := binsearch.Validate(req.RuleFile); err != nil {
		return failure(c, http.StatusBadRequest, binarySearchResource, req, "Error in rules: "+err.Error())
	}

	ctx := c.Request().Context()
	if req.UID != "" {
		isFirmware, err := h.c.Store.IsFirmware(ctx, req.UID)
		if err != nil {
			return failure(c, http.StatusInternalServerError, binarySearchResource, req, "Could not load firmware")
		}
		if !isFirmware {
			return failure(c, http.StatusBadRequest, binarySearchResource, req, "Firmware with UID "+req.UID+" not found in database")
		}
	}

	id, err := h.c.Backend.AddBinarySearchRequest(ctx, req.RuleFile, req.UID)
	if err != nil {
		h.c.Logger.Error("failed to submit binary search", "error", err)
		return failure(c, http.StatusServiceUnavailable, binarySearchResource, req, "Could not submit search to the backend")
	}
	return success(c, binarySearchResource, req, map[string]interface{}{
		"search_id": id,
		"message":   "Started binary search. Please use GET and the search_id to get the results",
	})
}

// Result returns a finished search once
// GET /rest/binary_search/:id
func (h *BinarySearchHandler) Result(c echo.Context) error {
	request := requestInfo(c)

	result, found, err := h.c.Backend.GetBinarySearchResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		h.c.Logger.Error("failed to fetch binary search result", "error", err)
		return failure(c, http.StatusServiceUnavailable, binarySearchResource, request, "Could not reach the backend")
	}
	if !found {
		return failure(c, http.StatusBadRequest, binarySearchResource, request,
			"The result is not ready yet or it has already been fetched")
	}
	if result.Error != "" {
		return failure(c, http.StatusBadRequest, binarySearchResource, request, result.Error)
	}

	matches := result.Matches
	if matches == nil {
		matches = map[string][]string{}
	}
	return success(c, binarySearchResource, request, map[string]interface{}{
		"binary_search_results": matches,
		"skipped":               result.Skipped,
	})
}
