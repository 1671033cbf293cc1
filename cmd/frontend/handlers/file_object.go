package handlers

import (
	"errors"
	"net/http"

	"github.com/fwlab/fact/cmd/frontend/container"
	"github.com/fwlab/fact/common/repository"
	"github.com/labstack/echo/v4"
)

const fileObjectResource = "file_object"

// FileObjectHandler reads and deletes stored objects
type FileObjectHandler struct {
	c *container.Container
}

// NewFileObjectHandler creates a new file object handler
func NewFileObjectHandler(c *container.Container) *FileObjectHandler {
	return &FileObjectHandler{c: c}
}

// Get returns one object with its analysis results
// GET /rest/file_object/:uid
func (h *FileObjectHandler) Get(c echo.Context) error {
	uid := c.Param("uid")
	request := requestInfo(c)

	obj, err := h.c.Store.GetObject(c.Request().Context(), uid)
	if errors.Is(err, repository.ErrNotFound) {
		return failure(c, http.StatusNotFound, fileObjectResource, request, "No file object with UID "+uid+" found")
	}
	if err != nil {
		return failure(c, http.StatusInternalServerError, fileObjectResource, request, "Could not load file object")
	}
	return success(c, fileObjectResource, request, map[string]interface{}{"file_object": obj})
}

// Delete removes a firmware and the files no other firmware contains, then
// asks the backend to drop their content
// DELETE /rest/file_object/:uid
func (h *FileObjectHandler) Delete(c echo.Context) error {
	uid := c.Param("uid")
	request := requestInfo(c)
	ctx := c.Request().Context()

	exists, err := h.c.Store.Exists(ctx, uid)
	if err != nil {
		return failure(c, http.StatusInternalServerError, fileObjectResource, request, "Could not load file object")
	}
	if !exists {
		return failure(c, http.StatusNotFound, fileObjectResource, request, "No file object with UID "+uid+" found")
	}
	isFirmware, err := h.c.Store.IsFirmware(ctx, uid)
	if err != nil {
		return failure(c, http.StatusInternalServerError, fileObjectResource, request, "Could not load file object")
	}
	if !isFirmware {
		return failure(c, http.StatusBadRequest, fileObjectResource, request, "Only firmware can be deleted, "+uid+" is an included file")
	}

	included, err := h.c.Store.IncludedUIDs(ctx, uid)
	if err != nil {
		return failure(c, http.StatusInternalServerError, fileObjectResource, request, "Could not list included files")
	}

	removed := make([]string, 0, len(included)+1)
	kept := 0
	for _, child := range included {
		obj, err := h.c.Store.GetObject(ctx, child)
		if err != nil {
			continue
		}
		if sharedWithOtherFirmware(obj.ParentFirmwareUIDs, uid) {
			kept++
			continue
		}
		if err := h.c.Store.DeleteObject(ctx, child); err != nil {
			h.c.Logger.Error("failed to delete object", "uid", child, "error", err)
			continue
		}
		removed = append(removed, child)
	}
	if err := h.c.Store.DeleteObject(ctx, uid); err != nil {
		h.c.Logger.Error("failed to delete firmware", "uid", uid, "error", err)
		return failure(c, http.StatusInternalServerError, fileObjectResource, request, "Could not delete firmware")
	}
	removed = append(removed, uid)

	if err := h.c.Backend.DeleteFile(ctx, removed); err != nil {
		h.c.Logger.Error("failed to request content deletion", "uid", uid, "error", err)
		return failure(c, http.StatusServiceUnavailable, fileObjectResource, request, "Could not reach the backend")
	}

	h.c.Logger.Info("firmware deleted", "uid", uid, "removed", len(removed), "kept", kept)
	return success(c, fileObjectResource, request, map[string]interface{}{
		"deleted": len(removed),
		"kept":    kept,
	})
}

func sharedWithOtherFirmware(roots []string, uid string) bool {
	for _, root := range roots {
		if root != uid {
			return true
		}
	}
	return false
}
