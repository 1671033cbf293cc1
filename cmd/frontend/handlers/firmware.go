package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/fwlab/fact/cmd/frontend/container"
	"github.com/fwlab/fact/common/models"
	"github.com/fwlab/fact/common/repository"
	"github.com/fwlab/fact/common/validation"
	"github.com/labstack/echo/v4"
)

const firmwareResource = "firmware"

// unpackerEntry in an update list asks for a fresh unpack
const unpackerEntry = "unpacker"

// FirmwareHandler handles firmware upload, retrieval and re-analysis
type FirmwareHandler struct {
	c *container.Container
}

// NewFirmwareHandler creates a new firmware handler
func NewFirmwareHandler(c *container.Container) *FirmwareHandler {
	return &FirmwareHandler{c: c}
}

// firmwareUpload is the body of PUT /rest/firmware
type firmwareUpload struct {
	DeviceName        *string  `json:"device_name"`
	DeviceClass       *string  `json:"device_class"`
	DevicePart        *string  `json:"device_part"`
	FileName          *string  `json:"file_name"`
	Version           *string  `json:"version"`
	Vendor            *string  `json:"vendor"`
	ReleaseDate       *string  `json:"release_date"`
	RequestedAnalysis []string `json:"requested_analysis_systems"`
	Binary            *string  `json:"binary"`
	Tags              string   `json:"tags"`
}

func (u *firmwareUpload) missing() []string {
	var out []string
	required := []struct {
		name  string
		value *string
	}{
		{"device_name", u.DeviceName},
		{"device_class", u.DeviceClass},
		{"device_part", u.DevicePart},
		{"file_name", u.FileName},
		{"version", u.Version},
		{"vendor", u.Vendor},
		{"release_date", u.ReleaseDate},
		{"binary", u.Binary},
	}
	for _, r := range required {
		if r.value == nil {
			out = append(out, r.name)
		}
	}
	if u.RequestedAnalysis == nil {
		out = append(out, "requested_analysis_systems")
	}
	return out
}

// firmwareMetadata is the part of a firmware PATCH may change
type firmwareMetadata struct {
	DeviceName  string   `json:"device_name"`
	DeviceClass string   `json:"device_class"`
	DevicePart  string   `json:"device_part"`
	Vendor      string   `json:"vendor"`
	Version     string   `json:"version"`
	ReleaseDate string   `json:"release_date"`
	Tags        []string `json:"tags"`
}

func metadataOf(fw *models.Firmware) firmwareMetadata {
	return firmwareMetadata{
		DeviceName:  fw.DeviceName,
		DeviceClass: fw.DeviceClass,
		DevicePart:  fw.DevicePart,
		Vendor:      fw.Vendor,
		Version:     fw.Version,
		ReleaseDate: fw.ReleaseDate,
		Tags:        fw.Tags,
	}
}

func (m firmwareMetadata) applyTo(fw *models.Firmware) {
	fw.DeviceName = m.DeviceName
	fw.DeviceClass = m.DeviceClass
	fw.DevicePart = m.DevicePart
	fw.Vendor = m.Vendor
	fw.Version = m.Version
	fw.ReleaseDate = m.ReleaseDate
	fw.Tags = m.Tags
}

// Upload submits a new firmware for analysis
// PUT /rest/firmware
func (h *FirmwareHandler) Upload(c echo.Context) error {
	var upload firmwareUpload
	if err := json.NewDecoder(c.Request().Body).Decode(&upload); err != nil {
		return failure(c, http.StatusBadRequest, firmwareResource, nil, "Request body is not valid JSON")
	}

	// the binary is not echoed back
	request := map[string]interface{}{"file_name": upload.FileName, "requested_analysis_systems": upload.RequestedAnalysis}

	if missing := upload.missing(); len(missing) > 0 {
		return failure(c, http.StatusBadRequest, firmwareResource, request,
			"Input payload validation failed: missing "+strings.Join(missing, ", "))
	}

	data, err := base64.StdEncoding.DecodeString(*upload.Binary)
	if err != nil {
		return failure(c, http.StatusBadRequest, firmwareResource, request, "Could not parse binary (must be valid base64!)")
	}
	if len(data) == 0 {
		return failure(c, http.StatusBadRequest, firmwareResource, request, "Binary must not be empty")
	}

	if msg, code := h.checkPlugins(c, upload.RequestedAnalysis); msg != "" {
		return failure(c, code, firmwareResource, request, msg)
	}

	fw := models.NewFirmware(*upload.FileName, data)
	fw.DeviceName = *upload.DeviceName
	fw.DeviceClass = *upload.DeviceClass
	fw.DevicePart = *upload.DevicePart
	fw.Vendor = *upload.Vendor
	fw.Version = *upload.Version
	fw.ReleaseDate = *upload.ReleaseDate
	fw.RequestedAnalysis = models.SortedUnique(upload.RequestedAnalysis)
	for _, tag := range strings.Split(upload.Tags, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			fw.Tags = append(fw.Tags, tag)
		}
	}

	if err := h.c.Backend.AddAnalysisTask(c.Request().Context(), fw); err != nil {
		h.c.Logger.Error("failed to submit firmware", "uid", fw.UID, "error", err)
		return failure(c, http.StatusServiceUnavailable, firmwareResource, request, "Could not submit firmware to the backend")
	}

	h.c.Logger.Info("firmware submitted", "uid", fw.UID, "hid", fw.HID())
	return success(c, firmwareResource, request, map[string]interface{}{"uid": fw.UID})
}

// checkPlugins returns an error message and code when requested names an
// unknown analysis system
func (h *FirmwareHandler) checkPlugins(c echo.Context, requested []string) (string, int) {
	if len(requested) == 0 {
		return "", 0
	}
	available, err := h.c.Backend.GetAvailableAnalysisPlugins(c.Request().Context())
	if err != nil {
		h.c.Logger.Error("failed to query plugins", "error", err)
		return "Could not reach the backend", http.StatusServiceUnavailable
	}
	for _, name := range requested {
		if _, ok := available[name]; !ok {
			return fmt.Sprintf("Unknown analysis system '%s'", name), http.StatusBadRequest
		}
	}
	return "", 0
}

// Get returns a firmware with its analysis results
// GET /rest/firmware/:uid
func (h *FirmwareHandler) Get(c echo.Context) error {
	uid := c.Param("uid")
	request := requestInfo(c)

	fw, err := h.c.Store.GetFirmware(c.Request().Context(), uid)
	if errors.Is(err, repository.ErrNotFound) {
		return failure(c, http.StatusNotFound, firmwareResource, request, "No firmware with UID "+uid+" found")
	}
	if err != nil {
		h.c.Logger.Error("failed to load firmware", "uid", uid, "error", err)
		return failure(c, http.StatusInternalServerError, firmwareResource, request, "Could not load firmware")
	}

	return success(c, firmwareResource, request, map[string]interface{}{"firmware": fw})
}

// Update schedules a re-analysis; "unpacker" in the list unpacks again
// PUT /rest/firmware/:uid?update=["plugin", ...]
func (h *FirmwareHandler) Update(c echo.Context) error {
	uid := c.Param("uid")
	request := requestInfo(c)

	var update []string
	if err := json.Unmarshal([]byte(c.QueryParam("update")), &update); err != nil || len(update) == 0 {
		return failure(c, http.StatusBadRequest, firmwareResource, request, "Update parameter has to be a non-empty list")
	}

	isFirmware, err := h.c.Store.IsFirmware(c.Request().Context(), uid)
	if err != nil {
		return failure(c, http.StatusInternalServerError, firmwareResource, request, "Could not load firmware")
	}
	if !isFirmware {
		return failure(c, http.StatusNotFound, firmwareResource, request, "No firmware with UID "+uid+" found")
	}

	unpack := false
	plugins := make([]string, 0, len(update))
	for _, name := range update {
		if name == unpackerEntry {
			unpack = true
			continue
		}
		plugins = append(plugins, name)
	}
	plugins = models.SortedUnique(plugins)
	if msg, code := h.checkPlugins(c, plugins); msg != "" {
		return failure(c, code, firmwareResource, request, msg)
	}

	if err := h.c.Backend.AddReAnalyzeTask(c.Request().Context(), uid, plugins, unpack); err != nil {
		h.c.Logger.Error("failed to submit re-analysis", "uid", uid, "error", err)
		return failure(c, http.StatusServiceUnavailable, firmwareResource, request, "Could not submit re-analysis to the backend")
	}
	return success(c, firmwareResource, request, map[string]interface{}{"uid": uid})
}

// Patch changes descriptive metadata. The body is a JSON merge patch, or a
// JSON patch when sent as application/json-patch+json.
// PATCH /rest/firmware/:uid
func (h *FirmwareHandler) Patch(c echo.Context) error {
	uid := c.Param("uid")
	request := requestInfo(c)
	ctx := c.Request().Context()

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return failure(c, http.StatusBadRequest, firmwareResource, request, "Could not read request body")
	}

	fw, err := h.c.Store.GetFirmware(ctx, uid)
	if errors.Is(err, repository.ErrNotFound) {
		return failure(c, http.StatusNotFound, firmwareResource, request, "No firmware with UID "+uid+" found")
	}
	if err != nil {
		return failure(c, http.StatusInternalServerError, firmwareResource, request, "Could not load firmware")
	}

	original, err := json.Marshal(metadataOf(fw))
	if err != nil {
		return failure(c, http.StatusInternalServerError, firmwareResource, request, "Could not encode firmware")
	}

	patched, err := applyPatch(c.Request().Header.Get(echo.HeaderContentType), original, body)
	if err != nil {
		return failure(c, http.StatusBadRequest, firmwareResource, request, err.Error())
	}

	var meta firmwareMetadata
	if err := json.Unmarshal(patched, &meta); err != nil {
		return failure(c, http.StatusBadRequest, firmwareResource, request, "Patched firmware is invalid: "+err.Error())
	}
	meta.applyTo(fw)

	if err := h.c.Store.AddFirmware(ctx, fw); err != nil {
		h.c.Logger.Error("failed to update firmware", "uid", uid, "error", err)
		return failure(c, http.StatusInternalServerError, firmwareResource, request, "Could not update firmware")
	}
	return success(c, firmwareResource, request, map[string]interface{}{"firmware": metadataOf(fw)})
}

// metadataPatches accepts patches of the descriptive metadata only
var metadataPatches = validation.NewPatchValidator(
	"device_name", "device_class", "device_part", "vendor", "version", "release_date", "tags",
)

// applyPatch applies body to the metadata document
func applyPatch(contentType string, original, body []byte) ([]byte, error) {
	if strings.HasPrefix(contentType, "application/json-patch+json") {
		patch, err := jsonpatch.DecodePatch(body)
		if err != nil {
			return nil, fmt.Errorf("Invalid JSON patch: %v", err)
		}
		if err := metadataPatches.ValidateOperations(patch); err != nil {
			return nil, err
		}
		patched, err := patch.Apply(original)
		if err != nil {
			return nil, fmt.Errorf("Could not apply patch: %v", err)
		}
		return patched, nil
	}

	if err := metadataPatches.ValidateMergePatch(body); err != nil {
		return nil, err
	}
	patched, err := jsonpatch.MergePatch(original, body)
	if err != nil {
		return nil, fmt.Errorf("Could not apply patch: %v", err)
	}
	return patched, nil
}
