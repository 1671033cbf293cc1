package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/fwlab/fact/common/models"
	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when no object exists for a uid
var ErrNotFound = errors.New("object not found")

// Store is the object store consulted by the schedulers and the REST layer
type Store interface {
	// GetAnalysis returns nil when uid has no result for plugin
	GetAnalysis(ctx context.Context, uid, plugin string) (*models.AnalysisResult, error)
	// AddObject inserts fo or merges it into the stored record of the same uid
	AddObject(ctx context.Context, fo *models.FileObject) error
	// AddFirmware stores fw and replaces its descriptive metadata
	AddFirmware(ctx context.Context, fw *models.Firmware) error
	UpdateAnalysis(ctx context.Context, uid, plugin string, result *models.AnalysisResult) error
	GetObject(ctx context.Context, uid string) (*models.FileObject, error)
	GetFirmware(ctx context.Context, uid string) (*models.Firmware, error)
	IsFirmware(ctx context.Context, uid string) (bool, error)
	Exists(ctx context.Context, uid string) (bool, error)
	DeleteObject(ctx context.Context, uid string) error
	// IncludedUIDs returns every file inside firmware uid, at any depth
	IncludedUIDs(ctx context.Context, uid string) ([]string, error)
	// MissingAnalyses maps firmware uid -> included files lacking a plugin
	// result the firmware itself has
	MissingAnalyses(ctx context.Context) (map[string][]string, error)
	// FailedAnalyses maps plugin -> uids whose result is failed or timed out
	FailedAnalyses(ctx context.Context) (map[string][]string, error)
}

// isFailedResult reports whether a stored result marks a failure, either
// through its status or a "failed" key written by the plugin itself
func isFailedResult(raw []byte) bool {
	status := gjson.GetBytes(raw, "status").String()
	if status == string(models.StatusFailed) || status == string(models.StatusTimedOut) {
		return true
	}
	return gjson.GetBytes(raw, "failed").Exists() || gjson.GetBytes(raw, "result.failed").Exists()
}

func marshalResult(result *models.AnalysisResult) ([]byte, error) {
	return json.Marshal(result)
}
