package analysis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fwlab/fact/cmd/backend/plugins"
	"github.com/fwlab/fact/common/models"
)

// outcome is what a worker reports for one plugin run
type outcome struct {
	Plugin  string
	Version string
	Status  models.AnalysisStatus
	Output  *plugins.Output
	Err     error
}

// Validate checks if all required fields are present
func (o *outcome) Validate() error {
	if o.Plugin == "" {
		return fmt.Errorf("plugin is required")
	}
	if o.Version == "" {
		return fmt.Errorf("plugin version is required")
	}
	if !o.Status.IsTerminal() {
		return fmt.Errorf("status must be terminal, got: %s", o.Status)
	}
	if o.Status == models.StatusCompleted && o.Output == nil {
		return fmt.Errorf("output is required for completed status")
	}
	if o.Status != models.StatusCompleted && o.Err == nil {
		return fmt.Errorf("error is required for %s status", o.Status)
	}
	return nil
}

// Result converts the outcome into the stored result. An invalid outcome
// becomes a failed result so the slot is never left empty.
func (o *outcome) Result() *models.AnalysisResult {
	result := &models.AnalysisResult{
		PluginVersion: o.Version,
		AnalysisDate:  time.Now().UTC(),
		Status:        o.Status,
	}

	if err := o.Validate(); err != nil {
		result.Status = models.StatusFailed
		result.Error = fmt.Sprintf("invalid plugin outcome: %v", err)
		return result
	}

	switch o.Status {
	case models.StatusCompleted:
		result.Result = o.Output.Result
		result.Summary = o.Output.Summary
		if len(result.Result) == 0 {
			result.Result = json.RawMessage(`{}`)
		}
	default:
		result.Error = o.Err.Error()
	}
	return result
}
