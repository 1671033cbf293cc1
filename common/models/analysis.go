package models

import (
	"encoding/json"
	"time"
)

// AnalysisStatus is the state of one (object, plugin) pair
type AnalysisStatus string

const (
	StatusCompleted AnalysisStatus = "completed"
	StatusFailed    AnalysisStatus = "failed"
	StatusTimedOut  AnalysisStatus = "timed-out"
)

// IsTerminal reports whether the status is persisted as a final result
func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// AnalysisResult is the outcome of one plugin on one object.
// Stored as JSONB inside file_object.processed_analysis.
type AnalysisResult struct {
	PluginVersion string         `json:"plugin_version"`
	AnalysisDate  time.Time      `json:"analysis_date"`
	Status        AnalysisStatus `json:"status"`

	// Short tags shown in listings (e.g. the MIME type)
	Summary []string `json:"summary,omitempty"`

	// Plugin specific payload
	Result json.RawMessage `json:"result,omitempty"`

	// Set for failed and timed-out results
	Error string `json:"failed,omitempty"`
}

// IsFailed reports whether the plugin did not complete
func (r *AnalysisResult) IsFailed() bool {
	return r.Status == StatusFailed || r.Status == StatusTimedOut
}

// IsCurrent reports whether the result can be reused for a plugin at version
func (r *AnalysisResult) IsCurrent(version string) bool {
	return r != nil && r.Status == StatusCompleted && r.PluginVersion == version
}

// PluginInfo describes a registered analysis plugin
type PluginInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Dependencies []string `json:"dependencies,omitempty"`
	Mandatory    bool     `json:"mandatory"`
	Default      bool     `json:"default"`
}
