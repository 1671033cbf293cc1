// Package intercom defines the messages exchanged between the frontend and
// the backend and the frontend side of the exchange.
package intercom

import (
	"errors"

	"github.com/fwlab/fact/common/models"
)

// Topics consumed by the backend
const (
	TopicAnalysisTask     = "analysis_task"
	TopicReAnalyzeTask    = "re_analyze_task"
	TopicBinarySearchTask = "binary_search_task"
	TopicFileDeleteTask   = "file_delete_task"
	TopicPluginQueryTask  = "plugin_query_task"
)

// Topics lists every backend topic
var Topics = []string{
	TopicAnalysisTask,
	TopicReAnalyzeTask,
	TopicBinarySearchTask,
	TopicFileDeleteTask,
	TopicPluginQueryTask,
}

// ErrTimeout is returned when the backend does not answer in time
var ErrTimeout = errors.New("no response from backend")

// AnalysisTask submits a new firmware with its content
type AnalysisTask struct {
	Firmware *models.Firmware `json:"firmware"`
	Binary   []byte           `json:"binary"`
}

// ReAnalyzeTask re-runs plugins on a stored firmware. With Unpack set the
// firmware is extracted again and every plugin is forced.
type ReAnalyzeTask struct {
	UID               string   `json:"uid"`
	RequestedAnalysis []string `json:"requested_analysis_systems"`
	Unpack            bool     `json:"unpack"`
}

// BinarySearchRequest searches all files, or the files of one firmware
type BinarySearchRequest struct {
	ID    string `json:"id"`
	Rules string `json:"rules"`
	UID   string `json:"uid,omitempty"`
}

// SearchResult maps rule names to matching file uids
type SearchResult struct {
	Matches map[string][]string `json:"matches"`
	// Files that could not be read
	Skipped int    `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DeleteRequest asks the backend to remove stored file content
type DeleteRequest struct {
	UIDs []string `json:"uids"`
}

// PluginQuery asks for the registered plugins; the answer is stored under
// PluginResponseKey(ID)
type PluginQuery struct {
	ID string `json:"id"`
}

// SearchResponseKey is the response key of a binary search
func SearchResponseKey(id string) string {
	return "binary_search:" + id
}

// PluginResponseKey is the response key of a plugin query
func PluginResponseKey(id string) string {
	return "plugins:" + id
}
