package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// VirtualPathSeparator joins the uids and container paths of a virtual file path
const VirtualPathSeparator = "|"

// CreateUID returns the content-derived identifier: hex sha256 + "_" + size
func CreateUID(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s_%d", hex.EncodeToString(sum[:]), len(data))
}

// FileObject is one file, either a submitted firmware image or a file
// extracted from a container.
// Maps to: file_object table
type FileObject struct {
	UID      string `db:"uid" json:"uid"`
	FileName string `db:"file_name" json:"file_name"`
	Size     int64  `db:"size" json:"size"`

	// Raw content. Kept in the blob store, never in the object store.
	Binary []byte `db:"-" json:"-"`

	// Distance from the root firmware; the root has depth 0
	Depth int `db:"depth" json:"depth"`

	// Direct parents (containers this file was extracted from)
	ParentUIDs []string `db:"parents" json:"parents,omitempty"`

	// Root firmware uids this file belongs to
	ParentFirmwareUIDs []string `db:"parent_firmware_uids" json:"parent_firmware_uids,omitempty"`

	// Root firmware uid -> paths of this file inside that firmware, e.g.
	// "<root uid>|/rootfs.tar|/etc/passwd"
	VirtualFilePath map[string][]string `db:"virtual_file_path" json:"virtual_file_path,omitempty"`

	// Uids of files extracted from this one
	FilesIncluded []string `db:"files_included" json:"files_included,omitempty"`

	// Plugin name -> result
	ProcessedAnalysis map[string]*AnalysisResult `db:"processed_analysis" json:"processed_analysis,omitempty"`

	// Plugins still to run for this object
	ScheduledAnalysis []string `db:"-" json:"scheduled_analysis,omitempty"`

	UnpackDepthExceeded bool   `db:"depth_exceeded" json:"unpack_depth_exceeded,omitempty"`
	UnpackError         string `db:"unpack_error" json:"unpack_error,omitempty"`

	// Ignore cached results and run every scheduled plugin again
	ForceReanalysis bool `db:"-" json:"force_reanalysis,omitempty"`
}

// NewFileObject creates a file object from raw content
func NewFileObject(fileName string, data []byte) *FileObject {
	return &FileObject{
		UID:               CreateUID(data),
		FileName:          fileName,
		Size:              int64(len(data)),
		Binary:            data,
		VirtualFilePath:   make(map[string][]string),
		ProcessedAnalysis: make(map[string]*AnalysisResult),
	}
}

// IsRoot reports whether this object was submitted directly
func (fo *FileObject) IsRoot() bool {
	return len(fo.ParentUIDs) == 0
}

// RootUIDs returns the uids of the firmware images containing this object.
// A root object is its own firmware.
func (fo *FileObject) RootUIDs() []string {
	if fo.IsRoot() {
		return []string{fo.UID}
	}
	return fo.ParentFirmwareUIDs
}

// VirtualPaths returns all virtual paths of this object within root.
// A root object's only path is its own uid.
func (fo *FileObject) VirtualPaths(root string) []string {
	if fo.IsRoot() && root == fo.UID {
		return []string{fo.UID}
	}
	return fo.VirtualFilePath[root]
}

// AddIncludedFile links child as extracted from fo at pathInContainer
func (fo *FileObject) AddIncludedFile(child *FileObject, pathInContainer string) {
	fo.FilesIncluded = appendUnique(fo.FilesIncluded, child.UID)
	child.ParentUIDs = appendUnique(child.ParentUIDs, fo.UID)
	child.Depth = fo.Depth + 1

	if child.VirtualFilePath == nil {
		child.VirtualFilePath = make(map[string][]string)
	}

	for _, root := range fo.RootUIDs() {
		child.ParentFirmwareUIDs = appendUnique(child.ParentFirmwareUIDs, root)
		for _, parentPath := range fo.VirtualPaths(root) {
			vpath := parentPath + VirtualPathSeparator + pathInContainer
			child.VirtualFilePath[root] = appendUnique(child.VirtualFilePath[root], vpath)
		}
	}
}

// ClearIncludedFiles drops derived child relationships before a fresh unpack
func (fo *FileObject) ClearIncludedFiles() {
	fo.FilesIncluded = nil
}

// Merge folds another record of the same uid into fo: parents, paths,
// included files and analysis results are united.
func (fo *FileObject) Merge(other *FileObject) {
	if other == nil || other.UID != fo.UID {
		return
	}
	for _, p := range other.ParentUIDs {
		fo.ParentUIDs = appendUnique(fo.ParentUIDs, p)
	}
	for _, p := range other.ParentFirmwareUIDs {
		fo.ParentFirmwareUIDs = appendUnique(fo.ParentFirmwareUIDs, p)
	}
	for _, c := range other.FilesIncluded {
		fo.FilesIncluded = appendUnique(fo.FilesIncluded, c)
	}
	if fo.VirtualFilePath == nil {
		fo.VirtualFilePath = make(map[string][]string)
	}
	for root, paths := range other.VirtualFilePath {
		for _, p := range paths {
			fo.VirtualFilePath[root] = appendUnique(fo.VirtualFilePath[root], p)
		}
	}
	if fo.ProcessedAnalysis == nil {
		fo.ProcessedAnalysis = make(map[string]*AnalysisResult)
	}
	for plugin, result := range other.ProcessedAnalysis {
		fo.ProcessedAnalysis[plugin] = result
	}
	if other.UnpackError != "" {
		fo.UnpackError = other.UnpackError
	}
	fo.UnpackDepthExceeded = fo.UnpackDepthExceeded || other.UnpackDepthExceeded
}

// Clone returns a copy without the binary
func (fo *FileObject) Clone() *FileObject {
	c := *fo
	c.Binary = nil
	c.ParentUIDs = append([]string(nil), fo.ParentUIDs...)
	c.ParentFirmwareUIDs = append([]string(nil), fo.ParentFirmwareUIDs...)
	c.FilesIncluded = append([]string(nil), fo.FilesIncluded...)
	c.ScheduledAnalysis = append([]string(nil), fo.ScheduledAnalysis...)
	c.VirtualFilePath = make(map[string][]string, len(fo.VirtualFilePath))
	for k, v := range fo.VirtualFilePath {
		c.VirtualFilePath[k] = append([]string(nil), v...)
	}
	c.ProcessedAnalysis = make(map[string]*AnalysisResult, len(fo.ProcessedAnalysis))
	for k, v := range fo.ProcessedAnalysis {
		c.ProcessedAnalysis[k] = v
	}
	return &c
}

// Firmware is a submitted firmware image with its descriptive metadata
type Firmware struct {
	FileObject

	DeviceName  string   `db:"device_name" json:"device_name"`
	DeviceClass string   `db:"device_class" json:"device_class"`
	DevicePart  string   `db:"device_part" json:"device_part"`
	Vendor      string   `db:"vendor" json:"vendor"`
	Version     string   `db:"version" json:"version"`
	ReleaseDate string   `db:"release_date" json:"release_date"`
	Tags        []string `db:"tags" json:"tags,omitempty"`

	// Analysis systems requested at submission
	RequestedAnalysis []string `db:"requested_analysis" json:"requested_analysis_systems"`
}

// NewFirmware creates a firmware object from raw content
func NewFirmware(fileName string, data []byte) *Firmware {
	return &Firmware{FileObject: *NewFileObject(fileName, data)}
}

// HID is the human readable identifier used in logs and listings
func (fw *Firmware) HID() string {
	parts := []string{fw.Vendor, fw.DeviceName}
	if fw.DevicePart != "" {
		parts = append(parts, "-", fw.DevicePart)
	}
	parts = append(parts, "v.", fw.Version)
	return strings.Join(parts, " ")
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// SortedUnique returns the distinct values of list in ascending order
func SortedUnique(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
