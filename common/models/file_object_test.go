package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUID_ContentAddressed(t *testing.T) {
	a := []byte("firmware image contents")
	b := []byte("firmware image contents")
	c := []byte("firmware image contentz")

	assert.Equal(t, CreateUID(a), CreateUID(b))
	assert.NotEqual(t, CreateUID(a), CreateUID(c))
	assert.True(t, strings.HasSuffix(CreateUID(a), "_23"))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855_0", CreateUID(nil))
}

func TestAddIncludedFile_BuildsVirtualPaths(t *testing.T) {
	root := NewFileObject("fw.zip", []byte("root"))
	container := NewFileObject("inner.tar", []byte("container"))
	leaf := NewFileObject("passwd", []byte("leaf"))

	root.AddIncludedFile(container, "/inner.tar")
	container.AddIncludedFile(leaf, "/etc/passwd")

	assert.Equal(t, []string{container.UID}, root.FilesIncluded)
	assert.Equal(t, []string{root.UID}, container.ParentUIDs)
	assert.Equal(t, []string{root.UID}, container.ParentFirmwareUIDs)
	assert.Equal(t, 1, container.Depth)
	assert.Equal(t, []string{root.UID + "|/inner.tar"}, container.VirtualFilePath[root.UID])

	assert.Equal(t, 2, leaf.Depth)
	assert.Equal(t, []string{root.UID}, leaf.ParentFirmwareUIDs)
	assert.Equal(t, []string{root.UID + "|/inner.tar|/etc/passwd"}, leaf.VirtualFilePath[root.UID])
	assert.True(t, root.IsRoot())
	assert.False(t, leaf.IsRoot())
}

func TestAddIncludedFile_Idempotent(t *testing.T) {
	root := NewFileObject("fw", []byte("root"))
	child := NewFileObject("a", []byte("a"))

	root.AddIncludedFile(child, "/a")
	root.AddIncludedFile(child, "/a")

	assert.Len(t, root.FilesIncluded, 1)
	assert.Len(t, child.VirtualFilePath[root.UID], 1)
}

func TestMerge(t *testing.T) {
	fw1 := NewFileObject("fw1", []byte("one"))
	fw2 := NewFileObject("fw2", []byte("two"))
	a := NewFileObject("busybox", []byte("same content"))
	b := NewFileObject("busybox", []byte("same content"))

	fw1.AddIncludedFile(a, "/bin/busybox")
	fw2.AddIncludedFile(b, "/usr/bin/busybox")
	b.ProcessedAnalysis["file_type"] = &AnalysisResult{Status: StatusCompleted}

	a.Merge(b)

	assert.ElementsMatch(t, []string{fw1.UID, fw2.UID}, a.ParentFirmwareUIDs)
	assert.Len(t, a.VirtualFilePath, 2)
	require.Contains(t, a.ProcessedAnalysis, "file_type")
}

func TestClone_IsIndependent(t *testing.T) {
	fo := NewFileObject("x", []byte("x"))
	fo.ScheduledAnalysis = []string{"file_hashes"}

	c := fo.Clone()
	c.ScheduledAnalysis[0] = "changed"
	c.ProcessedAnalysis["p"] = &AnalysisResult{}

	assert.Equal(t, "file_hashes", fo.ScheduledAnalysis[0])
	assert.NotContains(t, fo.ProcessedAnalysis, "p")
	assert.Nil(t, c.Binary)
}

func TestAnalysisResult_IsCurrent(t *testing.T) {
	r := &AnalysisResult{PluginVersion: "1.0", Status: StatusCompleted}
	assert.True(t, r.IsCurrent("1.0"))
	assert.False(t, r.IsCurrent("1.1"))

	r.Status = StatusTimedOut
	assert.False(t, r.IsCurrent("1.0"))
	assert.True(t, r.IsFailed())

	var missing *AnalysisResult
	assert.False(t, missing.IsCurrent("1.0"))
}

func TestFirmwareHID(t *testing.T) {
	fw := NewFirmware("fw.bin", []byte("x"))
	fw.Vendor = "ACME"
	fw.DeviceName = "Router"
	fw.Version = "1.2"
	assert.Equal(t, "ACME Router v. 1.2", fw.HID())
}
