package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/fwlab/fact/common/models"
	"github.com/gabriel-vasile/mimetype"
)

// firmwareFormat is a container or image format mimetype does not know
type firmwareFormat struct {
	offset int
	magic  []byte
	mime   string
	ext    string
}

var firmwareFormats = []firmwareFormat{
	{0, []byte("hsqs"), "filesystem/squashfs", ".squashfs"},
	{0, []byte("sqsh"), "filesystem/squashfs-be", ".squashfs"},
	{0, []byte{0x27, 0x05, 0x19, 0x56}, "firmware/uboot", ".uimage"},
	{0, []byte{0xd0, 0x0d, 0xfe, 0xed}, "firmware/device-tree", ".dtb"},
	{40, []byte("_FVH"), "firmware/uefi", ".fv"},
}

// human readable names shown next to the MIME type
var descriptions = map[string]string{
	"application/x-elf":                             "ELF",
	"application/x-executable":                      "ELF executable",
	"application/x-sharedlib":                       "ELF shared object",
	"application/x-object":                          "ELF relocatable",
	"application/zip":                               "Zip archive data",
	"application/gzip":                              "gzip compressed data",
	"application/x-xz":                              "XZ compressed data",
	"application/x-tar":                             "POSIX tar archive",
	"application/vnd.microsoft.portable-executable": "PE32 executable",
	"filesystem/squashfs":                           "Squashfs filesystem, little endian",
	"filesystem/squashfs-be":                        "Squashfs filesystem, big endian",
	"firmware/uboot":                                "u-boot legacy uImage",
	"firmware/device-tree":                          "Device Tree Blob",
	"firmware/uefi":                                 "UEFI firmware volume",
	"application/octet-stream":                      "data",
}

func init() {
	root := mimetype.Lookup("application/octet-stream")
	for _, f := range firmwareFormats {
		f := f
		root.Extend(func(raw []byte, limit uint32) bool {
			end := f.offset + len(f.magic)
			return len(raw) >= end && bytes.Equal(raw[f.offset:end], f.magic)
		}, f.mime, f.ext)
	}
}

// FileType identifies the MIME type of an object
type FileType struct{}

// NewFileType creates the file_type plugin
func NewFileType() *FileType { return &FileType{} }

func (p *FileType) Name() string           { return "file_type" }
func (p *FileType) Version() string        { return "1.1" }
func (p *FileType) Dependencies() []string { return nil }
func (p *FileType) Description() string {
	return "identify the file type"
}

// DetectMIME returns the MIME type, without parameters, and a human
// readable description of data
func DetectMIME(data []byte) (string, string) {
	if len(data) == 0 {
		return "application/x-empty", "empty"
	}

	mime := mimetype.Detect(data).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if full, ok := descriptions[mime]; ok {
		return mime, full
	}
	return mime, mime
}

func (p *FileType) Process(ctx context.Context, obj *models.FileObject, _ map[string]*models.AnalysisResult) (*Output, error) {
	mime, full := DetectMIME(obj.Binary)

	raw, err := json.Marshal(map[string]string{
		"mime": mime,
		"full": full,
	})
	if err != nil {
		return nil, err
	}
	return &Output{Result: raw, Summary: []string{mime}}, nil
}
