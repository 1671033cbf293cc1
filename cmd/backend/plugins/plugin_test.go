package plugins

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/fwlab/fact/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type fakePlugin struct {
	name, version string
	deps          []string
}

func (p *fakePlugin) Name() string           { return p.name }
func (p *fakePlugin) Version() string        { return p.version }
func (p *fakePlugin) Description() string    { return "" }
func (p *fakePlugin) Dependencies() []string { return p.deps }
func (p *fakePlugin) Process(ctx context.Context, obj *models.FileObject, deps map[string]*models.AnalysisResult) (*Output, error) {
	return &Output{}, nil
}

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		plugin  *fakePlugin
		wantErr string
	}{
		{"valid", &fakePlugin{name: "b", version: "1", deps: []string{"a"}}, ""},
		{"missing name", &fakePlugin{version: "1"}, "name is required"},
		{"missing version", &fakePlugin{name: "c"}, "version is required"},
		{"duplicate", &fakePlugin{name: "a", version: "2"}, "already registered"},
		{"self dependency", &fakePlugin{name: "d", version: "1", deps: []string{"d"}}, "depends on itself"},
		{"unknown dependency", &fakePlugin{name: "e", version: "1", deps: []string{"zzz"}}, "unknown analysis plugin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry().MustRegister(&fakePlugin{name: "a", version: "1"})
			err := r.Register(tt.plugin)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := Builtin()
	assert.Equal(t, []string{"file_hashes", "file_type", "printable_strings"}, r.Names())

	_, err := r.Get("yara")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	assert.ErrorIs(t, r.SetMandatory("yara"), ErrUnknownPlugin)

	require.NoError(t, r.SetMandatory("file_type", "file_hashes"))
	assert.Equal(t, []string{"file_hashes", "file_type"}, r.Mandatory())

	info := r.Info()
	assert.True(t, info["file_type"].Mandatory)
	assert.Equal(t, "1.1", info["file_type"].Version)
}

func TestFileHashes(t *testing.T) {
	data := []byte("firmware")
	out, err := NewFileHashes().Process(context.Background(), models.NewFileObject("f", data), nil)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), gjson.GetBytes(out.Result, "sha256").String())
	assert.Equal(t, "74b5b5e9570efc5c0553bb327cd41940", gjson.GetBytes(out.Result, "md5").String())
	for _, name := range []string{"sha1", "sha512", "blake3", "crc32"} {
		assert.NotEmpty(t, gjson.GetBytes(out.Result, name).String(), name)
	}
	assert.Len(t, gjson.GetBytes(out.Result, "blake3").String(), 64)
}

func TestDetectMIME(t *testing.T) {
	var tarball bytes.Buffer
	tw := tar.NewWriter(&tarball)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "etc/passwd", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte("root"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	fv := make([]byte, 64)
	copy(fv[40:], "_FVH")

	tests := []struct {
		name string
		data []byte
		want string
		full string
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01"), "application/x-elf", "ELF"},
		{"zip", []byte("PK\x03\x04rest"), "application/zip", "Zip archive data"},
		{"gzip", []byte{0x1f, 0x8b, 0x08}, "application/gzip", "gzip compressed data"},
		{"tar", tarball.Bytes(), "application/x-tar", "POSIX tar archive"},
		{"squashfs", []byte("hsqs\x00\x00\x00\x00"), "filesystem/squashfs", "Squashfs filesystem, little endian"},
		{"uimage", []byte{0x27, 0x05, 0x19, 0x56, 0x00, 0x00, 0x00, 0x00}, "firmware/uboot", "u-boot legacy uImage"},
		{"uefi volume", fv, "firmware/uefi", "UEFI firmware volume"},
		{"text", []byte("hello world\n"), "text/plain", "text/plain"},
		{"png", []byte("\x89PNG\r\n\x1a\n"), "image/png", "image/png"},
		{"empty", nil, "application/x-empty", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, full := DetectMIME(tt.data)
			assert.Equal(t, tt.want, mime)
			assert.Equal(t, tt.full, full)
		})
	}
}

func TestPrintableStrings(t *testing.T) {
	data := []byte("\x00\x01short\x00a longer string\xff\xfeanother one here\x00")
	obj := models.NewFileObject("bin", data)

	typeOut, err := NewFileType().Process(context.Background(), obj, nil)
	require.NoError(t, err)
	deps := map[string]*models.AnalysisResult{
		"file_type": {Status: models.StatusCompleted, Result: typeOut.Result},
	}

	out, err := NewPrintableStrings().Process(context.Background(), obj, deps)
	require.NoError(t, err)

	var result struct {
		Strings []string `json:"strings"`
	}
	require.NoError(t, json.Unmarshal(out.Result, &result))
	assert.Equal(t, []string{"a longer string", "another one here"}, result.Strings)
	assert.Equal(t, []string{"2 strings"}, out.Summary)

	_, err = NewPrintableStrings().Process(context.Background(), obj, nil)
	assert.Error(t, err)
}
