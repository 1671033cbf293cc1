package plugins

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/fwlab/fact/common/models"
	"lukechampine.com/blake3"
)

// FileHashes computes the common digests of an object
type FileHashes struct{}

// NewFileHashes creates the file_hashes plugin
func NewFileHashes() *FileHashes { return &FileHashes{} }

func (p *FileHashes) Name() string           { return "file_hashes" }
func (p *FileHashes) Version() string        { return "1.2" }
func (p *FileHashes) Dependencies() []string { return nil }
func (p *FileHashes) Description() string {
	return "calculate different hash values of the file"
}

func (p *FileHashes) Process(ctx context.Context, obj *models.FileObject, _ map[string]*models.AnalysisResult) (*Output, error) {
	digests := map[string]hash.Hash{
		"md5":    md5.New(),
		"sha1":   sha1.New(),
		"sha256": sha256.New(),
		"sha512": sha512.New(),
		"blake3": blake3.New(32, nil),
		"crc32":  crc32.New(crc32.MakeTable(crc32.Castagnoli)),
	}

	writers := make([]io.Writer, 0, len(digests))
	for _, h := range digests {
		writers = append(writers, h)
	}

	// copy once, update every digest
	if _, err := io.Copy(io.MultiWriter(writers...), bytes.NewReader(obj.Binary)); err != nil {
		return nil, fmt.Errorf("failed to hash object: %w", err)
	}

	result := make(map[string]string, len(digests))
	for name, h := range digests {
		result[name] = hex.EncodeToString(h.Sum(nil))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Output{Result: raw}, nil
}
