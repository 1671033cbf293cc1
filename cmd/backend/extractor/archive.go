package extractor

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ulikunitz/xz"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

func readLimited(r io.Reader, b *budget) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, b.remaining()))
	if err != nil {
		return nil, err
	}
	if err := b.take(int64(len(data))); err != nil {
		return nil, err
	}
	return data, nil
}

func cleanPath(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "./"))
}

// Zip extracts zip archives
type Zip struct{}

// NewZip creates a zip extractor
func NewZip() *Zip { return &Zip{} }

func (z *Zip) Name() string { return "zip" }

func (z *Zip) Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error) {
	if !bytes.HasPrefix(data, zipMagic) {
		return nil, ErrNotContainer
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}

	b := &budget{limit: limit}
	var entries []Entry
	for _, f := range r.File {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if f.FileInfo().IsDir() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		content, err := readLimited(rc, b)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
		entries = append(entries, Entry{Path: cleanPath(f.Name), Data: content})
	}
	return entries, nil
}

// Tar extracts uncompressed tar archives
type Tar struct{}

// NewTar creates a tar extractor
func NewTar() *Tar { return &Tar{} }

func (t *Tar) Name() string { return "tar" }

func isTar(data []byte) bool {
	// "ustar" magic at offset 257
	return len(data) >= 262 && string(data[257:262]) == "ustar"
}

func (t *Tar) Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error) {
	if !isTar(data) {
		return nil, ErrNotContainer
	}
	return extractTar(ctx, bytes.NewReader(data), &budget{limit: limit})
}

func extractTar(ctx context.Context, r io.Reader, b *budget) ([]Entry, error) {
	tr := tar.NewReader(r)

	var entries []Entry
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		content, err := readLimited(tr, b)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", hdr.Name, err)
		}
		entries = append(entries, Entry{Path: cleanPath(hdr.Name), Data: content})
	}
	return entries, nil
}

// Gzip decompresses a single gzip stream. The member keeps its header name
// or falls back to "decompressed".
type Gzip struct{}

// NewGzip creates a gzip extractor
func NewGzip() *Gzip { return &Gzip{} }

func (g *Gzip) Name() string { return "gzip" }

func (g *Gzip) Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return nil, ErrNotContainer
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip: %w", err)
	}
	defer zr.Close()

	content, err := readLimited(zr, &budget{limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip: %w", err)
	}

	name := zr.Name
	if name == "" {
		name = "decompressed"
	}
	return []Entry{{Path: cleanPath(name), Data: content}}, nil
}

// XZ decompresses a single xz stream
type XZ struct{}

// NewXZ creates an xz extractor
func NewXZ() *XZ { return &XZ{} }

func (x *XZ) Name() string { return "xz" }

func (x *XZ) Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error) {
	if !bytes.HasPrefix(data, xzMagic) {
		return nil, ErrNotContainer
	}

	r, err := xz.ReaderConfig{SingleStream: true}.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xz: %w", err)
	}

	content, err := readLimited(r, &budget{limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to decompress xz: %w", err)
	}
	return []Entry{{Path: "/decompressed", Data: content}}, nil
}
