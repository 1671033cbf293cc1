// Package extractor splits container formats into their member files.
package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ErrNotContainer signals that data is a leaf for this format
var ErrNotContainer = errors.New("not a container")

// ErrTooLarge is returned when extracted content exceeds the allowed size
var ErrTooLarge = errors.New("extracted content exceeds limit")

// Entry is one file extracted from a container
type Entry struct {
	// Path inside the container
	Path string
	Data []byte
}

// Extractor handles one container format
type Extractor interface {
	Name() string
	// Extract returns the member files, or ErrNotContainer
	Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error)
}

// Chain tries extractors in order; the first one that recognises the data wins
type Chain struct {
	extractors []Extractor
}

// NewChain builds a chain from extractors
func NewChain(extractors ...Extractor) *Chain {
	return &Chain{extractors: extractors}
}

// Default returns the chain of every built-in format
func Default() *Chain {
	return NewChain(
		NewZip(),
		NewTar(),
		NewGzip(),
		NewXZ(),
		NewUEFI(),
	)
}

// Name lists the formats of the chain
func (c *Chain) Name() string {
	return "chain"
}

// Extract runs each extractor until one succeeds. A handler that recognises
// the format but fails is recorded; ErrNotContainer is returned only when
// no handler produced an error other than ErrNotContainer.
func (c *Chain) Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error) {
	var errs *multierror.Error

	for _, ex := range c.extractors {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		entries, exErr := safeExtract(ctx, ex, data, limit)
		if exErr == nil {
			return entries, nil
		}
		if errors.Is(exErr, ErrNotContainer) {
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", ex.Name(), exErr))
	}

	if errs.ErrorOrNil() != nil {
		return nil, errs
	}
	return nil, ErrNotContainer
}

// safeExtract turns a panicking parser into an error
func safeExtract(ctx context.Context, ex Extractor, data []byte, limit int64) (entries []Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			entries = nil
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return ex.Extract(ctx, data, limit)
}

// budget tracks the bytes extracted so far from one container
type budget struct {
	limit int64
	used  int64
}

func (b *budget) take(n int64) error {
	b.used += n
	if b.limit > 0 && b.used > b.limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, b.used, b.limit)
	}
	return nil
}

// remaining returns how many more bytes may be read, at least 1 so a
// LimitReader can detect overflow
func (b *budget) remaining() int64 {
	if b.limit <= 0 {
		return 1 << 62
	}
	r := b.limit - b.used + 1
	if r < 1 {
		return 1
	}
	return r
}
