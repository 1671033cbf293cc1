package binsearch

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"golang.org/x/sync/errgroup"
)

// Scanner matches a compiled rule set against file contents
type Scanner struct {
	rules    []*Rule
	programs []cel.Program
	eval     *Evaluator
}

// NewScanner parses and compiles rules
func NewScanner(src string, eval *Evaluator) (*Scanner, error) {
	rules, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if eval == nil {
		eval = NewEvaluator()
	}

	s := &Scanner{rules: rules, eval: eval}
	for _, r := range rules {
		ids := make([]string, len(r.Patterns))
		for i, p := range r.Patterns {
			ids[i] = p.ID
		}
		prg, err := eval.Compile(r.Condition, ids)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, r.Name, err)
		}
		s.programs = append(s.programs, prg)
	}
	return s, nil
}

// Validate reports whether src is a usable rule set
func Validate(src string) error {
	_, err := NewScanner(src, nil)
	return err
}

// Rules returns the parsed rules
func (s *Scanner) Rules() []*Rule {
	return s.rules
}

// Match returns the names of the rules matching data, sorted
func (s *Scanner) Match(data []byte) ([]string, error) {
	var lower []byte
	var matched []string

	for i, r := range s.rules {
		counts := make(map[string]int, len(r.Patterns))
		for _, p := range r.Patterns {
			switch {
			case p.Hex != nil:
				counts[p.ID] = countMasked(data, p.Hex, p.Mask)
			case p.NoCase:
				if lower == nil {
					lower = bytes.ToLower(data)
				}
				counts[p.ID] = bytes.Count(lower, bytes.ToLower(p.Text))
			default:
				counts[p.ID] = bytes.Count(data, p.Text)
			}
		}

		ok, err := s.eval.Evaluate(s.programs[i], counts)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate rule %s: %w", r.Name, err)
		}
		if ok {
			matched = append(matched, r.Name)
		}
	}

	sort.Strings(matched)
	return matched, nil
}

// countMasked counts the offsets where pattern matches, skipping wildcards
func countMasked(data, pattern []byte, mask []bool) int {
	n := 0
	for i := 0; i+len(pattern) <= len(data); i++ {
		if data[i] != pattern[0] {
			continue
		}
		hit := true
		for j := 1; j < len(pattern); j++ {
			if !mask[j] && data[i+j] != pattern[j] {
				hit = false
				break
			}
		}
		if hit {
			n++
		}
	}
	return n
}

// Loader fetches the content of a file
type Loader func(ctx context.Context, uid string) ([]byte, error)

// ScanAll matches every uid and returns rule name -> matching uids.
// Files that cannot be loaded are skipped and reported in the error count.
func (s *Scanner) ScanAll(ctx context.Context, uids []string, load Loader, workers int) (map[string][]string, int, error) {
	if workers <= 0 {
		workers = 4
	}

	var mu sync.Mutex
	result := make(map[string][]string)
	skipped := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, uid := range uids {
		uid := uid
		g.Go(func() error {
			data, err := load(gctx, uid)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}

			matched, err := s.Match(data)
			if err != nil {
				return err
			}

			mu.Lock()
			for _, rule := range matched {
				result[rule] = append(result[rule], uid)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, skipped, err
	}
	for rule := range result {
		sort.Strings(result[rule])
	}
	return result, skipped, nil
}
