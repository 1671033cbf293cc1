// Package binsearch matches binary search rules against stored files.
//
// Rules are YARA rules restricted to text and hex strings:
//
//	rule busybox {
//	    strings:
//	        $name = "BusyBox v" nocase
//	        $elf  = { 7F 45 4C 46 ?? 01 }
//	    condition:
//	        $name and ($elf or #name > 2)
//	}
//
// Rule text is parsed with gyp. Conditions are compiled to CEL programs.
package binsearch

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/VirusTotal/gyp"
	"github.com/VirusTotal/gyp/ast"
)

// ErrInvalidRule is returned for rule text that does not parse or compile
var ErrInvalidRule = errors.New("invalid rule")

// Rule is one named rule with its patterns and condition
type Rule struct {
	Name      string
	Patterns  []*Pattern
	Condition string
}

// Pattern is a text or hex string of a rule
type Pattern struct {
	// ID without the leading '$'
	ID     string
	Text   []byte
	NoCase bool
	// Hex bytes; wildcard positions are marked in Mask
	Hex  []byte
	Mask []bool
}

// Parse reads every rule in src
func Parse(src string) ([]*Rule, error) {
	rs, err := gyp.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var rules []*Rule
	seen := make(map[string]bool)
	for _, yr := range rs.Rules {
		if seen[yr.Identifier] {
			return nil, fmt.Errorf("%w: duplicate rule %s", ErrInvalidRule, yr.Identifier)
		}
		seen[yr.Identifier] = true

		r, err := convert(yr)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRule, yr.Identifier, err)
		}
		rules = append(rules, r)
	}

	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rule found", ErrInvalidRule)
	}
	return rules, nil
}

func convert(yr *ast.Rule) (*Rule, error) {
	r := &Rule{Name: yr.Identifier}
	ids := make(map[string]bool)

	for _, s := range yr.Strings {
		var pat *Pattern
		var err error
		switch v := s.(type) {
		case *ast.TextString:
			pat, err = textPattern(v)
		case *ast.HexString:
			pat, err = hexPattern(v)
		default:
			err = fmt.Errorf("only text and hex strings are supported")
		}
		if err != nil {
			return nil, err
		}

		if pat.ID == "" {
			return nil, fmt.Errorf("anonymous strings are not supported")
		}
		if ids[pat.ID] {
			return nil, fmt.Errorf("duplicate string $%s", pat.ID)
		}
		ids[pat.ID] = true
		r.Patterns = append(r.Patterns, pat)
	}

	if yr.Condition == nil {
		return nil, fmt.Errorf("missing condition")
	}
	var cond strings.Builder
	if err := yr.Condition.WriteSource(&cond); err != nil {
		return nil, fmt.Errorf("failed to read condition: %w", err)
	}
	r.Condition = strings.TrimSpace(cond.String())
	if r.Condition == "" {
		return nil, fmt.Errorf("empty condition")
	}
	return r, nil
}

func textPattern(s *ast.TextString) (*Pattern, error) {
	id := strings.TrimPrefix(s.Identifier, "$")
	if s.Value == "" {
		return nil, fmt.Errorf("$%s: empty string", id)
	}
	return &Pattern{ID: id, Text: []byte(s.Value), NoCase: s.Nocase}, nil
}

// hexPattern reads the bytes back from the source form of s, so jumps and
// alternatives surface as errors
func hexPattern(s *ast.HexString) (*Pattern, error) {
	id := strings.TrimPrefix(s.Identifier, "$")

	var src strings.Builder
	if err := s.WriteSource(&src); err != nil {
		return nil, fmt.Errorf("$%s: %w", id, err)
	}
	text := src.String()
	open, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if open < 0 || end < open {
		return nil, fmt.Errorf("$%s: malformed hex string", id)
	}

	data, mask, err := hexBytes(text[open+1 : end])
	if err != nil {
		return nil, fmt.Errorf("$%s: %v", id, err)
	}
	return &Pattern{ID: id, Hex: data, Mask: mask}, nil
}

func hexBytes(body string) ([]byte, []bool, error) {
	digits := strings.Join(strings.Fields(body), "")
	if len(digits) == 0 || len(digits)%2 != 0 {
		return nil, nil, fmt.Errorf("hex string needs whole bytes")
	}

	data := make([]byte, 0, len(digits)/2)
	mask := make([]bool, 0, len(digits)/2)
	for i := 0; i < len(digits); i += 2 {
		pair := digits[i : i+2]
		if pair == "??" {
			data = append(data, 0)
			mask = append(mask, true)
			continue
		}
		b, err := strconv.ParseUint(pair, 16, 8)
		if err != nil {
			return nil, nil, fmt.Errorf("unsupported hex token %q", pair)
		}
		data = append(data, byte(b))
		mask = append(mask, false)
	}
	if mask[0] || mask[len(mask)-1] {
		return nil, nil, fmt.Errorf("hex string cannot start or end with a wildcard")
	}
	return data, mask, nil
}
