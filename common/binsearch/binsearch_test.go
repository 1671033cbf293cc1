package binsearch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const busyboxRule = `
// matches BusyBox ELF binaries
rule busybox {
	strings:
		$name = "BusyBox v" nocase
		$elf  = { 7F 45 4C 46 ?? 01 }
	condition:
		$name and $elf
}

rule many_roots {
	strings:
		$root = "root:"
	condition:
		#root > 1
}
`

func TestParse(t *testing.T) {
	rules, err := Parse(busyboxRule)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	r := rules[0]
	assert.Equal(t, "busybox", r.Name)
	assert.Equal(t, "$name and $elf", r.Condition)
	require.Len(t, r.Patterns, 2)
	assert.Equal(t, []byte("BusyBox v"), r.Patterns[0].Text)
	assert.True(t, r.Patterns[0].NoCase)
	assert.Equal(t, []byte{0x7f, 0x45, 0x4c, 0x46, 0x00, 0x01}, r.Patterns[1].Hex)
	assert.Equal(t, []bool{false, false, false, false, true, false}, r.Patterns[1].Mask)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ""},
		{"no rule keyword", "busybox { condition: true }"},
		{"missing condition", `rule a { strings: $a = "x" }`},
		{"odd hex", `rule a { strings: $a = { 4D 5 } condition: $a }`},
		{"leading wildcard", `rule a { strings: $a = { ?? 5A } condition: $a }`},
		{"unterminated string", "rule a { strings: $a = \"abc\n condition: $a }"},
		{"duplicate rule", `rule a { condition: true } rule a { condition: false }`},
		{"duplicate string", `rule a { strings: $a = "x" $a = "y" condition: $a }`},
		{"hex jump", `rule a { strings: $a = { 4D [2-4] 5A } condition: $a }`},
		{"hex alternative", `rule a { strings: $a = { 4D ( 5A | 5B ) 00 } condition: $a }`},
		{"regular expression", `rule a { strings: $a = /ab+c/ condition: $a }`},
		{"anonymous string", `rule a { strings: $ = "x" condition: any of them }`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			assert.True(t, errors.Is(err, ErrInvalidRule), "got %v", err)
		})
	}
}

func TestValidate_Conditions(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{"any of them", `rule a { strings: $a = "x" $b = "y" condition: any of them }`, false},
		{"not", `rule a { strings: $a = "x" condition: not $a }`, false},
		{"count", `rule a { strings: $a = "x" condition: #a >= 2 or $a }`, false},
		{"undefined string", `rule a { strings: $a = "x" condition: $b }`, true},
		{"unknown keyword", `rule a { strings: $a = "x" condition: $a at 0 }`, true},
		{"not boolean", `rule a { strings: $a = "x" condition: #a }`, true},
		{"syntax", `rule a { strings: $a = "x" condition: $a and }`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.src)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScanner_Match(t *testing.T) {
	s, err := NewScanner(busyboxRule, nil)
	require.NoError(t, err)

	elf := append([]byte{0x7f, 'E', 'L', 'F', 0x02, 0x01}, []byte("....busybox V1.36")...)
	matched, err := s.Match(elf)
	require.NoError(t, err)
	assert.Equal(t, []string{"busybox"}, matched)

	matched, err = s.Match([]byte("root:x:0:0\nroot:y"))
	require.NoError(t, err)
	assert.Equal(t, []string{"many_roots"}, matched)

	matched, err = s.Match([]byte("BusyBox v1.2 without header"))
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestScanner_AllOfThem(t *testing.T) {
	s, err := NewScanner(`rule both { strings: $a = "alpha" $b = { 62 65 74 61 } condition: all of them }`, nil)
	require.NoError(t, err)

	matched, err := s.Match([]byte("alpha and beta"))
	require.NoError(t, err)
	assert.Equal(t, []string{"both"}, matched)

	matched, err = s.Match([]byte("alpha only"))
	require.NoError(t, err)
	assert.Empty(t, matched)
}

func TestEvaluator_CachesPrograms(t *testing.T) {
	e := NewEvaluator()
	_, err := NewScanner(`rule a { strings: $x = "x" condition: $x }`, e)
	require.NoError(t, err)
	_, err = NewScanner(`rule b { strings: $x = "y" condition: $x }`, e)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())
}

func TestScanner_ScanAll(t *testing.T) {
	s, err := NewScanner(`rule pw { strings: $a = "passwd" condition: $a }`, nil)
	require.NoError(t, err)

	files := map[string][]byte{
		"u1": []byte("/etc/passwd"),
		"u2": []byte("nothing"),
		"u3": []byte("passwd passwd"),
	}
	load := func(ctx context.Context, uid string) ([]byte, error) {
		data, ok := files[uid]
		if !ok {
			return nil, errors.New("missing")
		}
		return data, nil
	}

	result, skipped, err := s.ScanAll(context.Background(), []string{"u3", "u1", "u2", "gone"}, load, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, map[string][]string{"pw": {"u1", "u3"}}, result)
}
