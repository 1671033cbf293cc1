package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fwlab/fact/common/models"
	"github.com/tidwall/gjson"
)

const (
	minStringLength = 8
	maxStrings      = 1000
)

// PrintableStrings extracts ASCII strings from binary objects
type PrintableStrings struct{}

// NewPrintableStrings creates the printable_strings plugin
func NewPrintableStrings() *PrintableStrings { return &PrintableStrings{} }

func (p *PrintableStrings) Name() string           { return "printable_strings" }
func (p *PrintableStrings) Version() string        { return "0.3" }
func (p *PrintableStrings) Dependencies() []string { return []string{"file_type"} }
func (p *PrintableStrings) Description() string {
	return "extract printable strings"
}

func (p *PrintableStrings) Process(ctx context.Context, obj *models.FileObject, deps map[string]*models.AnalysisResult) (*Output, error) {
	fileType, ok := deps["file_type"]
	if !ok {
		return nil, fmt.Errorf("missing file_type result")
	}

	// text files are their own strings
	mime := gjson.GetBytes(fileType.Result, "mime").String()
	if strings.HasPrefix(mime, "text/") {
		raw, _ := json.Marshal(map[string]any{"strings": []string{}, "skipped": mime})
		return &Output{Result: raw}, nil
	}

	found := extractStrings(ctx, obj.Binary)
	raw, err := json.Marshal(map[string]any{"strings": found})
	if err != nil {
		return nil, err
	}
	return &Output{Result: raw, Summary: []string{fmt.Sprintf("%d strings", len(found))}}, nil
}

func extractStrings(ctx context.Context, data []byte) []string {
	found := []string{}
	start := -1

	flush := func(end int) {
		if start >= 0 && end-start >= minStringLength && len(found) < maxStrings {
			found = append(found, string(data[start:end]))
		}
		start = -1
	}

	for i, c := range data {
		if i%4096 == 0 && ctx.Err() != nil {
			break
		}
		if c >= 0x20 && c < 0x7f {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return found
}
