// Package validation checks patches against the fields they may change.
package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// PatchValidator accepts patches that only touch a fixed set of top level
// fields
type PatchValidator struct {
	allowed map[string]bool
}

// NewPatchValidator creates a validator for fields
func NewPatchValidator(fields ...string) *PatchValidator {
	allowed := make(map[string]bool, len(fields))
	for _, f := range fields {
		allowed[f] = true
	}
	return &PatchValidator{allowed: allowed}
}

// ValidateMergePatch checks a JSON merge patch document
func (v *PatchValidator) ValidateMergePatch(body []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("Request body is not a JSON object")
	}

	var refused []string
	for field := range fields {
		if !v.allowed[field] {
			refused = append(refused, field)
		}
	}
	return refusal(refused)
}

// ValidateOperations checks every operation of a JSON patch
func (v *PatchValidator) ValidateOperations(patch jsonpatch.Patch) error {
	var refused []string
	for i, op := range patch {
		kind := op.Kind()
		switch kind {
		case "add", "remove", "replace", "test":
		default:
			return fmt.Errorf("operation %d: unsupported operation type: %s", i, kind)
		}

		path, err := op.Path()
		if err != nil {
			return fmt.Errorf("operation %d: missing or invalid 'path' field", i)
		}
		field := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
		if !v.allowed[field] {
			refused = append(refused, field)
		}
	}
	return refusal(refused)
}

func refusal(fields []string) error {
	if len(fields) == 0 {
		return nil
	}
	sort.Strings(fields)
	return fmt.Errorf("Field '%s' cannot be modified", strings.Join(fields, "', '"))
}
