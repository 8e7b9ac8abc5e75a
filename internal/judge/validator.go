// Package judge pairs deterministic structural validation of worker output
// with an LLM-as-judge evaluator producing weighted quality dimensions.
package judge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationResult is the {ok, reasons[]} pair produced by Validate.
type ValidationResult struct {
	OK      bool
	Reasons []string
}

func fail(reasons ...string) ValidationResult { return ValidationResult{OK: false, Reasons: reasons} }
func pass() ValidationResult                   { return ValidationResult{OK: true} }

// Validate applies the taskType-specific structural checks plus the
// universal "I am not sure" rejection rule. execErr, when non-nil,
// short-circuits straight to a failed result with an "Execution error: …"
// reason — validation never runs against an absent output.
func Validate(taskType, output string, execErr error, outputSchema json.RawMessage) ValidationResult {
	if execErr != nil {
		return fail(fmt.Sprintf("Execution error: %v", execErr))
	}

	var reasons []string
	trimmed := strings.TrimSpace(output)

	if strings.Contains(output, "I am not sure") {
		reasons = append(reasons, "output contains literal \"I am not sure\"")
	}

	switch taskType {
	case "analysis":
		if len(trimmed) < 20 {
			reasons = append(reasons, "analysis output must be at least 20 characters")
		}
	case "code":
		if trimmed == "" {
			reasons = append(reasons, "code output must not be empty")
		}
	case "writing":
		if len(trimmed) < 10 {
			reasons = append(reasons, "writing output must be at least 10 characters")
		}
	default:
		if trimmed == "" {
			reasons = append(reasons, "output must not be empty")
		}
	}

	if len(outputSchema) > 0 {
		if err := ValidateAgainstSchema(output, outputSchema); err != nil {
			reasons = append(reasons, fmt.Sprintf("schema validation failed: %v", err))
		}
	}

	if len(reasons) > 0 {
		return ValidationResult{OK: false, Reasons: reasons}
	}
	return pass()
}

// ValidateAgainstSchema checks output (expected to be JSON when a schema is
// supplied) against a minimal JSON-schema subset: object type, required
// properties, and property types. This is intentionally not a full
// json-schema implementation — it covers the structural shapes the router
// and packager produce (flat objects with required string/number/bool/array
// fields).
func ValidateAgainstSchema(output string, schema json.RawMessage) error {
	var doc any
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	var s struct {
		Type     string          `json:"type"`
		Required []string        `json:"required"`
		Props    map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schema, &s); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if s.Type == "object" && !ok {
		return fmt.Errorf("expected JSON object")
	}
	for _, req := range s.Required {
		if _, present := obj[req]; !present {
			return fmt.Errorf("missing required property %q", req)
		}
	}
	for name, propSpec := range s.Props {
		v, present := obj[name]
		if !present {
			continue
		}
		if !matchesJSONType(v, propSpec.Type) {
			return fmt.Errorf("property %q does not match type %q", name, propSpec.Type)
		}
	}
	return nil
}

func matchesJSONType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}
