package testplan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// blockFencePattern matches a fence whose opening line holds nothing but
	// an optional language tag, so inline mentions such as "```json fences"
	// in prose are skipped.
	blockFencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \\t]*\\r?\\n(.*?)```")

	// inlineFencePattern is the fallback for single-line fences.
	inlineFencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \\t]*(.*?)```")
)

// ExtractFenced returns the interior of the first fenced code block in raw.
// When no fence is present it returns raw unchanged and false.
func ExtractFenced(raw string) (string, bool) {
	for _, re := range []*regexp.Regexp{blockFencePattern, inlineFencePattern} {
		if m := re.FindStringSubmatch(raw); len(m) == 2 {
			return strings.TrimSpace(m[1]), true
		}
	}
	return raw, false
}

// ParseResult is a plan that passed plan-level validation.
type ParseResult struct {
	Cases []TestCase

	// Partial is set when some step lacked a string action.
	// Such plans are persisted but may not execute cleanly.
	Partial  bool
	Warnings []string
}

// Parse extracts, decodes and validates raw model output.
//
// Plan-level shape is strict: a non-empty array of objects, each with a string
// name and a non-empty steps array. Step-level completeness is lenient: a step
// without a string action is kept and reported through Warnings.
// Every failure is a *MalformedOutputError carrying raw.
func Parse(raw string) (*ParseResult, error) {
	body, _ := ExtractFenced(raw)

	var decoded any
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		return nil, &MalformedOutputError{Reason: ReasonInvalidJSON, Detail: err.Error(), Raw: raw}
	}

	items, ok := decoded.([]any)
	if !ok {
		return nil, &MalformedOutputError{Reason: ReasonNotArray, Raw: raw}
	}
	if len(items) == 0 {
		return nil, &MalformedOutputError{Reason: ReasonEmptyArray, Raw: raw}
	}

	result := &ParseResult{Cases: make([]TestCase, 0, len(items))}
	for i, item := range items {
		tc, warnings, err := decodeCase(i, item)
		if err != nil {
			return nil, &MalformedOutputError{Reason: ReasonInvalidCase, Detail: err.Error(), Raw: raw}
		}
		if len(warnings) > 0 {
			result.Partial = true
			result.Warnings = append(result.Warnings, warnings...)
		}
		result.Cases = append(result.Cases, tc)
	}
	return result, nil
}

func decodeCase(i int, item any) (TestCase, []string, error) {
	obj, ok := item.(map[string]any)
	if !ok {
		return TestCase{}, nil, fmt.Errorf("case %d is not an object", i)
	}
	name, ok := obj["name"].(string)
	if !ok {
		return TestCase{}, nil, fmt.Errorf("case %d has no string name", i)
	}
	rawSteps, ok := obj["steps"].([]any)
	if !ok || len(rawSteps) == 0 {
		return TestCase{}, nil, fmt.Errorf("case %d (%q) has no steps", i, name)
	}

	tc := TestCase{
		Name:        name,
		Description: stringField(obj, "description"),
		Steps:       make([]TestStep, 0, len(rawSteps)),
	}

	var warnings []string
	for j, rs := range rawSteps {
		step, ok := rs.(map[string]any)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: case %d step %d is not an object", ReasonInvalidStep, i, j))
			tc.Steps = append(tc.Steps, TestStep{})
			continue
		}
		action, ok := step["action"].(string)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s: case %d step %d has no string action", ReasonInvalidStep, i, j))
		}
		optional, _ := step["optional"].(bool)
		tc.Steps = append(tc.Steps, TestStep{
			Action:   Action(action),
			Selector: stringField(step, "selector"),
			Value:    stringField(step, "value"),
			Expected: stringField(step, "expected"),
			Optional: optional,
		})
	}
	return tc, warnings, nil
}

// stringField reads a scalar field as a string. Numbers and booleans are
// formatted; anything else is dropped.
func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}
