// Package prompts renders the text sent to the model gateway.
package prompts

import (
	"fmt"
	"strings"
)

// NoDocumentationMarker replaces the documentation section when the page
// could not be fetched. Its presence tells the model to fall back to
// generic smoke tests.
const NoDocumentationMarker = "NO DOCUMENTATION AVAILABLE"

// TestPlanPrompt renders the generation prompt for appURL. docContent is the
// extracted documentation text; empty means the fetch failed.
//
// The output depends only on its arguments. docContent is embedded as-is.
func TestPlanPrompt(appURL, docContent string) string {
	var sb strings.Builder

	sb.WriteString(`You are a senior QA engineer writing end-to-end browser tests.

## Your Objective

Produce a test plan for the web application at the URL below. Each test case
must be executable by a browser automation engine without human input.

`)
	fmt.Fprintf(&sb, "**Application URL:** %s\n\n", appURL)

	sb.WriteString("## Documentation\n\n")
	if strings.TrimSpace(docContent) == "" {
		sb.WriteString(NoDocumentationMarker + "\n\n")
		sb.WriteString(`The documentation page could not be retrieved. Do not refuse and do not
ask for more information. Instead, generate generic smoke tests derived from
the application URL alone: the page loads, primary navigation works, and the
main call-to-action elements are visible and clickable.

`)
	} else {
		sb.WriteString("Base the test cases on this documentation:\n\n")
		sb.WriteString("<documentation>\n")
		sb.WriteString(docContent)
		sb.WriteString("\n</documentation>\n\n")
	}

	sb.WriteString(`## Output Format

Respond with a JSON array of test cases inside a single fenced code block:

` + "```json" + `
[
  {
    "name": "Short test case name",
    "description": "What the case verifies",
    "steps": [
`)
	fmt.Fprintf(&sb, "      {\"action\": \"navigate\", \"value\": %q},\n", appURL)
	sb.WriteString(`      {"action": "click", "selector": "#login"},
      {"action": "type", "selector": "input[name=email]", "value": "user@example.com"},
      {"action": "wait", "value": "1000", "optional": true},
      {"action": "assert", "selector": "h1", "expected": "Welcome"}
    ]
  }
]
` + "```" + `

## Rules

`)
	fmt.Fprintf(&sb, "- The first step of every test case MUST be {\"action\": \"navigate\", \"value\": %q}.\n", appURL)
	sb.WriteString(`- "action" is one of: navigate, click, type, assert, wait.
- "selector" is a CSS selector, required for click, type and assert.
- "value" is the text to type, the URL to navigate to, or the wait in milliseconds.
- "expected" is the text an assert step expects to find.
- "optional" defaults to false; set it to true only for steps whose failure must not abort the run.
- Every test case has a non-empty "name" and at least one step.
- Use only the fields shown above. Do not add commentary outside the code block.
`)
	return sb.String()
}
