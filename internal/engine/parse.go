package engine

import (
	"errors"
	"strings"
)

var errNoJSON = errors.New("no JSON object in response")

// extractJSON pulls the JSON document out of a model reply that may wrap it
// in a ```json fence, a bare ``` fence, or surrounding prose.
func extractJSON(reply string) (string, error) {
	if body, ok := fenced(reply, "```json"); ok {
		return body, nil
	}
	if body, ok := fenced(reply, "```"); ok {
		return body, nil
	}
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return "", errNoJSON
	}
	return reply[start : end+1], nil
}

// stripFences returns the body of the first ```markdown or ``` block, or the
// whole reply when it is not fenced.
func stripFences(reply string) string {
	if body, ok := fenced(reply, "```markdown"); ok {
		return body
	}
	if body, ok := fenced(reply, "```"); ok {
		return body
	}
	return strings.TrimSpace(reply)
}

func fenced(reply, opener string) (string, bool) {
	start := strings.Index(reply, opener)
	if start < 0 {
		return "", false
	}
	rest := reply[start+len(opener):]
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}
