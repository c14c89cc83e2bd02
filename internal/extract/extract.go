// Package extract recovers JSON values from free-form model output.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ExtractionError reports that no strategy recovered a well-formed value.
type ExtractionError struct {
	Input    string
	Attempts []string
}

func (e *ExtractionError) Error() string {
	preview := e.Input
	if r := []rune(preview); len(r) > 120 {
		preview = string(r[:120]) + "…"
	}
	return fmt.Sprintf("extract: no JSON value recovered (tried %s) from %q", strings.Join(e.Attempts, ", "), preview)
}

var (
	fenceRe  = regexp.MustCompile("(?s)(```|~~~)[a-zA-Z0-9_-]*[ \\t]*\\n(.*?)(```|~~~)")
	objectRe = regexp.MustCompile(`\{[^{}]*\}`)
)

type strategy struct {
	name string
	fn   func(s string, objects bool) (string, bool)
}

var strategies = []strategy{
	{"whole", func(s string, _ bool) (string, bool) { return strings.TrimSpace(s), true }},
	{"fence", fenced},
	{"balanced", firstBalanced},
	{"pattern", flatObject},
}

// Extract returns the first JSON value recovered from text, trying the whole
// text, a fenced block, the first balanced region that parses and finally a
// flat object pattern.
func Extract(text string) (any, error) {
	raw, err := ExtractRaw(text)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &ExtractionError{Input: text, Attempts: []string{"decode"}}
	}
	return v, nil
}

// ExtractRaw is Extract without decoding; the returned bytes are valid JSON.
func ExtractRaw(text string) (json.RawMessage, error) {
	return extractRaw(text, false)
}

// ExtractObjectRaw is ExtractRaw restricted to objects. Arrays and scalars
// ahead of the object, such as a citation like [1], are skipped.
func ExtractObjectRaw(text string) (json.RawMessage, error) {
	return extractRaw(text, true)
}

func extractRaw(text string, objects bool) (json.RawMessage, error) {
	clean := strings.TrimPrefix(text, "\uFEFF")
	tried := make([]string, 0, len(strategies))
	for _, s := range strategies {
		tried = append(tried, s.name)
		candidate, ok := s.fn(clean, objects)
		if !ok || candidate == "" {
			continue
		}
		if acceptable(candidate, objects) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, &ExtractionError{Input: text, Attempts: tried}
}

func acceptable(candidate string, objects bool) bool {
	if objects && !strings.HasPrefix(candidate, "{") {
		return false
	}
	return json.Valid([]byte(candidate))
}

// Into extracts a value and decodes it into out.
func Into(text string, out any) error {
	raw, err := ExtractRaw(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ExtractionError{Input: text, Attempts: []string{"decode: " + err.Error()}}
	}
	return nil
}

func fenced(s string, _ bool) (string, bool) {
	for _, m := range fenceRe.FindAllStringSubmatch(s, -1) {
		if m[1] == m[3] {
			return strings.TrimSpace(m[2]), true
		}
	}
	return "", false
}

// flatObject returns the first non-nested object literal that parses.
func flatObject(s string, _ bool) (string, bool) {
	for _, m := range objectRe.FindAllString(s, -1) {
		if json.Valid([]byte(m)) {
			return m, true
		}
	}
	return "", false
}

// firstBalanced returns the first top-level balanced region that parses.
// A balanced region that is not JSON is skipped whole, so nothing nested
// inside it is returned. Delimiters inside string literals are ignored.
func firstBalanced(s string, objects bool) (string, bool) {
	openers := "{["
	if objects {
		openers = "{"
	}
	pos := 0
	for pos < len(s) {
		next := strings.IndexAny(s[pos:], openers)
		if next == -1 {
			break
		}
		start := pos + next
		end := matchClose(s, start)
		if end == -1 {
			pos = start + 1
			continue
		}
		if region := s[start : end+1]; json.Valid([]byte(region)) {
			return region, true
		}
		pos = end + 1
	}
	return "", false
}

func matchClose(s string, start int) int {
	stack := make([]byte, 0, 8)
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
