package helpers

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// stripper removes every element and attribute. Policies are safe for
// concurrent use once built.
var stripper = bluemonday.StrictPolicy()

// StripHTML reduces markup to plain text for prompts: tags and script
// bodies are dropped, entities decoded, runs of blanks collapsed and empty
// lines removed. Line breaks between paragraphs survive.
func StripHTML(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	text := html.UnescapeString(stripper.Sanitize(s))
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
