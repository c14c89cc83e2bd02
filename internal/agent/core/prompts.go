package core

import (
	"bytes"
	"embed"
	"fmt"
	"sync"
	"text/template"

	"github.com/mohammad-safakhou/researcher/internal/capability"
)

//go:embed prompts/*.tpl.md
var promptFS embed.FS

const (
	routePrompt      = "route.tpl.md"
	planPrompt       = "plan.tpl.md"
	reflectPrompt    = "reflect.tpl.md"
	synthesizePrompt = "synthesize.tpl.md"
)

var (
	promptsOnce sync.Once
	prompts     *template.Template
	promptsErr  error
)

func loadPrompts() (*template.Template, error) {
	promptsOnce.Do(func() {
		prompts, promptsErr = template.New("prompts").
			Funcs(template.FuncMap{
				"deref": func(s *string) string {
					if s == nil {
						return ""
					}
					return *s
				},
			}).
			ParseFS(promptFS, "prompts/*.tpl.md")
	})
	return prompts, promptsErr
}

type promptData struct {
	Query      string
	Tools      []capability.Descriptor
	Log        []DataReference
	Reflection *Reflection
	Exchanges  []HumanExchange
	Evidence   string
}

func renderPrompt(name string, data promptData) (string, error) {
	t, err := loadPrompts()
	if err != nil {
		return "", fmt.Errorf("parse prompts: %w", err)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
