package capability

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// CatalogEntry declares an HTTP-backed tool.
type CatalogEntry struct {
	ToolCard `yaml:",inline"`
	Method   string            `yaml:"method"`
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
}

type catalogFile struct {
	Tools []CatalogEntry `yaml:"tools"`
}

var templateFuncs = template.FuncMap{
	"query": url.QueryEscape,
	"path":  url.PathEscape,
	"join": func(sep string, v any) string {
		items, ok := v.([]any)
		if !ok {
			return fmt.Sprint(v)
		}
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = fmt.Sprint(it)
		}
		return strings.Join(parts, sep)
	},
	"env": os.Getenv,
}

// HTTPTool calls an HTTP endpoint whose URL and headers are templates over args.
type HTTPTool struct {
	card    ToolCard
	method  string
	url     *template.Template
	headers map[string]*template.Template
	client  *HTTPClient
}

// NewHTTPTool parses the entry's templates.
func NewHTTPTool(e CatalogEntry, client *HTTPClient) (*HTTPTool, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("tool %s: url is required", e.Name)
	}
	method := strings.ToUpper(e.Method)
	if method == "" {
		method = "GET"
	}
	if method != "GET" && method != "POST" {
		return nil, fmt.Errorf("tool %s: unsupported method %s", e.Name, e.Method)
	}
	u, err := template.New(e.Name).Funcs(templateFuncs).Option("missingkey=error").Parse(e.URL)
	if err != nil {
		return nil, fmt.Errorf("tool %s url: %w", e.Name, err)
	}
	headers := make(map[string]*template.Template, len(e.Headers))
	for k, v := range e.Headers {
		h, err := template.New(e.Name + ":" + k).Funcs(templateFuncs).Parse(v)
		if err != nil {
			return nil, fmt.Errorf("tool %s header %s: %w", e.Name, k, err)
		}
		headers[k] = h
	}
	if client == nil {
		client = NewHTTPClient(0, 1, 0)
	}
	return &HTTPTool{card: e.ToolCard, method: method, url: u, headers: headers, client: client}, nil
}

func (t *HTTPTool) Card() ToolCard { return t.card }

// Invoke renders the request from args. POST sends args as the JSON body.
func (t *HTTPTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	var buf bytes.Buffer
	if err := t.url.Execute(&buf, args); err != nil {
		return nil, fmt.Errorf("render url: %w", err)
	}
	headers := make(map[string]string, len(t.headers))
	for k, tpl := range t.headers {
		var hb bytes.Buffer
		if err := tpl.Execute(&hb, args); err != nil {
			return nil, fmt.Errorf("render header %s: %w", k, err)
		}
		headers[k] = hb.String()
	}
	var body any
	if t.method == "POST" {
		body = args
	}
	return t.client.Do(ctx, t.method, buf.String(), headers, body)
}

// LoadCatalog reads a YAML tool catalog and verifies every entry.
func LoadCatalog(path, signingSecret string, client *HTTPClient) ([]Tool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data, signingSecret, client)
}

func ParseCatalog(data []byte, signingSecret string, client *HTTPClient) ([]Tool, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	tools := make([]Tool, 0, len(file.Tools))
	for _, e := range file.Tools {
		if err := VerifyToolCard(e.ToolCard, signingSecret); err != nil {
			return nil, fmt.Errorf("tool %s@%s: %w", e.Name, e.Version, err)
		}
		if e.Version == "" {
			e.Version = "v1"
		}
		t, err := NewHTTPTool(e, client)
		if err != nil {
			return nil, err
		}
		tools = append(tools, t)
	}
	return tools, nil
}
