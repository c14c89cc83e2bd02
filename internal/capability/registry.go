// Package capability maps tool names to invocable tools.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// ErrToolMissing indicates a tool name that is not registered.
var ErrToolMissing = errors.New("tool not registered")

// ToolError wraps a failed invocation, including argument validation failures.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Tool is a named callable.
type Tool interface {
	Card() ToolCard
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor is what planners see.
type Descriptor struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	ArgSchemaHint string `json:"arg_schema_hint"`
}

type registered struct {
	tool   Tool
	card   ToolCard
	schema *jsonschema.Schema
}

// Registry is safe for concurrent reads and registration.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]registered
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

type Option func(*Registry)

func WithMetrics(m *telemetry.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func WithLogger(l *zap.Logger) Option         { return func(r *Registry) { r.logger = l } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]registered)}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("tools")
	return r
}

// Register adds t. When a tool with the same name exists, the higher version wins.
func (r *Registry) Register(t Tool) error {
	card := t.Card()
	if card.Name == "" {
		return fmt.Errorf("tool card without name")
	}
	var schema *jsonschema.Schema
	if len(card.InputSchema) > 0 {
		s, err := compileSchema(card.Name, card.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s input_schema: %w", card.Name, err)
		}
		schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[card.Name]; ok && !versionGreater(card.Version, existing.card.Version) {
		r.logger.Info("keeping registered tool version",
			zap.String("tool", card.Name),
			zap.String("registered", existing.card.Version),
			zap.String("offered", card.Version))
		return nil
	}
	r.tools[card.Name] = registered{tool: t, card: card, schema: schema}
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ListTools returns descriptors sorted by name.
func (r *Registry) ListTools() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, Descriptor{Name: reg.card.Name, Description: reg.card.Description, ArgSchemaHint: reg.card.ArgSchemaHint})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Cards returns the full tool cards sorted by name.
func (r *Registry) Cards() []ToolCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolCard, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.card)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates args against the tool's input schema and calls it.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolMissing, name)
	}

	ctx, span := otel.Tracer("researcher/internal/capability").Start(ctx, "tool.invoke")
	span.SetAttributes(attribute.String("tool.name", name))
	defer span.End()

	start := time.Now()
	out, err := r.invoke(ctx, reg, args)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.RecordTool(name, status)
	r.logger.Debug("tool invoked", zap.String("tool", name), zap.String("status", status), zap.Duration("took", time.Since(start)))
	return out, err
}

func (r *Registry) invoke(ctx context.Context, reg registered, args map[string]any) (any, error) {
	name := reg.card.Name
	if reg.schema != nil {
		doc, err := normalize(args)
		if err != nil {
			return nil, &ToolError{Tool: name, Err: fmt.Errorf("encode args: %w", err)}
		}
		if err := reg.schema.Validate(doc); err != nil {
			return nil, &ToolError{Tool: name, Err: fmt.Errorf("invalid args: %w", err)}
		}
	}
	out, err := reg.tool.Invoke(ctx, args)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &ToolError{Tool: name, Err: err}
	}
	return out, nil
}

// normalize round-trips v through JSON so the validator sees plain JSON types.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeArgs copies resolved args into the struct pointed to by out.
func DecodeArgs(args map[string]any, out any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode args: %w", err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	url := "tool://" + name + "/input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Func adapts a function into a Tool.
type Func struct {
	Meta ToolCard
	Fn   func(ctx context.Context, args map[string]any) (any, error)
}

func (f Func) Card() ToolCard { return f.Meta }
func (f Func) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
