package streams

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaKey struct {
	eventType string
	version   string
}

func (k schemaKey) String() string { return k.eventType + "@" + k.version }

// SchemaRegistry holds the compiled payload schema of each event type and
// version. It is safe for concurrent use.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaKey]*jsonschema.Schema)}
}

// Register compiles schema and stores it for eventType at version,
// replacing any earlier registration.
func (r *SchemaRegistry) Register(eventType, version string, schema []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version must be provided")
	}
	if len(schema) == 0 {
		return fmt.Errorf("schema for %s is empty", eventType)
	}
	key := schemaKey{eventType, version}
	compiled, err := jsonschema.CompileString(fmt.Sprintf("streams://%s/%s.json", eventType, version), string(schema))
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", key, err)
	}
	r.mu.Lock()
	r.schemas[key] = compiled
	r.mu.Unlock()
	return nil
}

// Events lists the registered event type and version pairs, sorted.
func (r *SchemaRegistry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the schema registered for eventType at
// version. Unregistered events are rejected.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	key := schemaKey{eventType, version}
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %s", key)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%s payload: %w", key, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s payload: %w", key, err)
	}
	return nil
}
