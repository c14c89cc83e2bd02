package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mohammad-safakhou/researcher/internal/artifact"
)

// UnresolvedReferenceError reports a reference to an artifact that is absent.
type UnresolvedReferenceError struct {
	ArtifactID string
	Arg        string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("arg %s: artifact %s not found", e.Arg, e.ArtifactID)
}

// PathError reports a path that matched nothing or could not be parsed.
type PathError struct {
	ArtifactID string
	Path       string
	Arg        string
	Reason     string
}

func (e *PathError) Error() string {
	msg := fmt.Sprintf("arg %s: path %q matched nothing in artifact %s", e.Arg, e.Path, e.ArtifactID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Getter is the read side of an artifact store.
type Getter interface {
	Get(ctx context.Context, id string) (any, error)
}

// Resolve evaluates args in declaration order. It does not write to store.
func Resolve(ctx context.Context, args Args, store Getter) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for _, arg := range args {
		v, err := ResolveValue(ctx, arg.Name, arg.Value, store)
		if err != nil {
			return nil, err
		}
		out[arg.Name] = v
	}
	return out, nil
}

// ResolveValue evaluates a single argument value.
func ResolveValue(ctx context.Context, name string, v ArgumentValue, store Getter) (any, error) {
	switch x := v.(type) {
	case Literal:
		return x.Value, nil
	case Reference:
		return project(ctx, name, x, store)
	default:
		return nil, fmt.Errorf("arg %s: unsupported argument value %T", name, v)
	}
}

func project(ctx context.Context, name string, ref Reference, store Getter) (any, error) {
	payload, err := store.Get(ctx, ref.ArtifactID)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, &UnresolvedReferenceError{ArtifactID: ref.ArtifactID, Arg: name}
	}
	if err != nil {
		return nil, fmt.Errorf("arg %s: load artifact %s: %w", name, ref.ArtifactID, err)
	}
	doc, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("arg %s: encode artifact %s: %w", name, ref.ArtifactID, err)
	}

	gpath, wildcards, err := CompilePath(ref.Path)
	if err != nil {
		return nil, &PathError{ArtifactID: ref.ArtifactID, Path: ref.Path, Arg: name, Reason: err.Error()}
	}
	var res gjson.Result
	if gpath == "" {
		res = gjson.ParseBytes(doc)
	} else {
		res = gjson.GetBytes(doc, gpath)
	}
	if !res.Exists() {
		return nil, &PathError{ArtifactID: ref.ArtifactID, Path: ref.Path, Arg: name}
	}
	if wildcards == 0 {
		return res.Value(), nil
	}
	items := flatten(res, wildcards-1)
	if len(items) == 0 {
		return nil, &PathError{ArtifactID: ref.ArtifactID, Path: ref.Path, Arg: name, Reason: "wildcard selected no elements"}
	}
	return items, nil
}

// flatten expands res one level, plus depth further levels of nested arrays.
// Objects expand to their values.
func flatten(res gjson.Result, depth int) []any {
	out := []any{}
	res.ForEach(func(_, el gjson.Result) bool {
		if depth > 0 && el.IsArray() {
			out = append(out, flatten(el, depth-1)...)
		} else {
			out = append(out, el.Value())
		}
		return true
	})
	return out
}

// CompilePath translates the supported JSONPath subset into a gjson path.
// Supported: $, .field, ['field'], [n], [*] and .*; the number of wildcards
// is returned so callers can flatten nested projections. Wildcards over
// object values are only supported as the last segment.
func CompilePath(path string) (string, int, error) {
	p := strings.TrimSpace(path)
	if p == "" || p == "$" {
		return "", 0, nil
	}
	if !strings.HasPrefix(p, "$") {
		return "", 0, fmt.Errorf("path must start with $")
	}
	p = p[1:]

	var parts []string
	wildcards := 0
	for len(p) > 0 {
		switch {
		case strings.HasPrefix(p, ".*"):
			parts = append(parts, "#")
			wildcards++
			p = p[2:]
		case p[0] == '.':
			end := strings.IndexAny(p[1:], ".[")
			if end == -1 {
				end = len(p) - 1
			}
			field := p[1 : end+1]
			if field == "" {
				return "", 0, fmt.Errorf("empty field name")
			}
			parts = append(parts, escapeField(field))
			p = p[end+1:]
		case p[0] == '[':
			closeIdx := strings.IndexByte(p, ']')
			if closeIdx == -1 {
				return "", 0, fmt.Errorf("unterminated bracket")
			}
			inner := strings.TrimSpace(p[1:closeIdx])
			p = p[closeIdx+1:]
			switch {
			case inner == "*":
				parts = append(parts, "#")
				wildcards++
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				parts = append(parts, escapeField(inner[1:len(inner)-1]))
			default:
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return "", 0, fmt.Errorf("unsupported index %q", inner)
				}
				parts = append(parts, strconv.Itoa(n))
			}
		default:
			return "", 0, fmt.Errorf("unexpected %q", p[:1])
		}
	}
	// a trailing # would make gjson count elements; the caller expands instead
	if n := len(parts); n > 0 && parts[n-1] == "#" {
		parts = parts[:n-1]
	}
	return strings.Join(parts, "."), wildcards, nil
}

func escapeField(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '#', '|', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
