// Package resolver turns planned tool arguments into concrete values by
// projecting stored artifacts.
package resolver

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ArgumentValue is either a Literal or a Reference.
type ArgumentValue interface {
	isArgumentValue()
}

// Literal passes through resolution unchanged.
type Literal struct {
	Value any
}

// Reference projects Path out of the artifact stored under ArtifactID.
type Reference struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
}

func (Literal) isArgumentValue()   {}
func (Reference) isArgumentValue() {}

// Arg is one named argument. Args keeps declaration order.
type Arg struct {
	Name  string
	Value ArgumentValue
}

type Args []Arg

// Lookup returns the value declared for name.
func (a Args) Lookup(name string) (ArgumentValue, bool) {
	for _, arg := range a {
		if arg.Name == name {
			return arg.Value, true
		}
	}
	return nil, false
}

// Without returns a copy of a without name.
func (a Args) Without(name string) Args {
	out := make(Args, 0, len(a))
	for _, arg := range a {
		if arg.Name != name {
			out = append(out, arg)
		}
	}
	return out
}

type wireValue struct {
	Literal   json.RawMessage `json:"literal,omitempty"`
	Reference *Reference      `json:"reference,omitempty"`
}

func encodeValue(v ArgumentValue) (any, error) {
	switch x := v.(type) {
	case Literal:
		raw, err := json.Marshal(x.Value)
		if err != nil {
			return nil, err
		}
		return wireValue{Literal: raw}, nil
	case Reference:
		r := x
		return wireValue{Reference: &r}, nil
	default:
		return nil, fmt.Errorf("unsupported argument value %T", v)
	}
}

func decodeValue(raw json.RawMessage) (ArgumentValue, error) {
	var w wireValue
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("argument must be {\"literal\": ...} or {\"reference\": {...}}: %w", err)
	}
	switch {
	case w.Reference != nil && w.Literal != nil:
		return nil, fmt.Errorf("argument sets both literal and reference")
	case w.Reference != nil:
		if w.Reference.ArtifactID == "" {
			return nil, fmt.Errorf("reference without artifact_id")
		}
		return *w.Reference, nil
	case w.Literal != nil:
		var v any
		if err := json.Unmarshal(w.Literal, &v); err != nil {
			return nil, err
		}
		return Literal{Value: v}, nil
	default:
		return nil, fmt.Errorf("argument sets neither literal nor reference")
	}
}

// MarshalJSON writes args as an object in declaration order.
func (a Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, arg := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(arg.Name)
		buf.Write(key)
		buf.WriteByte(':')
		w, err := encodeValue(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("arg %s: %w", arg.Name, err)
		}
		val, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an object of tagged values, keeping key order.
func (a *Args) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("args must be a JSON object")
	}
	out := Args{}
	seen := map[string]bool{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name := tok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("arg %s: %w", name, err)
		}
		if seen[name] {
			return fmt.Errorf("duplicate arg %s", name)
		}
		seen[name] = true
		v, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("arg %s: %w", name, err)
		}
		out = append(out, Arg{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
