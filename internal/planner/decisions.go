// Package planner validates and decodes the decisions the reasoner makes
// at ROUTE, PLAN and REFLECT.
package planner

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/researcher/internal/extract"
	"github.com/mohammad-safakhou/researcher/internal/resolver"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Route values.
const (
	RouteTrivial            = "trivial"
	RouteResearch           = "research"
	RouteNeedsClarification = "needs_clarification"
)

// Reflection decisions.
const (
	DecisionContinue     = "continue"
	DecisionFinish       = "finish"
	DecisionRequestHuman = "request_human"
)

type RouteDecision struct {
	Route     string `json:"route"`
	Answer    string `json:"answer,omitempty"`
	Question  string `json:"question,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// PlanDecision names exactly one next tool call.
type PlanDecision struct {
	ToolName  string        `json:"tool_name"`
	Label     string        `json:"label,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	FanOutKey *string       `json:"fan_out_key,omitempty"`
	Args      resolver.Args `json:"args"`
}

type ReflectionDecision struct {
	Decision  string `json:"decision"`
	Reasoning string `json:"reasoning,omitempty"`
	Question  string `json:"question,omitempty"`
}

var (
	compileOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	compileErr  error
)

func schemaFor(name string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schemas = make(map[string]*jsonschema.Schema, 3)
		for _, n := range []string{"route", "plan", "reflection"} {
			raw, err := schemaFS.ReadFile("schemas/" + n + ".json")
			if err != nil {
				compileErr = err
				return
			}
			url := "planner://" + n + ".json"
			if err := compiler.AddResource(url, strings.NewReader(string(raw))); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", n, err)
				return
			}
			s, err := compiler.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", n, err)
				return
			}
			schemas[n] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return schemas[name], nil
}

// decode extracts JSON from text, validates it against the named schema and
// unmarshals it into out. Every failure is an *extract.ExtractionError.
func decode(name, text string, out any) error {
	raw, err := extract.ExtractObjectRaw(text)
	if err != nil {
		return err
	}
	schema, err := schemaFor(name)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &extract.ExtractionError{Input: text, Attempts: []string{"decode: " + err.Error()}}
	}
	if err := schema.Validate(doc); err != nil {
		return &extract.ExtractionError{Input: text, Attempts: []string{name + " schema: " + err.Error()}}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &extract.ExtractionError{Input: text, Attempts: []string{"decode: " + err.Error()}}
	}
	return nil
}

func ParseRoute(text string) (RouteDecision, error) {
	var d RouteDecision
	err := decode("route", text, &d)
	return d, err
}

// ParsePlan also checks that fan_out_key names a declared argument.
func ParsePlan(text string) (PlanDecision, error) {
	var d PlanDecision
	if err := decode("plan", text, &d); err != nil {
		return PlanDecision{}, err
	}
	if d.FanOutKey != nil && *d.FanOutKey == "" {
		d.FanOutKey = nil
	}
	if d.FanOutKey != nil {
		if _, ok := d.Args.Lookup(*d.FanOutKey); !ok {
			return PlanDecision{}, &extract.ExtractionError{
				Input:    text,
				Attempts: []string{fmt.Sprintf("plan: fan_out_key %q is not an argument", *d.FanOutKey)},
			}
		}
	}
	return d, nil
}

func ParseReflection(text string) (ReflectionDecision, error) {
	var d ReflectionDecision
	err := decode("reflection", text, &d)
	return d, err
}
