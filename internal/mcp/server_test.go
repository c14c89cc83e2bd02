package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/capability"
)

func registry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Func{
		Meta: capability.ToolCard{
			Name:        "lookup",
			Version:     "v1",
			Description: "look a key up",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"key": map[string]any{"type": "string"}},
				"required":   []any{"key"},
			},
		},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			if args["key"] == "missing" {
				return nil, errors.New("no such key")
			}
			return map[string]any{"value": strings.ToUpper(args["key"].(string))}, nil
		},
	}))
	return reg
}

type fakeRuns struct{ resumed []string }

func (f *fakeRuns) Start(_ context.Context, query string) (*core.Run, error) {
	return &core.Run{ID: "run-1", Status: core.RunCompleted, State: core.RunState{OriginalQuery: query}}, nil
}

func (f *fakeRuns) Resume(_ context.Context, runID, answer string) (*core.Run, error) {
	f.resumed = append(f.resumed, runID+"="+answer)
	return &core.Run{ID: runID, Status: core.RunCompleted}, nil
}

func serve(t *testing.T, s *Server, lines ...string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, s.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out))
	var resps []map[string]any
	dec := json.NewDecoder(&out)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		resps = append(resps, m)
	}
	return resps
}

func callText(t *testing.T, resp map[string]any) (string, bool) {
	t.Helper()
	result := resp["result"].(map[string]any)
	content := result["content"].([]any)
	require.Len(t, content, 1)
	isErr, _ := result["isError"].(bool)
	return content[0].(map[string]any)["text"].(string), isErr
}

func TestInitializeAndList(t *testing.T) {
	s := New(registry(t), &fakeRuns{}, WithServerInfo("researcher", "test"))
	resps := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, resps, 2, "notifications get no response")

	init := resps[0]["result"].(map[string]any)
	assert.Equal(t, ProtocolVersion, init["protocolVersion"])

	tools := resps[1]["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 2)
	assert.Equal(t, "lookup", tools[0].(map[string]any)["name"])
	assert.Equal(t, ResearchToolName, tools[1].(map[string]any)["name"])
	assert.NotNil(t, tools[0].(map[string]any)["inputSchema"])
}

func TestCallTool(t *testing.T) {
	s := New(registry(t), nil)
	resps := serve(t, s,
		`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"lookup","arguments":{"key":"paris"}}}`,
		`{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"lookup","arguments":{"key":"missing"}}}`,
		`{"jsonrpc":"2.0","id":"c","method":"tools/call","params":{"name":"lookup","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":"d","method":"tools/call","params":{"name":"research","arguments":{"query":"x"}}}`,
	)
	require.Len(t, resps, 4)

	text, isErr := callText(t, resps[0])
	assert.False(t, isErr)
	assert.JSONEq(t, `{"value":"PARIS"}`, text)

	text, isErr = callText(t, resps[1])
	assert.True(t, isErr)
	assert.Contains(t, text, "no such key")

	_, isErr = callText(t, resps[2])
	assert.True(t, isErr, "schema violation is a tool error")

	text, isErr = callText(t, resps[3])
	assert.True(t, isErr, "research is not offered without runs")
	assert.Contains(t, text, "not registered")
}

func TestResearchTool(t *testing.T) {
	runs := &fakeRuns{}
	s := New(registry(t), runs)
	resps := serve(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"research","arguments":{"query":"capital of France"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"research","arguments":{"run_id":"run-1","answer":"France"}}}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"research","arguments":{}}}`,
	)
	require.Len(t, resps, 3)

	text, isErr := callText(t, resps[0])
	require.False(t, isErr)
	var run core.Run
	require.NoError(t, json.Unmarshal([]byte(text), &run))
	assert.Equal(t, "capital of France", run.State.OriginalQuery)

	_, isErr = callText(t, resps[1])
	assert.False(t, isErr)
	assert.Equal(t, []string{"run-1=France"}, runs.resumed)

	text, isErr = callText(t, resps[2])
	assert.True(t, isErr)
	assert.Contains(t, text, "query is required")
}

func TestProtocolErrors(t *testing.T) {
	s := New(registry(t), nil)
	resps := serve(t, s,
		`{not json`,
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
		`{"jsonrpc":"1.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{}}`,
		``,
		`{"jsonrpc":"2.0","id":4,"method":"ping"}`,
	)
	require.Len(t, resps, 5)
	codes := []float64{codeParse, codeMethodNotFound, codeInvalidRequest, codeInvalidParams}
	for i, code := range codes {
		assert.Equal(t, code, resps[i]["error"].(map[string]any)["code"], "response %d", i)
	}
	assert.Nil(t, resps[4]["error"])
	assert.Equal(t, float64(4), resps[4]["id"])
}
