// Package mcp serves the tool registry, and optionally research runs, as a
// line-delimited JSON-RPC 2.0 service over stdio so MCP clients can call
// the same tools the orchestrator uses.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/agent/core"
	"github.com/mohammad-safakhou/researcher/internal/capability"
	"github.com/mohammad-safakhou/researcher/internal/logging"
)

const (
	ProtocolVersion  = "2024-11-05"
	ResearchToolName = "research"

	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Toolset is the registry surface the server exposes.
type Toolset interface {
	Cards() []capability.ToolCard
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// Runs starts and resumes research runs for the research tool.
type Runs interface {
	Start(ctx context.Context, query string) (*core.Run, error)
	Resume(ctx context.Context, runID, answer string) (*core.Run, error)
}

// ---------- JSON-RPC skeleton ----------

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolDesc describes a single tool, including its input schema.
type ToolDesc struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the tools/call result. Tool failures are reported in-band
// with IsError rather than as protocol errors.
type CallResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Server holds the shared dependencies; requests are served one at a time.
type Server struct {
	tools       Toolset
	runs        Runs
	callTimeout time.Duration
	name        string
	version     string
	logger      *zap.Logger

	writeMu sync.Mutex
}

type Option func(*Server)

// WithCallTimeout bounds each tools/call. Research calls that pause for a
// human answer return as soon as they pause.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

func WithServerInfo(name, version string) Option {
	return func(s *Server) { s.name, s.version = name, version }
}

// New wires a server. runs may be nil, in which case the research tool is
// not offered.
func New(tools Toolset, runs Runs, opts ...Option) *Server {
	s := &Server{tools: tools, runs: runs, callTimeout: 10 * time.Minute, name: "researcher", version: "dev"}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("mcp")
	return s
}

// Serve reads one request per line from in until EOF or ctx ends.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req rpcReq
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(out, rpcResp{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &rpcError{Code: codeParse, Message: err.Error()}})
			continue
		}
		if resp, ok := s.handle(ctx, req); ok {
			s.write(out, resp)
		}
	}
	return sc.Err()
}

// handle returns false for notifications, which get no response.
func (s *Server) handle(ctx context.Context, req rpcReq) (rpcResp, bool) {
	notification := len(req.ID) == 0
	resp := rpcResp{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &rpcError{Code: codeInvalidRequest, Message: "invalid request"}
		return resp, !notification
	}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = map[string]any{"tools": s.listTools()}
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "tools/call needs a name"}
			break
		}
		resp.Result = s.callTool(ctx, params.Name, params.Arguments)
	default:
		if strings.HasPrefix(req.Method, "notifications/") {
			return resp, false
		}
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)}
	}
	return resp, !notification
}

func (s *Server) listTools() []ToolDesc {
	cards := s.tools.Cards()
	out := make([]ToolDesc, 0, len(cards)+1)
	for _, c := range cards {
		schema := c.InputSchema
		if len(schema) == 0 {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, ToolDesc{Name: c.Name, Description: c.Description, InputSchema: schema})
	}
	if s.runs != nil {
		out = append(out, ToolDesc{
			Name:        ResearchToolName,
			Description: "Research a question with the available tools. Pass run_id and answer to reply to a clarification question.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":  map[string]any{"type": "string"},
					"run_id": map[string]any{"type": "string"},
					"answer": map[string]any{"type": "string"},
				},
			},
		})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, name string, args map[string]any) CallResult {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	var (
		res any
		err error
	)
	if name == ResearchToolName && s.runs != nil {
		res, err = s.research(ctx, args)
	} else {
		res, err = s.tools.Invoke(ctx, name, args)
	}
	if err != nil {
		s.logger.Info("tool call failed", zap.String("tool", name), zap.Error(err))
		return CallResult{Content: []content{{Type: "text", Text: err.Error()}}, IsError: true}
	}
	b, err := json.Marshal(res)
	if err != nil {
		return CallResult{Content: []content{{Type: "text", Text: fmt.Sprintf("encode result: %v", err)}}, IsError: true}
	}
	return CallResult{Content: []content{{Type: "text", Text: string(b)}}}
}

func (s *Server) research(ctx context.Context, args map[string]any) (*core.Run, error) {
	var in struct {
		Query  string `json:"query"`
		RunID  string `json:"run_id"`
		Answer string `json:"answer"`
	}
	if err := capability.DecodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.RunID != "" {
		return s.runs.Resume(ctx, in.RunID, in.Answer)
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, errors.New("query is required")
	}
	return s.runs.Start(ctx, in.Query)
}

func (s *Server) write(w io.Writer, resp rpcResp) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}
