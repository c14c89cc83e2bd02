package reasoner

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/config"
	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// Roles served by routed gateways.
const (
	RoleRoute      = "route"
	RolePlanning   = "planning"
	RoleReflection = "reflection"
	RoleSynthesis  = "synthesis"
)

// NewProvider constructs the adapter named by cfg.Type.
func NewProvider(cfg config.LLMProvider) (Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "ollama":
		return NewOllamaProvider(cfg)
	case "gemini":
		return NewGeminiProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider type: %s", cfg.Type)
	}
}

// Router holds one gateway per orchestrator role.
type Router struct {
	Route      *Gateway
	Planning   *Gateway
	Reflection *Gateway
	Synthesis  *Gateway
}

// NewRouter builds gateways for every role from llm config, sharing one
// provider instance per configured provider name.
func NewRouter(llm config.LLMConfig, rc config.ReasonerConfig, logger *zap.Logger, metrics *telemetry.Metrics) (*Router, error) {
	providers := make(map[string]Provider, len(llm.Providers))
	pick := func(name string) (Provider, error) {
		if name == "" {
			name = llm.Routing.Fallback
		}
		if p, ok := providers[name]; ok {
			return p, nil
		}
		pc, ok := llm.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm provider %q not configured", name)
		}
		p, err := NewProvider(pc)
		if err != nil {
			return nil, err
		}
		providers[name] = p
		return p, nil
	}

	policy := PolicyFromConfig(rc)
	logger = logging.OrNop(logger)
	build := func(role, name string) (*Gateway, error) {
		p, err := pick(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", role, err)
		}
		return NewGateway(p,
			WithRole(role),
			WithPolicy(policy),
			WithLogger(logger.Named("reasoner")),
			WithMetrics(metrics),
		), nil
	}

	var (
		r   Router
		err error
	)
	if r.Route, err = build(RoleRoute, llm.Routing.Route); err != nil {
		return nil, err
	}
	if r.Planning, err = build(RolePlanning, llm.Routing.Planning); err != nil {
		return nil, err
	}
	if r.Reflection, err = build(RoleReflection, llm.Routing.Reflection); err != nil {
		return nil, err
	}
	if r.Synthesis, err = build(RoleSynthesis, llm.Routing.Synthesis); err != nil {
		return nil, err
	}
	return &r, nil
}
