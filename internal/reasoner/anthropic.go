package reasoner

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mohammad-safakhou/researcher/config"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider talks to the Messages API.
type AnthropicProvider struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int
	temperature float64
}

// NewAnthropicProvider builds a provider from config.
func NewAnthropicProvider(cfg config.LLMProvider) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic:" + string(p.model) }

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(pickInt(req.MaxTokens, p.maxTokens)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if t := pickFloat(req.Temperature, p.temperature); t > 0 {
		params.Temperature = anthropic.Float(t)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System, Type: "text"}}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropic(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", NewError(ErrorTypeEmptyResponse, "no content blocks in message")
	}
	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String(), nil
}

func classifyAnthropic(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, err)
	}
	return Classify(err)
}
