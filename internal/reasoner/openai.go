package reasoner

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/mohammad-safakhou/researcher/config"
)

// OpenAIProvider talks to the Chat Completions API.
type OpenAIProvider struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewOpenAIProvider builds a provider from config. SDK-level retries are
// disabled because the gateway owns retry.
func NewOpenAIProvider(cfg config.LLMProvider) *OpenAIProvider {
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
	return &OpenAIProvider{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *OpenAIProvider) Name() string { return "openai:" + p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if n := pickInt(req.MaxTokens, p.maxTokens); n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	}
	if t := pickFloat(req.Temperature, p.temperature); t > 0 {
		params.Temperature = openai.Float(t)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAI(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", NewError(ErrorTypeEmptyResponse, "no choices in completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.StatusCode, err)
	}
	return Classify(err)
}

func pickInt(override, def int) int {
	if override > 0 {
		return override
	}
	return def
}

func pickFloat(override, def float64) float64 {
	if override > 0 {
		return override
	}
	return def
}
