package reasoner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/mohammad-safakhou/researcher/config"
)

const defaultOllamaURL = "http://localhost:11434"

// OllamaProvider talks to a local Ollama server.
type OllamaProvider struct {
	client      *api.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewOllamaProvider builds a provider from config.
func NewOllamaProvider(cfg config.LLMProvider) (*OllamaProvider, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("ollama base_url: %w", err)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &OllamaProvider{
		client:      api.NewClient(u, httpClient),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama:" + p.model }

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]api.Message, 0, 2)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: req.Prompt})

	stream := false
	options := map[string]any{}
	if t := pickFloat(req.Temperature, p.temperature); t > 0 {
		options["temperature"] = t
	}
	if n := pickInt(req.MaxTokens, p.maxTokens); n > 0 {
		options["num_predict"] = n
	}
	chatReq := &api.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	var out strings.Builder
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		out.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", classifyOllama(err)
	}
	return out.String(), nil
}

func classifyOllama(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusNotFound {
			return Wrap(ErrorTypeBadRequest, err, "model not found")
		}
		return FromStatus(statusErr.StatusCode, err)
	}
	return Classify(err)
}
