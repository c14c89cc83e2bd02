package reasoner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/mohammad-safakhou/researcher/config"
)

// GeminiProvider talks to the Gemini API. The SDK client is created lazily
// because construction needs a context.
type GeminiProvider struct {
	cfg         config.LLMProvider
	once        sync.Once
	client      *genai.Client
	initErr     error
	maxTokens   int
	temperature float64
}

// NewGeminiProvider builds a provider from config.
func NewGeminiProvider(cfg config.LLMProvider) *GeminiProvider {
	return &GeminiProvider{cfg: cfg, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}
}

func (p *GeminiProvider) Name() string { return "gemini:" + p.cfg.Model }

func (p *GeminiProvider) init(ctx context.Context) error {
	p.once.Do(func() {
		cc := &genai.ClientConfig{
			APIKey:  p.cfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		}
		if p.cfg.BaseURL != "" {
			cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.cfg.BaseURL}
		}
		client, err := genai.NewClient(ctx, cc)
		if err != nil {
			p.initErr = Wrap(ErrorTypeAuth, err, "create gemini client")
			return
		}
		p.client = client
	})
	return p.initErr
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	if err := p.init(ctx); err != nil {
		return "", err
	}
	gc := &genai.GenerateContentConfig{}
	if t := pickFloat(req.Temperature, p.temperature); t > 0 {
		temp := float32(t)
		gc.Temperature = &temp
	}
	if n := pickInt(req.MaxTokens, p.maxTokens); n > 0 {
		gc.MaxOutputTokens = int32(n)
	}
	if req.System != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, genai.Text(req.Prompt), gc)
	if err != nil {
		return "", classifyGemini(err)
	}
	if result == nil {
		return "", NewError(ErrorTypeEmptyResponse, "nil gemini response")
	}
	return result.Text(), nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return FromStatus(apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return FromStatus(apiErrPtr.Code, err)
	}
	return Classify(fmt.Errorf("gemini: %w", err))
}
