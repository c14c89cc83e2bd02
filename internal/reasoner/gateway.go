package reasoner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/researcher/internal/agent/telemetry"
	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// Request is a single text-generation request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int     // 0 uses the provider default
	Temperature float64 // 0 uses the provider default
}

// Provider is one external text-generation backend. Implementations
// should return *Error where they can classify the failure themselves;
// anything else is classified by the gateway.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Complete generates text for req.
	Complete(ctx context.Context, req Request) (string, error)
}

// Gateway wraps a Provider with retry and backoff. Callers treat it as a
// black box that either returns text or fails.
type Gateway struct {
	provider Provider
	role     string
	policy   RetryPolicy
	sleep    Sleeper
	logger   *zap.Logger
	metrics  *telemetry.Metrics
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPolicy overrides the retry policy.
func WithPolicy(p RetryPolicy) Option {
	return func(g *Gateway) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		g.policy = p
	}
}

// WithSleeper replaces the backoff wait, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(g *Gateway) {
		if s != nil {
			g.sleep = s
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithRole labels the gateway with the orchestrator role it serves.
func WithRole(role string) Option {
	return func(g *Gateway) { g.role = role }
}

// NewGateway creates a gateway around provider.
func NewGateway(provider Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider: provider,
		policy:   DefaultRetryPolicy(),
		sleep:    sleepContext,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("role", g.role), zap.String("provider", provider.Name()))
	return g
}

// Role returns the role label.
func (g *Gateway) Role() string { return g.role }

// Call sends a bare prompt.
func (g *Gateway) Call(ctx context.Context, prompt string) (string, error) {
	return g.Complete(ctx, Request{Prompt: prompt})
}

// Complete sends req, retrying retryable failures with exponential backoff.
// Fatal failures are returned immediately. When attempts run out the last
// failure is wrapped as ErrorTypeServiceUnavailable, which is fatal.
func (g *Gateway) Complete(ctx context.Context, req Request) (string, error) {
	tracer := otel.Tracer("researcher/internal/reasoner")
	ctx, span := tracer.Start(ctx, "reasoner.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("reasoner.role", g.role),
		attribute.String("reasoner.provider", g.provider.Name()),
	)

	var last *Error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.policy.Delay(attempt - 1)
			g.metrics.RecordReasonerRetry(g.role, last.Type.String())
			g.logger.Warn("retrying reasoner call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(last))
			if err := g.sleep(ctx, delay); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "canceled during backoff")
				g.metrics.RecordReasonerCall(g.role, g.provider.Name(), "canceled")
				return "", err
			}
		}

		start := time.Now()
		text, err := g.provider.Complete(ctx, req)
		g.metrics.RecordReasonerAttempt(g.role, g.provider.Name(), time.Since(start))
		if err == nil && strings.TrimSpace(text) == "" {
			err = NewError(ErrorTypeEmptyResponse, "provider returned no text")
		}
		if err == nil {
			span.SetAttributes(attribute.Int("reasoner.attempts", attempt))
			g.metrics.RecordReasonerCall(g.role, g.provider.Name(), "success")
			return text, nil
		}

		last = Classify(err)
		if !last.Retryable() {
			span.RecordError(last)
			span.SetStatus(codes.Error, last.Type.String())
			g.metrics.RecordReasonerCall(g.role, g.provider.Name(), last.Type.String())
			g.logger.Error("reasoner call failed", zap.Int("attempt", attempt), zap.Error(last))
			return "", last
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			span.RecordError(ctxErr)
			g.metrics.RecordReasonerCall(g.role, g.provider.Name(), "canceled")
			return "", ctxErr
		}
	}

	exhausted := &Error{
		Type:       ErrorTypeServiceUnavailable,
		StatusCode: last.StatusCode,
		Message:    fmt.Sprintf("giving up after %d attempts", g.policy.MaxAttempts),
		Err:        last,
	}
	span.RecordError(exhausted)
	span.SetStatus(codes.Error, exhausted.Type.String())
	g.metrics.RecordReasonerCall(g.role, g.provider.Name(), exhausted.Type.String())
	g.logger.Error("reasoner retries exhausted", zap.Error(exhausted))
	return "", exhausted
}
