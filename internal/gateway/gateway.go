// Package gateway wraps the raw model client with timeouts, jittered
// retries and a circuit breaker. Every model call in the service goes
// through it.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trendsift/trendsift/internal/digest"
	"github.com/trendsift/trendsift/internal/telemetry"
)

// Validator is a decoded model response that can check its own shape.
type Validator interface {
	Validate() error
}

// Config holds gateway resilience settings.
type Config struct {
	Timeout          time.Duration
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Gateway is the resilient front door to the model provider.
type Gateway struct {
	client  digest.ModelClient
	breaker *Breaker
	cfg     Config
	logger  *zap.Logger
}

// New creates a Gateway around the given model client.
func New(client digest.ModelClient, cfg Config, logger *zap.Logger, clock digest.Clock) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Gateway{
		client:  client,
		breaker: NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, clock),
		cfg:     cfg,
		logger:  logger,
	}
}

// Breaker exposes the circuit for state inspection.
func (g *Gateway) Breaker() *Breaker {
	return g.breaker
}

// Invoke sends a prompt through the breaker and retry loop and returns the
// raw completion.
func (g *Gateway) Invoke(ctx context.Context, prompt string) (digest.Completion, error) {
	comp, _, err := g.invoke(ctx, prompt, nil)
	return comp, err
}

// InvokeJSON sends a prompt and decodes the completion into out, retrying
// when the model returns text that does not parse or validate. A response
// with a broken shape counts as an endpoint failure like any transient
// provider error. The returned token count covers every attempt, including
// failed ones, so callers can settle what the provider actually billed.
func (g *Gateway) InvokeJSON(ctx context.Context, prompt string, out Validator) (int64, error) {
	_, spent, err := g.invoke(ctx, prompt, func(c digest.Completion) error {
		if err := json.Unmarshal([]byte(stripFences(c.Text)), out); err != nil {
			return &digest.ProviderError{Msg: fmt.Sprintf("unparseable model output: %v", err), Transient: true}
		}
		if err := out.Validate(); err != nil {
			return &digest.ProviderError{Msg: fmt.Sprintf("malformed model output: %v", err), Transient: true}
		}
		return nil
	})
	return spent, err
}

// Embed produces an embedding vector for the given text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := g.breaker.Allow(); err != nil {
		telemetry.ObserveModelRequest("circuit_open")
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			telemetry.ObserveModelRetry()
			if err := g.sleep(ctx, attempt-1); err != nil {
				g.breaker.Release()
				return nil, err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		vec, err := g.client.Embed(cctx, text)
		cancel()
		if err == nil {
			g.breaker.Success()
			telemetry.ObserveModelRequest("success")
			return vec, nil
		}
		if ctx.Err() != nil {
			g.breaker.Release()
			return nil, fmt.Errorf("embed canceled: %w", ctx.Err())
		}
		lastErr = err
		if !digest.IsTransient(err) {
			g.breaker.Success()
			telemetry.ObserveModelRequest("permanent")
			return nil, err
		}
		g.logger.Warn("embed attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	g.breaker.Failure()
	telemetry.ObserveModelRequest("transient")
	return nil, fmt.Errorf("embed retries exhausted: %w", lastErr)
}

// invoke runs the shared breaker and retry loop. accept, when non-nil,
// turns an otherwise successful completion into a failure that is retried
// and counted against the circuit. The second return value is the token
// spend summed over every attempt; the provider bills rejected shapes and
// failed retries all the same, so it is reported on the error path too.
func (g *Gateway) invoke(ctx context.Context, prompt string, accept func(digest.Completion) error) (digest.Completion, int64, error) {
	if err := g.breaker.Allow(); err != nil {
		telemetry.ObserveModelRequest("circuit_open")
		return digest.Completion{}, 0, err
	}

	var (
		lastErr error
		spent   int64
	)
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			telemetry.ObserveModelRetry()
			if err := g.sleep(ctx, attempt-1); err != nil {
				g.breaker.Release()
				return digest.Completion{}, spent, err
			}
		}
		cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		comp, err := g.client.Generate(cctx, prompt)
		cancel()
		spent += comp.TokensUsed
		telemetry.AddModelTokens(comp.TokensUsed)
		if err == nil && accept != nil {
			err = accept(comp)
		}
		if err == nil {
			g.breaker.Success()
			telemetry.ObserveModelRequest("success")
			return comp, spent, nil
		}
		if ctx.Err() != nil {
			g.breaker.Release()
			return digest.Completion{}, spent, fmt.Errorf("model call canceled: %w", ctx.Err())
		}
		lastErr = err
		if !digest.IsTransient(err) {
			// The endpoint answered; a permanent rejection is not an
			// availability signal.
			g.breaker.Success()
			telemetry.ObserveModelRequest("permanent")
			return digest.Completion{}, spent, err
		}
		g.logger.Warn("model attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	g.breaker.Failure()
	telemetry.ObserveModelRequest("transient")
	return digest.Completion{}, spent, fmt.Errorf("model retries exhausted: %w", lastErr)
}

// sleep waits out the jittered exponential backoff for the given attempt,
// honoring caller cancellation.
func (g *Gateway) sleep(ctx context.Context, attempt int) error {
	delay := g.backoff(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (g *Gateway) backoff(attempt int) time.Duration {
	delay := float64(g.cfg.BackoffInitial) * math.Pow(2, float64(attempt))
	if delay > float64(g.cfg.BackoffMax) {
		delay = float64(g.cfg.BackoffMax)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// stripFences removes a markdown code fence the model sometimes wraps JSON
// in despite instructions.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
