package embedding

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memflow/types"
)

// RetryPolicy configures exponential backoff for provider calls.
type RetryPolicy struct {
	MaxRetries   int           // 0 means no retries
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultRetryPolicy returns the policy used when none is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryProvider wraps a Provider with backoff retries and client-side rate
// limiting. On retry exhaustion it returns an EMBEDDING_UNAVAILABLE error;
// callers above the pipeline treat that as a degraded result, never a
// caller-visible failure.
type RetryProvider struct {
	inner   Provider
	policy  RetryPolicy
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRetryProvider wraps inner. ratePerSec <= 0 disables rate limiting.
func NewRetryProvider(inner Provider, policy RetryPolicy, ratePerSec float64, logger *zap.Logger) *RetryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}

	var limiter *rate.Limiter
	if ratePerSec > 0 {
		burst := int(math.Ceil(ratePerSec))
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}

	return &RetryProvider{
		inner:   inner,
		policy:  policy,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "embedding_retry"), zap.String("provider", inner.Name())),
	}
}

func (p *RetryProvider) Dimensions() int { return p.inner.Dimensions() }
func (p *RetryProvider) Name() string    { return p.inner.Name() }

// Embed implements Provider.
func (p *RetryProvider) Embed(ctx context.Context, text string) ([]float64, error) {
	var out []float64
	err := p.do(ctx, func() error {
		vec, err := p.inner.Embed(ctx, text)
		if err != nil {
			return err
		}
		out = vec
		return nil
	})
	return out, err
}

// EmbedBatch implements Provider.
func (p *RetryProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var out [][]float64
	err := p.do(ctx, func() error {
		vecs, err := p.inner.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		out = vecs
		return nil
	})
	return out, err
}

func (p *RetryProvider) do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= p.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.delayFor(attempt)
			p.logger.Debug("retrying embedding call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Structured non-retryable errors stop the loop early;
		// everything else (network, 5xx, timeouts) retries.
		if code := types.GetErrorCode(lastErr); code != "" && !types.IsRetryable(lastErr) {
			break
		}
	}

	return types.NewError(types.ErrEmbeddingUnavailable, "embedding provider exhausted retries").
		WithCause(lastErr).
		WithRetryable(false)
}

func (p *RetryProvider) delayFor(attempt int) time.Duration {
	delay := float64(p.policy.InitialDelay) * math.Pow(p.policy.Multiplier, float64(attempt-1))
	if delay > float64(p.policy.MaxDelay) {
		delay = float64(p.policy.MaxDelay)
	}
	if p.policy.Jitter {
		delay = delay/2 + rand.Float64()*delay/2
	}
	return time.Duration(delay)
}
