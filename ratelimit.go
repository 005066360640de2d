package turnflow

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitProvider throttles requests with token buckets: one for requests
// per minute, one for tokens per minute.
type rateLimitProvider struct {
	inner    Provider
	rpm, tpm int
	requests *rate.Limiter
	tokens   *rate.Limiter
	estimate func([]ChatMessage) int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute. Each request waits for its
// estimated prompt size; the difference to the reported usage is debited
// afterwards, so the limit is soft for the request that overshoots.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// TokenEstimator replaces the prompt-size estimate used for TPM.
func TokenEstimator(fn func([]ChatMessage) int) RateLimitOption {
	return func(r *rateLimitProvider) { r.estimate = fn }
}

// WithRateLimit wraps p with proactive rate limiting:
//
//	llm := turnflow.WithRateLimit(p, turnflow.RPM(60))
//	llm := turnflow.WithRateLimit(turnflow.WithRetry(p), turnflow.RPM(60), turnflow.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	if r.rpm > 0 {
		r.requests = rate.NewLimiter(rate.Limit(float64(r.rpm)/60), r.rpm)
	}
	if r.tpm > 0 {
		r.tokens = rate.NewLimiter(rate.Limit(float64(r.tpm)/60), r.tpm)
	}
	if r.estimate == nil {
		cm := NewContextManager(ContextConfig{}, nil, nil)
		r.estimate = cm.EstimateTokens
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	reserved, err := r.wait(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.settle(reserved, resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	reserved, err := r.wait(ctx, req)
	if err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.settle(reserved, resp.Usage)
	}
	return resp, err
}

// wait blocks until both buckets admit the request and returns how many
// tokens were taken from the TPM bucket.
func (r *rateLimitProvider) wait(ctx context.Context, req ChatRequest) (int, error) {
	if r.requests != nil {
		if err := r.requests.Wait(ctx); err != nil {
			return 0, err
		}
	}
	if r.tokens == nil {
		return 0, nil
	}
	n := min(max(r.estimate(req.Messages), 1), r.tpm)
	if err := r.tokens.WaitN(ctx, n); err != nil {
		return 0, err
	}
	return n, nil
}

// settle debits usage beyond the reservation from the TPM bucket.
func (r *rateLimitProvider) settle(reserved int, u Usage) {
	if r.tokens == nil {
		return
	}
	extra := u.InputTokens + u.OutputTokens - reserved
	if extra <= 0 {
		return
	}
	r.tokens.ReserveN(time.Now(), min(extra, r.tpm))
}

var _ Provider = (*rateLimitProvider)(nil)
