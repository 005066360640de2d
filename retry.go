package turnflow

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// retryProvider retries transient inference failures (429, 503) with
// exponential backoff. The engine itself never retries inference errors;
// this decorator is composed around the provider by the caller.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // across all attempts; 0 = none
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the delay before the second attempt (default 1s).
// Each later delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence. Zero disables it.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.timeout = d }
}

// RetryLogger sets the logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with retry on 429 and 503. The delay is the larger of
// the backoff (with jitter) and the server's Retry-After.
//
//	llm := turnflow.WithRetry(openaicompat.NewProvider(key, model, baseURL))
//	llm := turnflow.WithRetry(p, turnflow.RetryMaxAttempts(5), turnflow.RetryTimeout(30*time.Second))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{inner: p, maxAttempts: 3, baseDelay: time.Second}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var last error
	for i := range r.maxAttempts {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		if werr := r.wait(ctx, i, err); werr != nil {
			return ChatResponse{}, werr
		}
	}
	r.logger.Error("all retry attempts exhausted", "provider", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return ChatResponse{}, last
}

// ChatStream retries only while nothing has been forwarded to ch; once text
// reached the caller a retry would duplicate it. ch is closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var last error
	for i := range r.maxAttempts {
		mid := make(chan StreamEvent, 64)
		var resp ChatResponse
		var err error
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, err = r.inner.ChatStream(ctx, req, mid)
		}()
		sent := false
		for ev := range mid {
			sent = true
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}
		<-done
		if err == nil || !isTransient(err) || sent {
			return resp, err
		}
		last = err
		if werr := r.wait(ctx, i, err); werr != nil {
			return ChatResponse{}, werr
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)", "provider", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return ChatResponse{}, last
}

// wait sleeps before attempt i+1. It returns ctx.Err() if cancelled.
func (r *retryProvider) wait(ctx context.Context, i int, err error) error {
	r.logger.Warn("retrying transient error", "provider", r.inner.Name(),
		"status", statusOf(err), "attempt", i+1, "max_attempts", r.maxAttempts)
	if i >= r.maxAttempts-1 {
		return nil
	}
	timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *retryProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is max(exponential backoff with jitter, Retry-After).
func retryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	d := exp + time.Duration(rand.Int64N(int64(exp)/2+1))
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > d {
		return e.RetryAfter
	}
	return d
}

var _ Provider = (*retryProvider)(nil)
