// Package retry implements the bounded retry harness used for filter
// invocations: exponential backoff with uniform jitter, a total time budget
// across attempts, and retryability classification by HTTP status or error
// type.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Default retryable sets.
var (
	DefaultRetryableStatusCodes = []int{408, 429, 500, 502, 503, 504}
	DefaultRetryableErrorTypes = []string{
		"ETIMEDOUT", "ECONNRESET", "ECONNREFUSED", "ENOTFOUND", "EAI_AGAIN",
		"NETWORK_ERROR", "TIMEOUT", "SERVICE_UNAVAILABLE",
	}
)

// Config controls the retry loop. The zero value means "no retries".
type Config struct {
	MaxRetries           int           `json:"maxRetries"`
	InitialDelay         time.Duration `json:"initialDelayMs"`
	BackoffMultiplier    float64       `json:"backoffMultiplier"`
	MaxDelay             time.Duration `json:"maxDelayMs"`
	TotalBudget          time.Duration `json:"totalBudgetMs,omitempty"`
	RetryableStatusCodes []int         `json:"retryableStatusCodes,omitempty"`
	RetryableErrorTypes  []string      `json:"retryableErrorTypes,omitempty"`
	// JitterFactor in [0,1]; each delay gets a uniform random addition in
	// [0, delay*JitterFactor]. Default 0.1.
	JitterFactor float64 `json:"jitterFactor,omitempty"`
	// IsRetryable overrides classification entirely when set.
	IsRetryable func(error) bool `json:"-"`
}

// normalized fills defaults.
func (c Config) normalized() Config {
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.JitterFactor <= 0 {
		c.JitterFactor = 0.1
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.RetryableStatusCodes == nil {
		c.RetryableStatusCodes = DefaultRetryableStatusCodes
	}
	if c.RetryableErrorTypes == nil {
		c.RetryableErrorTypes = DefaultRetryableErrorTypes
	}
	return c
}

// Delay computes the backoff before attempt n (0-indexed, counted after the
// first try): min(initial * multiplier^n, max) plus uniform jitter.
func (c Config) Delay(attempt int) time.Duration {
	cfg := c.normalized()

	delay := float64(cfg.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
		if delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	jitter := rand.Float64() * delay * cfg.JitterFactor
	return time.Duration(delay + jitter)
}

// StatusCoder is implemented by errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// TypedError is implemented by errors carrying a stable error type code.
type TypedError interface {
	ErrorType() string
}

// HTTPError is a status-bearing error for external verifier clients.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}

func (e *HTTPError) StatusCode() int { return e.Status }

// CodedError is a type-bearing error (ETIMEDOUT, NETWORK_ERROR, ...).
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *CodedError) ErrorType() string { return e.Code }

// Retryable classifies an error under the config. Custom IsRetryable wins;
// otherwise status codes and error types are matched; context deadline
// expiry counts as TIMEOUT.
func (c Config) Retryable(err error) bool {
	if err == nil {
		return false
	}
	cfg := c.normalized()

	if cfg.IsRetryable != nil {
		return cfg.IsRetryable(err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		for _, code := range cfg.RetryableStatusCodes {
			if sc.StatusCode() == code {
				return true
			}
		}
		return false
	}

	errType := ""
	var te TypedError
	switch {
	case errors.As(err, &te):
		errType = te.ErrorType()
	case errors.Is(err, context.DeadlineExceeded):
		errType = "TIMEOUT"
	}
	if errType != "" {
		for _, t := range cfg.RetryableErrorTypes {
			if errType == t {
				return true
			}
		}
	}
	return false
}

// Outcome reports what the loop did.
type Outcome struct {
	Attempts int
	Elapsed  time.Duration
	// BudgetExhausted is set when the loop stopped because TotalBudget ran
	// out rather than because retries were spent.
	BudgetExhausted bool
}

// Do runs op with retries. Each attempt gets attemptTimeout (0 = unbounded
// within ctx). The loop stops when MaxRetries is reached, the budget is
// exhausted, the error is not retryable, or ctx is done.
func Do(ctx context.Context, cfg Config, attemptTimeout time.Duration, op func(context.Context) error) (Outcome, error) {
	start := time.Now()
	outcome := Outcome{}

	var err error
	for attempt := 0; ; attempt++ {
		outcome.Attempts = attempt + 1

		attemptCtx := ctx
		var cancel context.CancelFunc
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		err = op(attemptCtx)
		if cancel != nil {
			cancel()
		}

		outcome.Elapsed = time.Since(start)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil {
			return outcome, err
		}
		if attempt >= cfg.MaxRetries || !cfg.Retryable(err) {
			return outcome, err
		}

		delay := cfg.Delay(attempt)
		if cfg.TotalBudget > 0 && time.Since(start)+delay >= cfg.TotalBudget {
			outcome.BudgetExhausted = true
			return outcome, err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			outcome.Elapsed = time.Since(start)
			return outcome, err
		}
	}
}
