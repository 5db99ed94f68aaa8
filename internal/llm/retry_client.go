package llm

import (
	"context"
	"errors"
	"time"

	"vibe/internal/shared/logging"
	"vibe/internal/verr"
)

// retryClient wraps a Client with bounded exponential-backoff retries.
type retryClient struct {
	underlying Client
	config     verr.RetryConfig
	logger     logging.Logger
}

// NewRetryClient wraps client so transient provider failures are retried
// before they surface to the decomposition engine.
func NewRetryClient(client Client, config verr.RetryConfig) Client {
	return &retryClient{
		underlying: client,
		config:     config,
		logger:     logging.NewLLMLogger("llm-retry"),
	}
}

func (c *retryClient) Complete(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	text, err := verr.RetryWithResult(ctx, c.config, func(ctx context.Context) (string, error) {
		out, err := c.underlying.Complete(ctx, req)
		if err != nil {
			return "", classify(err)
		}
		return out, nil
	}, c.logger)

	if err != nil {
		c.logger.Warn("LLM request failed after retries (took %v): %v", time.Since(start), err)
		return "", err
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		c.logger.Debug("LLM request succeeded after %v", elapsed)
	}
	return text, nil
}

func (c *retryClient) Model() string {
	return c.underlying.Model()
}

// classify maps provider errors onto the engine taxonomy so the retry loop
// knows what is worth another attempt.
func classify(err error) error {
	if verr.KindOf(err) != verr.KindFatal {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return verr.Wrap(err, verr.KindTimeout, "llm request deadline exceeded")
	case errors.Is(err, context.Canceled):
		return verr.Wrap(err, verr.KindCancelled, "llm request cancelled")
	default:
		// Unclassified provider errors are treated as transient contention.
		return verr.Wrap(err, verr.KindBusy, "llm provider error")
	}
}
