package asr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fmueller/voxscribe/internal/audio"
	"github.com/fmueller/voxscribe/internal/faults"
	"github.com/fmueller/voxscribe/internal/transcript"
	"go.uber.org/zap"
)

const (
	ReasonMaxRetries = "max_retries_exceeded"
	reasonProvider   = "provider_error"
)

type RetryPolicy struct {
	MaxAttempts int
	// Step is multiplied by the attempt number to get the delay before the
	// next attempt.
	Step time.Duration
	// MaxDelay caps every wait, including one requested by Retry-After.
	MaxDelay time.Duration
}

const defaultMaxDelay = time.Minute

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, Step: 2 * time.Second, MaxDelay: defaultMaxDelay}
}

func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	d := time.Duration(attempt) * p.Step
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > d {
		d = statusErr.RetryAfter
	}
	return min(d, p.MaxDelay)
}

// ChunkTranscriber runs one chunk through an Engine, retrying rate limits and
// transport failures.
type ChunkTranscriber struct {
	engine Engine
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewChunkTranscriber(engine Engine, policy RetryPolicy, logger *zap.Logger) *ChunkTranscriber {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkTranscriber{
		engine: engine,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
	}
}

func (c *ChunkTranscriber) Engine() Engine {
	return c.engine
}

// Transcribe never returns an error; failures are reported through the
// returned part so the caller can decide how to treat them.
func (c *ChunkTranscriber) Transcribe(ctx context.Context, chunk audio.Chunk, language string) transcript.Part {
	part := transcript.Part{Index: chunk.Index}
	if chunk.Silent {
		part.OK = true
		return part
	}

	req := Request{Audio: chunk.Data, FileName: chunk.FileName, Language: language}

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		text, err := c.engine.Transcribe(ctx, req)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("chunk transcribed after retry", zap.Int("chunk", chunk.Index), zap.Int("attempt", attempt))
			}
			part.OK = true
			part.Text = text
			return part
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(part, "canceled", ctxErr)
		}
		if !retryable(err) {
			c.logger.Warn("chunk transcription failed", zap.Int("chunk", chunk.Index), zap.String("engine", c.engine.Name()), zap.Error(err))
			return failed(part, fmt.Sprintf("%s: %s", reasonProvider, err), fmt.Errorf("%w: %w", faults.ErrProvider, err))
		}
		if attempt == c.policy.MaxAttempts {
			break
		}

		wait := c.policy.delay(attempt, err)
		c.logger.Warn("retrying chunk transcription",
			zap.Int("chunk", chunk.Index),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return failed(part, "canceled", err)
		}
	}

	c.logger.Warn("chunk transcription gave up", zap.Int("chunk", chunk.Index), zap.Int("attempts", c.policy.MaxAttempts), zap.Error(lastErr))
	cause := lastErr
	if isRateLimited(lastErr) {
		cause = fmt.Errorf("%w: %w", faults.ErrRateLimited, lastErr)
	}
	return failed(part, ReasonMaxRetries, fmt.Errorf("%w after %d attempts: %w", faults.ErrMaxRetriesExceeded, c.policy.MaxAttempts, cause))
}

func failed(part transcript.Part, reason string, err error) transcript.Part {
	part.OK = false
	part.Reason = reason
	part.Err = err
	return part
}

func retryable(err error) bool {
	return isRateLimited(err) || errors.Is(err, ErrTransport)
}

func isRateLimited(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.RateLimited()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
