package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Sleeper waits for d or until ctx ends
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Extractor turns one unit into a Result, retrying failed model calls
type Extractor struct {
	model   Model
	limiter Limiter
	policy  RetryPolicy
	sleep   Sleeper
}

// NewExtractor creates an Extractor that waits on the wall clock between retries
func NewExtractor(model Model, limiter Limiter, policy RetryPolicy) *Extractor {
	return NewExtractorWithSleeper(model, limiter, policy, sleepContext)
}

// NewExtractorWithSleeper creates an Extractor with a custom sleeper for testing
func NewExtractorWithSleeper(model Model, limiter Limiter, policy RetryPolicy, sleep Sleeper) *Extractor {
	defaults := DefaultRetryPolicy()
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = defaults.MaxRetries
	}
	if policy.Transient == nil {
		policy.Transient = defaults.Transient
	}
	if policy.Quota == nil {
		policy.Quota = defaults.Quota
	}
	return &Extractor{
		model:   model,
		limiter: limiter,
		policy:  policy,
		sleep:   sleep,
	}
}

// Attempt extracts spec from unit. It returns nil once every attempt has
// failed; the failure is logged, never raised.
func (e *Extractor) Attempt(ctx context.Context, unit Unit, spec FieldSpec) *Result {
	prompt := RenderPrompt(spec)

	for attempt := 1; attempt <= e.policy.MaxRetries; attempt++ {
		result, err := e.try(ctx, unit, spec, prompt)
		if err == nil {
			slog.Info("Extracted unit",
				"job_id", unit.JobID,
				"file", unit.SourceFile,
				"page", unit.Page,
				"attempt", attempt,
				"overall_confidence", result.OverallConfidence,
			)
			return result
		}

		quota := IsQuotaError(err)
		slog.Warn("Extraction attempt failed",
			"job_id", unit.JobID,
			"file", unit.SourceFile,
			"page", unit.Page,
			"attempt", attempt,
			"max_retries", e.policy.MaxRetries,
			"quota", quota,
			"error", err,
		)

		if ctx.Err() != nil || attempt == e.policy.MaxRetries {
			break
		}
		if err := e.sleep(ctx, e.policy.backoffFor(attempt, err)); err != nil {
			break
		}
	}

	slog.Error("Giving up on unit",
		"job_id", unit.JobID,
		"file", unit.SourceFile,
		"page", unit.Page,
	)
	return nil
}

// try makes one rate-limited model call and normalizes the answer
func (e *Extractor) try(ctx context.Context, unit Unit, spec FieldSpec, prompt string) (*Result, error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	text, err := e.model.Extract(ctx, unit.Image, prompt)
	if err != nil {
		return nil, fmt.Errorf("calling model: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyResponse
	}

	parsed, err := decodeResponse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	n := normalize(spec, parsed)
	return &Result{
		SourceFile:        unit.SourceFile,
		Page:              unit.Page,
		Values:            n.values,
		Confidence:        n.confidence,
		Clarity:           n.clarity,
		OverallConfidence: n.overall,
		Image:             unit.Image,
	}, nil
}
