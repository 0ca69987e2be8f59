package extraction

import (
	"math/rand/v2"
	"strings"
	"time"
)

// Backoff returns how long to wait after the given failed attempt (1-based)
type Backoff func(attempt int) time.Duration

// Linear waits step * attempt
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// MaxBackoff bounds the exponential part of ExponentialJitter
const MaxBackoff = 10 * time.Minute

// ExponentialJitter waits base * 2^(attempt-1), capped at MaxBackoff, plus
// up to maxJitter of noise
func ExponentialJitter(base, maxJitter time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		var d time.Duration
		switch shift := attempt - 1; {
		case base <= 0:
		case shift < 62 && base <= MaxBackoff>>shift:
			d = base << shift
		default:
			d = MaxBackoff
		}
		if maxJitter > 0 {
			d += time.Duration(rand.Int64N(int64(maxJitter)))
		}
		return d
	}
}

// RetryPolicy bounds attempts and picks a backoff per error class
type RetryPolicy struct {
	MaxRetries int
	Transient  Backoff
	Quota      Backoff
}

// DefaultRetryPolicy allows five attempts, waiting 2s*n after transient
// failures and 2s*2^(n-1) plus up to 1s jitter after quota failures
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Transient:  Linear(2 * time.Second),
		Quota:      ExponentialJitter(2*time.Second, time.Second),
	}
}

var quotaMarkers = []string{
	"quota",
	"rate limit",
	"resource exhausted",
	"resource_exhausted",
	"too many requests",
	"429",
}

// IsQuotaError reports whether err signals the shared model budget is spent
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// backoffFor picks the wait after a failed attempt
func (p RetryPolicy) backoffFor(attempt int, err error) time.Duration {
	if IsQuotaError(err) {
		return p.Quota(attempt)
	}
	return p.Transient(attempt)
}
