// Package retry decides what happens to an item after a delivery attempt.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/kimhsiao/supportsync/internal/config"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/models"
)

// maxExponent caps 2^retryCount in Backoff.
const maxExponent = 30

// Kind is the delivery error class.
type Kind int

const (
	KindRetryable Kind = iota
	KindTerminal
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	default:
		return "retryable"
	}
}

// Classify maps an adapter error onto a Kind. Only errors marked with
// errors.Terminal are terminal; timeouts and unmarked errors are retryable.
func Classify(err error) Kind {
	switch {
	case err != nil && apperrors.Is(err, apperrors.ErrTerminal):
		return KindTerminal
	default:
		return KindRetryable
	}
}

// Decision is the status change to apply after an attempt.
type Decision struct {
	Status      models.Status
	NextRetryAt *time.Time
	Error       string
	Kind        Kind
	Exhausted   bool // retry budget ran out
}

// Scheduler computes backoff delays and post-attempt decisions.
type Scheduler struct {
	maxAttempts int
	base        time.Duration
	jitter      time.Duration
	randN       func(n int64) int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRand replaces the jitter source. fn must return a value in [0, n).
func WithRand(fn func(n int64) int64) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.randN = fn
		}
	}
}

// New creates a Scheduler.
func New(maxAttempts int, base, jitter time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		maxAttempts: maxAttempts,
		base:        base,
		jitter:      jitter,
		randN:       rand.Int63n,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FromConfig creates a Scheduler from the queue configuration.
func FromConfig(cfg *config.QueueConfig, opts ...Option) *Scheduler {
	return New(cfg.MaxRetryAttempts, cfg.RetryBackoff(), cfg.RetryJitter(), opts...)
}

// MaxAttempts returns the delivery attempt budget per item.
func (s *Scheduler) MaxAttempts() int {
	return s.maxAttempts
}

// ExpectedBackoff is the jitter-free delay: base * 2^retryCount.
func (s *Scheduler) ExpectedBackoff(retryCount int) time.Duration {
	exp := retryCount
	if exp < 0 {
		exp = 0
	}
	if exp > maxExponent {
		exp = maxExponent
	}
	if s.base > time.Duration(math.MaxInt64>>exp) {
		return time.Duration(math.MaxInt64)
	}
	return s.base << exp
}

// Backoff is ExpectedBackoff plus a uniform random jitter in [0, jitter).
func (s *Scheduler) Backoff(retryCount int) time.Duration {
	d := s.ExpectedBackoff(retryCount)
	if s.jitter > 0 {
		j := time.Duration(s.randN(int64(s.jitter)))
		if d > time.Duration(math.MaxInt64)-j {
			return time.Duration(math.MaxInt64)
		}
		d += j
	}
	return d
}

// OnFailure decides the next status of item after err. The delay uses the
// retry count before this failure is counted.
func (s *Scheduler) OnFailure(item *models.QueueItem, err error, now time.Time) Decision {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	kind := Classify(err)
	switch kind {
	case KindTerminal:
		return Decision{Status: models.StatusFailed, Error: msg, Kind: kind}
	default:
		if item.RetryCount+1 >= s.maxAttempts {
			exhausted := apperrors.Wrap(apperrors.ErrMaxRetriesExceeded,
				fmt.Sprintf("gave up after %d attempts", item.RetryCount+1), err)
			return Decision{Status: models.StatusFailed, Error: exhausted.Error(), Kind: kind, Exhausted: true}
		}
		next := now.Add(s.Backoff(item.RetryCount)).UTC()
		return Decision{Status: models.StatusRetrying, NextRetryAt: &next, Error: msg, Kind: kind}
	}
}

// OnSuccess returns the decision for a delivered item.
func (s *Scheduler) OnSuccess() Decision {
	return Decision{Status: models.StatusCompleted}
}

// Eligible reports whether item may be attempted at now.
func (s *Scheduler) Eligible(item *models.QueueItem, now time.Time) bool {
	return item.Type.Deliverable() && item.Eligible(now)
}
