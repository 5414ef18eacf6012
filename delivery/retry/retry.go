package retry

import (
	"math"
	mrand "math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultBaseDelay is the default backoff base, expressed in delay units.
	DefaultBaseDelay = 2 * time.Minute
	// DefaultMaxJitterPercentage is the default upper bound for proportional jitter.
	DefaultMaxJitterPercentage = 0.3
	// DefaultMaxExponent caps the backoff exponent so delays stay finite for
	// bases greater than two, even when computed past the retry budget.
	DefaultMaxExponent = 10

	// minDelay is the floor applied after jitter so NextDelay never returns
	// a zero or negative duration.
	minDelay = time.Second
)

// Context carries everything a strategy needs to make a retry decision.
// It is a pure value, constructed per evaluation and never persisted.
type Context struct {
	CorrelationID     string
	CurrentRetryCount int
	MaxRetryAttempts  int
}

// Strategy decides whether a failed message should be retried and how long
// to wait before the next attempt. Implementations must be safe for
// concurrent callers and must never return a zero or negative delay.
type Strategy interface {
	ShouldRetry(ctx Context) bool
	NextDelay(ctx Context) time.Duration
}

// PowerStrategy computes delays as base^(attempt+1) delay units. With the
// default two-minute base this yields 2m, 4m, 8m... Unlike the common
// base*2^n form, the configured base itself is the growth factor, so a
// three-unit base grows as 3, 9, 27.
//
// When jitter is enabled the delay is scaled by 1 + U(0, maxJitterPercentage)
// to avoid synchronized retry storms.
type PowerStrategy struct {
	baseDelay           time.Duration
	unit                time.Duration
	useJitter           bool
	maxJitterPercentage float64
	maxExponent         int

	randMu sync.Mutex
	rand   *mrand.Rand
}

var _ Strategy = (*PowerStrategy)(nil)

// Option mutates strategy configuration at construction.
type Option func(*PowerStrategy)

// WithBaseDelay sets the backoff base. Interpreted in delay units: a base of
// two minutes with the default minute unit means a growth factor of two.
func WithBaseDelay(base time.Duration) Option {
	return func(strategy *PowerStrategy) {
		if base > 0 {
			strategy.baseDelay = base
		}
	}
}

// WithUnit sets the duration unit the base is expressed in.
func WithUnit(unit time.Duration) Option {
	return func(strategy *PowerStrategy) {
		if unit > 0 {
			strategy.unit = unit
		}
	}
}

// WithJitter toggles proportional jitter.
func WithJitter(enabled bool) Option {
	return func(strategy *PowerStrategy) {
		strategy.useJitter = enabled
	}
}

// WithMaxJitterPercentage sets the jitter upper bound as a fraction of the
// computed delay.
func WithMaxJitterPercentage(maxJitter float64) Option {
	return func(strategy *PowerStrategy) {
		if maxJitter > 0 {
			strategy.maxJitterPercentage = maxJitter
		}
	}
}

// WithMaxExponent caps the exponent used in the power computation.
func WithMaxExponent(maxExponent int) Option {
	return func(strategy *PowerStrategy) {
		if maxExponent > 0 {
			strategy.maxExponent = maxExponent
		}
	}
}

// WithRandSource injects a seedable random source so jitter is reproducible
// in tests. The source is guarded by a mutex, so the strategy remains safe
// for concurrent callers.
func WithRandSource(src mrand.Source) Option {
	return func(strategy *PowerStrategy) {
		if src != nil {
			strategy.rand = mrand.New(src)
		}
	}
}

// NewPowerStrategy creates a power-growth retry strategy with jitter enabled
// by default.
func NewPowerStrategy(opts ...Option) *PowerStrategy {
	strategy := &PowerStrategy{
		baseDelay:           DefaultBaseDelay,
		unit:                time.Minute,
		useJitter:           true,
		maxJitterPercentage: DefaultMaxJitterPercentage,
		maxExponent:         DefaultMaxExponent,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(strategy)
		}
	}

	return strategy
}

// ShouldRetry reports whether the message still has retry budget. It has no
// side effects.
func (strategy *PowerStrategy) ShouldRetry(ctx Context) bool {
	if strategy == nil {
		return false
	}

	return ctx.CurrentRetryCount < ctx.MaxRetryAttempts
}

// NextDelay computes the delay before the next attempt. It does not enforce
// the retry budget; callers must check ShouldRetry first. Delays past the
// budget are still computed so they can be reported for diagnostics.
func (strategy *PowerStrategy) NextDelay(ctx Context) time.Duration {
	if strategy == nil {
		return minDelay
	}

	exponent := ctx.CurrentRetryCount + 1
	if exponent < 1 {
		exponent = 1
	}

	if exponent > strategy.maxExponent {
		exponent = strategy.maxExponent
	}

	baseUnits := float64(strategy.baseDelay) / float64(strategy.unit)
	delayUnits := math.Pow(baseUnits, float64(exponent))

	delay := scaleDuration(strategy.unit, delayUnits)

	if strategy.useJitter {
		delay = scaleDuration(delay, 1+strategy.jitterFraction())
	}

	if delay < minDelay {
		return minDelay
	}

	return delay
}

func (strategy *PowerStrategy) jitterFraction() float64 {
	if strategy.rand == nil {
		return mrand.Float64() * strategy.maxJitterPercentage
	}

	strategy.randMu.Lock()
	defer strategy.randMu.Unlock()

	return strategy.rand.Float64() * strategy.maxJitterPercentage
}

func scaleDuration(unit time.Duration, factor float64) time.Duration {
	scaled := float64(unit) * factor
	if scaled >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}

	if scaled <= 0 {
		return 0
	}

	return time.Duration(scaled)
}
