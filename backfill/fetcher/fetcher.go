// Package fetcher executes single adapter calls with bounded retries, exponential backoff and
// per-provider pacing, so that the orchestrator can branch on classified outcomes instead of
// inferring intent from empty slices.
package fetcher

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/marianogappa/candle-backfill/backfill/common"
	"github.com/marianogappa/candle-backfill/backfill/metrics"
)

// Policy parameterizes one logical fetch: retry count, backoff shape and pacing.
type Policy struct {
	// MaxRetries is the total number of attempts for one logical call.
	MaxRetries int `yaml:"max_retries"`

	// BaseBackoff is the sleep after the first throttled attempt; it doubles per attempt.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// InterCallDelay is the minimum gap between successive calls against the same provider.
	InterCallDelay time.Duration `yaml:"inter_call_delay"`

	// Jitter is the uniform fraction applied to each backoff wait, e.g. 0.2 for ±20%. Pacing
	// waits are not jittered.
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the free-tier-friendly defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseBackoff:    5 * time.Second,
		MaxBackoff:     60 * time.Second,
		InterCallDelay: 1 * time.Second,
		Jitter:         0.2,
	}
}

// UnmarshalYAML decodes durations from their time.ParseDuration form, e.g. "5s".
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	aux := struct {
		MaxRetries     int     `yaml:"max_retries"`
		BaseBackoff    string  `yaml:"base_backoff"`
		MaxBackoff     string  `yaml:"max_backoff"`
		InterCallDelay string  `yaml:"inter_call_delay"`
		Jitter         float64 `yaml:"jitter"`
	}{}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	p.MaxRetries = aux.MaxRetries
	p.Jitter = aux.Jitter
	for _, field := range []struct {
		raw string
		dst *time.Duration
	}{
		{aux.BaseBackoff, &p.BaseBackoff},
		{aux.MaxBackoff, &p.MaxBackoff},
		{aux.InterCallDelay, &p.InterCallDelay},
	} {
		if field.raw == "" {
			continue
		}
		d, err := time.ParseDuration(field.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", field.raw, err)
		}
		*field.dst = d
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.InterCallDelay <= 0 {
		p.InterCallDelay = d.InterCallDelay
	}
	return p
}

// Fetcher invokes adapters politely. Pacing and breaker state are keyed by provider name;
// retry/backoff state lives only inside one Invoke call.
type Fetcher struct {
	mu       sync.Mutex
	pacers   map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *metrics.Metrics

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New constructs a Fetcher.
func New(options ...func(*Fetcher)) *Fetcher {
	f := &Fetcher{
		pacers:    map[string]*rate.Limiter{},
		breakers:  map[string]*gobreaker.CircuitBreaker{},
		sleepFunc: sleepContext,
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// WithMetrics wires prometheus instrumentation into the fetcher.
func WithMetrics(m *metrics.Metrics) func(*Fetcher) {
	return func(f *Fetcher) { f.metrics = m }
}

// WithSleepFunc overrides how the fetcher waits between attempts. Tests use it to make backoff
// instantaneous while still asserting the requested durations.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) func(*Fetcher) {
	return func(f *Fetcher) { f.sleepFunc = fn }
}

// Invoke executes one logical adapter call under the given policy.
//
// On ok or empty outcomes it returns immediately; the next call against the same provider is
// paced at least policy.InterCallDelay later. On rate_limited outcomes it backs off
// exponentially with jitter and retries up to policy.MaxRetries attempts, then returns the last
// outcome. Terminal errors return without retry. Repeated throttling exhaustion opens the
// provider's circuit breaker, after which calls short-circuit until the breaker's timeout.
func (f *Fetcher) Invoke(ctx context.Context, adapter common.Adapter, req common.FetchRequest, policy Policy) common.FetchResult {
	policy = policy.withDefaults()
	provider := adapter.Name()
	start := time.Now()

	raw, err := f.breaker(provider).Execute(func() (interface{}, error) {
		res := f.invokeWithRetries(ctx, adapter, req, policy)
		if res.Outcome == common.OutcomeRateLimited {
			return res, res.Err
		}
		return res, nil
	})

	var res common.FetchResult
	switch {
	case raw != nil:
		res = raw.(common.FetchResult)
	case err != nil:
		// The breaker rejected the call before the adapter ran.
		res = common.FetchResult{
			Source:  provider,
			Outcome: common.OutcomeTerminalError,
			Err:     fmt.Errorf("%w: %v", common.ErrCircuitOpen, err),
		}
	}

	res.Latency = time.Since(start)
	f.metrics.ObserveAPICall(provider, res.Outcome.String())
	return res
}

func (f *Fetcher) invokeWithRetries(ctx context.Context, adapter common.Adapter, req common.FetchRequest, policy Policy) common.FetchResult {
	provider := adapter.Name()
	rateLimitEvents := 0

	var res common.FetchResult
	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if err := f.pacer(provider, policy.InterCallDelay).Wait(ctx); err != nil {
			return common.FetchResult{Source: provider, Outcome: common.OutcomeRateLimited, Err: err, RateLimitEvents: rateLimitEvents}
		}

		res = adapter.Fetch(ctx, req)
		res.RateLimitEvents = rateLimitEvents
		if res.Outcome != common.OutcomeRateLimited {
			return res
		}

		rateLimitEvents++
		res.RateLimitEvents = rateLimitEvents
		if attempt == policy.MaxRetries-1 {
			break
		}

		wait := backoff(policy, attempt)
		f.metrics.ObserveRateLimit(provider, wait)
		log.Warn().
			Str("provider", provider).
			Str("symbol", req.Symbol).
			Str("timeframe", string(req.Timeframe)).
			Dur("backoff", wait).
			Int("attempts_left", policy.MaxRetries-attempt-1).
			Msgf("Rate limited, backing off: %v", res.Err)
		if err := f.sleepFunc(ctx, wait); err != nil {
			res.Err = err
			return res
		}
	}
	f.metrics.ObserveRateLimit(provider, 0)
	return res
}

// backoff computes min(base · 2^attempt, max) with uniform ±jitter applied.
func backoff(policy Policy, attempt int) time.Duration {
	wait := policy.BaseBackoff << uint(attempt)
	if wait > policy.MaxBackoff || wait <= 0 {
		wait = policy.MaxBackoff
	}
	if policy.Jitter > 0 {
		spread := 1 - policy.Jitter + 2*policy.Jitter*rand.Float64()
		wait = time.Duration(float64(wait) * spread)
	}
	return wait
}

func (f *Fetcher) pacer(provider string, delay time.Duration) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	pacer, ok := f.pacers[provider]
	if !ok {
		pacer = rate.NewLimiter(rate.Every(delay), 1)
		f.pacers[provider] = pacer
	} else if limit := rate.Every(delay); pacer.Limit() != limit {
		// The pacer follows the current policy, so a config change takes effect immediately.
		pacer.SetLimit(limit)
	}
	return pacer
}

func (f *Fetcher) breaker(provider string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    provider,
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	f.breakers[provider] = cb
	return cb
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
