package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCircuitOpen is returned while the circuit breaker is open and
// calls are shed without reaching the provider.
var ErrCircuitOpen = errors.New("embedding: circuit breaker open")

// ResilientOptions configure the Resilient decorator.
type ResilientOptions struct {
	// Timeout bounds each provider call.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialInterval seeds the exponential backoff between retries.
	InitialInterval time.Duration
	// FailureThreshold is the number of consecutive failures that
	// opens the circuit.
	FailureThreshold int
	// CooldownPeriod is how long the circuit stays open before a
	// half-open probe is allowed.
	CooldownPeriod time.Duration
}

// DefaultResilientOptions returns conservative defaults.
func DefaultResilientOptions() ResilientOptions {
	return ResilientOptions{
		Timeout:          10 * time.Second,
		MaxRetries:       3,
		InitialInterval:  200 * time.Millisecond,
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Resilient wraps an Embedder with per-call timeouts, exponential
// backoff retries, and a circuit breaker. A provider outage degrades
// into fast ErrCircuitOpen failures instead of piling up blocked
// callers.
type Resilient struct {
	inner Embedder
	opts  ResilientOptions

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewResilient decorates inner.
func NewResilient(inner Embedder, optFns ...func(o *ResilientOptions)) *Resilient {
	opts := DefaultResilientOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Resilient{inner: inner, opts: opts, now: time.Now}
}

// EmbedQuery implements Embedder.
func (r *Resilient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.inner.EmbedQuery(ctx, text)
		return err
	})
	return out, err
}

// EmbedDocuments implements Embedder.
func (r *Resilient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.inner.EmbedDocuments(ctx, texts)
		return err
	})
	return out, err
}

func (r *Resilient) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := r.admit(); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.opts.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, r.opts.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		callCtx := ctx
		if r.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()
		}
		if err := fn(callCtx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}, policy)

	r.record(err)
	if err != nil {
		return fmt.Errorf("embedding: provider call failed: %w", err)
	}
	return nil
}

// admit checks the circuit before a call. In the open state calls are
// rejected until the cooldown elapses; then exactly one probe call is
// let through (half-open).
func (r *Resilient) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case circuitClosed:
		return nil
	case circuitOpen:
		if r.now().Sub(r.openedAt) < r.opts.CooldownPeriod {
			return ErrCircuitOpen
		}
		r.state = circuitHalfOpen
		return nil
	default: // half-open, a probe is already in flight
		return ErrCircuitOpen
	}
}

func (r *Resilient) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err == nil {
		r.state = circuitClosed
		r.failures = 0
		return
	}
	if r.state == circuitHalfOpen {
		r.state = circuitOpen
		r.openedAt = r.now()
		return
	}
	r.failures++
	if r.failures >= r.opts.FailureThreshold {
		r.state = circuitOpen
		r.openedAt = r.now()
	}
}
