// Package backoffx implements C11: exponential delay with a hard cap and
// symmetric jitter, plus a success-reset counter. Grounded directly on
// spec §4.11 and §8's boundary-behavior properties, which require a pure
// delay() query independent of wait()'s state mutation — a shape that
// does not map onto github.com/cenkalti/backoff/v5's BackOff interface,
// whose NextBackOff both computes and advances state in one call with no
// way to peek the current delay. That coupling is the reason this package
// hand-rolls the formula on math/rand/v2 rather than wrapping the library
// (see DESIGN.md for the full justification).
package backoffx

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds the tunables spec §4.11 names.
type Config struct {
	BaseMs  float64
	MaxMs   float64
	Factor  float64
	Jitter  float64 // in [0, 1]
}

// DefaultConfig mirrors the CLI adapter timeout tier from spec §5: a
// 30s-ish base retry window is too large for ordinary reconnects, so
// these defaults favor a responsive first retry instead.
var DefaultConfig = Config{BaseMs: 250, MaxMs: 30_000, Factor: 2, Jitter: 0.2}

// Backoff tracks a consecutive-failure counter against a Config.
type Backoff struct {
	cfg      Config
	failures int
}

// New builds a Backoff from cfg.
func New(cfg Config) *Backoff {
	return &Backoff{cfg: cfg}
}

// Delay returns the current backoff duration for the present failure
// count, without mutating state: min(baseMs * factor^failures, maxMs) *
// (1 + Uniform(-jitter, +jitter)).
func (b *Backoff) Delay() time.Duration {
	raw := b.cfg.BaseMs * math.Pow(b.cfg.Factor, float64(b.failures))
	if raw > b.cfg.MaxMs {
		raw = b.cfg.MaxMs
	}
	jittered := raw
	if b.cfg.Jitter > 0 {
		// rand.Float64() is uniform on [0,1); map to [-jitter, +jitter].
		spread := (rand.Float64()*2 - 1) * b.cfg.Jitter
		jittered = raw * (1 + spread)
	}
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Millisecond))
}

// Wait sleeps for Delay() (observing ctx cancellation) and then increments
// the failure counter. Returns ctx.Err() if cancelled mid-sleep.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.Delay()
	b.failures++
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Succeed resets the failure counter to zero.
func (b *Backoff) Succeed() {
	b.failures = 0
}

// Failures reports the current consecutive-failure count, for tests and
// diagnostics.
func (b *Backoff) Failures() int { return b.failures }
