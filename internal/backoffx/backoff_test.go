package backoffx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorai/bridge/internal/backoffx"
)

func TestDelayNoJitterMatchesBase(t *testing.T) {
	b := backoffx.New(backoffx.Config{BaseMs: 250, MaxMs: 30_000, Factor: 2, Jitter: 0})
	assert.Equal(t, 250*time.Millisecond, b.Delay())
}

func TestDelayIsPureUntilWait(t *testing.T) {
	b := backoffx.New(backoffx.Config{BaseMs: 100, MaxMs: 30_000, Factor: 2, Jitter: 0})
	first := b.Delay()
	second := b.Delay()
	assert.Equal(t, first, second, "Delay must not mutate state")
	assert.Equal(t, 0, b.Failures())
}

func TestDelayGrowsExponentiallyAndCaps(t *testing.T) {
	b := backoffx.New(backoffx.Config{BaseMs: 100, MaxMs: 1000, Factor: 2, Jitter: 0})
	ctx := context.Background()

	assert.Equal(t, 100*time.Millisecond, b.Delay())
	require.NoError(t, waitZero(ctx, b))
	assert.Equal(t, 200*time.Millisecond, b.Delay())
	require.NoError(t, waitZero(ctx, b))
	assert.Equal(t, 400*time.Millisecond, b.Delay())
	require.NoError(t, waitZero(ctx, b))
	assert.Equal(t, 800*time.Millisecond, b.Delay())
	require.NoError(t, waitZero(ctx, b))
	// 100*2^4 = 1600, capped at 1000.
	assert.Equal(t, 1000*time.Millisecond, b.Delay())
}

// waitZero advances the failure counter without actually sleeping by
// driving Wait with an already-cancelled context — Wait still increments
// failures before selecting, so this is a fast way to exercise the
// increment without a real timer.
func waitZero(parent context.Context, b *backoffx.Backoff) error {
	ctx, cancel := context.WithCancel(parent)
	cancel()
	err := b.Wait(ctx)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func TestJitterStaysWithinBounds(t *testing.T) {
	b := backoffx.New(backoffx.Config{BaseMs: 1000, MaxMs: 30_000, Factor: 1, Jitter: 0.2})
	for i := 0; i < 50; i++ {
		d := b.Delay()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestSucceedResetsFailures(t *testing.T) {
	b := backoffx.New(backoffx.DefaultConfig)
	_ = b.Wait(context.Background())
	_ = b.Wait(context.Background())
	require.Equal(t, 2, b.Failures())
	b.Succeed()
	assert.Equal(t, 0, b.Failures())
}

func TestWaitRespectsCancellation(t *testing.T) {
	b := backoffx.New(backoffx.Config{BaseMs: 10_000, MaxMs: 30_000, Factor: 1, Jitter: 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, b.Failures(), "Wait increments the counter even when cancelled")
}
