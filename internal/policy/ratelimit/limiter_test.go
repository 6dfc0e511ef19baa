package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacerUnlimitedByDefault(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Wait(ctx))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPacerThrottles(t *testing.T) {
	t.Parallel()

	// 20 qps with burst 1: the second wait needs a fresh token.
	p := New(Config{QueriesPerSecond: 20, Burst: 1})
	ctx := context.Background()

	require.NoError(t, p.Wait(ctx))
	start := time.Now()
	require.NoError(t, p.Wait(ctx))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPacerRespectsContext(t *testing.T) {
	t.Parallel()

	p := New(Config{QueriesPerSecond: 0.01, Burst: 1})
	ctx := context.Background()
	require.NoError(t, p.Wait(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err := p.Wait(shortCtx)
	require.Error(t, err)
}
