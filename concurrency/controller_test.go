package concurrency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewInitialCapBySizeClass(t *testing.T) {
	small := New(SizeSmall, WithBounds(1, 16))
	require.Equal(t, 16, small.Cap())

	large := New(SizeLarge, WithBounds(1, 16))
	require.Equal(t, 2, large.Cap())
}

func TestAcquireRelease(t *testing.T) {
	c := New(SizeMedium, WithFixedCap(2))
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx))
	require.NoError(t, c.Acquire(ctx))

	acquired := make(chan struct{})
	go func() {
		_ = c.Acquire(ctx)
		close(acquired)
	}()

	c.Release()
	<-acquired
}

func TestFixedCapIgnoresThroughputSamples(t *testing.T) {
	c := New(SizeMedium, WithFixedCap(4))
	for i := 0; i < 20; i++ {
		c.RecordThroughput(float64(i) * 1e6)
	}
	require.Equal(t, 4, c.Cap())
}

func TestControllerIncreasesOnUpwardTrend(t *testing.T) {
	var last Adjustment
	c := New(SizeMedium, WithBounds(1, 8), WithWindow(10, 3), WithThresholds(0.01, 0.5), WithListener(func(a Adjustment) { last = a }))
	start := c.Cap()
	for i := 0; i < 6; i++ {
		c.RecordThroughput(float64(i+1) * 10e6) // strictly increasing throughput
	}
	require.Greater(t, c.Cap(), start)
	require.Equal(t, ReasonIncreaseTrend, last.Reason)
}

func TestControllerDecreasesOnDownwardTrend(t *testing.T) {
	c := New(SizeMedium, WithBounds(1, 8), WithWindow(3, 3), WithThresholds(0.01, 0.5))
	// Force cap above min first.
	for i := 0; i < 6; i++ {
		c.RecordThroughput(float64(i+1) * 10e6)
	}
	before := c.Cap()
	for i := 0; i < 6; i++ {
		c.RecordThroughput(float64(10-i) * 10e6) // strictly decreasing
	}
	require.Less(t, c.Cap(), before)
}

func TestFitLinearRegressionFlat(t *testing.T) {
	history := []sample{{bytes: 100}, {bytes: 100}, {bytes: 100}}
	slope, r2 := fitLinearRegression(history)
	require.Zero(t, slope)
	require.Zero(t, r2)
}

func TestFitLinearRegressionPerfectTrend(t *testing.T) {
	history := []sample{{bytes: 0}, {bytes: 10}, {bytes: 20}, {bytes: 30}}
	slope, r2 := fitLinearRegression(history)
	require.InDelta(t, 10, slope, 0.001)
	require.InDelta(t, 1.0, r2, 0.001)
}
