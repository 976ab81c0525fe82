// Package concurrency implements the transfer pipeline's permit-issuing
// controller (spec §4.F): a semaphore whose cap adapts to observed
// throughput via a linear regression over recent samples.
package concurrency

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMin              = 1
	defaultMax              = 32
	defaultWindow           = 30 // K: ring buffer of throughput samples
	defaultRegressionPeriod = 5  // W: samples between regression fits
	defaultSlopeEpsilon     = 0.5 // matches original_source trend_slope_threshold
	defaultConfidence       = 0.3
)

// SampleInterval is the fixed cadence at which callers should feed
// RecordThroughput, per spec §4.F.
const SampleInterval = time.Second

// FileSizeClass selects an initial cap, per spec §4.F ("small files ->
// aggressive, large files -> conservative").
type FileSizeClass int

const (
	SizeSmall FileSizeClass = iota
	SizeMedium
	SizeLarge
)

// AdjustmentReason explains why (or why not) the controller changed its
// cap, carried on the events this package's owner publishes.
type AdjustmentReason string

const (
	ReasonIncreaseTrend AdjustmentReason = "throughput trending up"
	ReasonDecreaseTrend AdjustmentReason = "throughput trending down"
	ReasonLowConfidence AdjustmentReason = "regression confidence too low"
	ReasonAtBound        AdjustmentReason = "cap already at bound"
)

// Adjustment describes one cap change decision, emitted regardless of
// whether the cap actually moved (Reason distinguishes the two).
type Adjustment struct {
	OldCap   int
	NewCap   int
	Slope    float64
	RSquared float64
	Reason   AdjustmentReason
}

// Listener receives cap adjustment notifications. The concurrency
// controller itself has no dependency on the event bus package; the
// pipeline wires a Listener that forwards to events.Bus.
type Listener func(Adjustment)

// sample is one throughput measurement, in bytes/sec, at a point in
// logical sample-sequence order.
type sample struct {
	bytes float64
}

// Controller issues permits to bound the number of concurrent transfer
// tasks, growing or shrinking the cap based on an ordinary-least-squares
// fit over the recent throughput history.
type Controller struct {
	mu       sync.Mutex
	cap      int
	min, max int
	fixed    bool

	window           int
	regressionPeriod int
	sinceRegression  int
	slopeEpsilon     float64
	confidence       float64

	history []sample
	sem     chan struct{}

	listener Listener
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithBounds overrides the [min, max] cap range (defaults 1..32).
func WithBounds(min, max int) Option {
	return func(c *Controller) { c.min, c.max = min, max }
}

// WithFixedCap disables regression-based adjustment and runs as a static
// semaphore at n permits, per spec §4.F "fixed-cap mode".
func WithFixedCap(n int) Option {
	return func(c *Controller) { c.fixed = true; c.cap = n }
}

// WithWindow overrides the ring buffer size K (default 30) and the
// regression period W (default 5).
func WithWindow(k, w int) Option {
	return func(c *Controller) { c.window = k; c.regressionPeriod = w }
}

// WithThresholds overrides the slope epsilon and R² confidence threshold
// used to decide whether a trend is actionable.
func WithThresholds(slopeEpsilon, confidence float64) Option {
	return func(c *Controller) { c.slopeEpsilon = slopeEpsilon; c.confidence = confidence }
}

// WithListener registers a callback invoked on every adjustment decision.
func WithListener(l Listener) Option { return func(c *Controller) { c.listener = l } }

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option { return func(c *Controller) { c.logger = logger } }

// New builds a Controller with an initial cap chosen from sizeClass.
func New(sizeClass FileSizeClass, opts ...Option) *Controller {
	c := &Controller{
		min:              defaultMin,
		max:              defaultMax,
		window:           defaultWindow,
		regressionPeriod: defaultRegressionPeriod,
		slopeEpsilon:     defaultSlopeEpsilon,
		confidence:       defaultConfidence,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.fixed {
		c.cap = initialCap(sizeClass, c.max)
	}
	if c.cap < c.min {
		c.cap = c.min
	}
	if c.cap > c.max {
		c.cap = c.max
	}
	// The channel buffer must hold c.max, not just the initial c.cap:
	// resizeLocked grows the cap later by pushing more permits into this
	// same channel, and a buffer sized to the initial cap would silently
	// drop those pushes once full, capping availability below Cap().
	c.sem = make(chan struct{}, c.max)
	for i := 0; i < c.cap; i++ {
		c.sem <- struct{}{}
	}
	return c
}

func initialCap(class FileSizeClass, max int) int {
	switch class {
	case SizeSmall:
		return max
	case SizeMedium:
		return max / 2
	default:
		return defaultMin + 1
	}
}

func (c *Controller) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Acquire blocks until a permit is available or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	select {
	case <-c.sem:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a permit. It must be called exactly once per
// successful Acquire.
func (c *Controller) Release() {
	select {
	case c.sem <- struct{}{}:
	default:
		// Cap shrank since this permit was issued; drop it rather than
		// block, so the semaphore's buffer size stays in sync with Cap().
	}
}

// Cap returns the current permit cap.
func (c *Controller) Cap() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cap
}

// RecordThroughput feeds one sample (bytes transferred since the last
// call, at the fixed sample cadence) into the ring buffer and, every W
// samples, re-evaluates the cap via linear regression. Fixed-cap
// controllers ignore this entirely.
func (c *Controller) RecordThroughput(bytesPerInterval float64) {
	if c.fixed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, sample{bytes: bytesPerInterval})
	if len(c.history) > c.window {
		c.history = c.history[len(c.history)-c.window:]
	}

	c.sinceRegression++
	if c.sinceRegression < c.regressionPeriod || len(c.history) < 3 {
		return
	}
	c.sinceRegression = 0
	c.adjustLocked()
}

func (c *Controller) adjustLocked() {
	slope, rSquared := fitLinearRegression(c.history)
	old := c.cap
	adj := Adjustment{OldCap: old, NewCap: old, Slope: slope, RSquared: rSquared}

	switch {
	case rSquared < c.confidence:
		adj.Reason = ReasonLowConfidence
	case slope > c.slopeEpsilon:
		if old < c.max {
			adj.NewCap = old + 1
			adj.Reason = ReasonIncreaseTrend
		} else {
			adj.Reason = ReasonAtBound
		}
	case slope < -c.slopeEpsilon:
		if old > c.min {
			adj.NewCap = old - 1
			adj.Reason = ReasonDecreaseTrend
		} else {
			adj.Reason = ReasonAtBound
		}
	default:
		adj.Reason = ReasonLowConfidence
	}

	if adj.NewCap != old {
		c.resizeLocked(adj.NewCap)
	}
	if c.listener != nil {
		c.listener(adj)
	}
	c.log().Debug("concurrency adjustment", "old_cap", adj.OldCap, "new_cap", adj.NewCap, "slope", slope, "r_squared", rSquared, "reason", adj.Reason)
}

// resizeLocked grows or shrinks the semaphore's available permits.
// Shrinking never revokes permits already held by in-flight tasks; the
// buffer simply refills more slowly as Release calls become no-ops
// beyond the new cap (see Release).
func (c *Controller) resizeLocked(newCap int) {
	if newCap > c.cap {
		for i := 0; i < newCap-c.cap; i++ {
			select {
			case c.sem <- struct{}{}:
			default:
			}
		}
	}
	c.cap = newCap
}

// fitLinearRegression computes the OLS slope and R² of throughput over
// sample index, per original_source's PerformanceAnalyzer (unweighted,
// no time-decay).
func fitLinearRegression(history []sample) (slope, rSquared float64) {
	n := float64(len(history))
	if n < 2 {
		return 0, 0
	}

	var sumX, sumY float64
	for i, s := range history {
		sumX += float64(i)
		sumY += s.bytes
	}
	meanX := sumX / n
	meanY := sumY / n

	var numerator, denominator float64
	for i, s := range history {
		dx := float64(i) - meanX
		numerator += dx * (s.bytes - meanY)
		denominator += dx * dx
	}
	if denominator == 0 {
		return 0, 0
	}
	slope = numerator / denominator
	intercept := meanY - slope*meanX

	var ssRes, ssTot float64
	for i, s := range history {
		predicted := slope*float64(i) + intercept
		ssRes += (s.bytes - predicted) * (s.bytes - predicted)
		ssTot += (s.bytes - meanY) * (s.bytes - meanY)
	}
	if ssTot == 0 {
		return slope, 0
	}
	rSquared = 1 - ssRes/ssTot
	if rSquared < 0 {
		rSquared = 0
	}
	if rSquared > 1 {
		rSquared = 1
	}
	return slope, rSquared
}
