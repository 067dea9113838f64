// Package calibrator implements the listener-side adaptive seek-offset
// learner and the ping/pong latency tracker.
package calibrator

import (
	"sync"

	"github.com/cidertogether/core/internal/util"
)

const (
	// DefaultOffsetMs is the seek offset before any calibration has occurred.
	DefaultOffsetMs = 500
	// MinOffsetMs and MaxOffsetMs bound the calibrated offset.
	MinOffsetMs = 100
	MaxOffsetMs = 2000

	// normalAlpha is the EMA weight applied when drift is within bounds.
	normalAlpha = 0.15
	// outlierAlpha is the EMA weight applied to damp outlier drift samples.
	outlierAlpha = 0.05
	// maxNormalDriftMs is the |drift| threshold separating the two regimes.
	maxNormalDriftMs = 1500

	// sampleHistoryCap is the number of diagnostic samples retained.
	sampleHistoryCap = 10
)

// Sample is one recorded calibration update, retained for diagnostics.
type Sample struct {
	DriftMs       int64
	IdealOffsetMs int64
	NewOffsetMs   uint32
	Rejected      bool
}

// Calibrator learns seek_offset_ms from per-heartbeat drift measurements.
// Safe for concurrent use.
type Calibrator struct {
	mu        sync.RWMutex
	offsetMs  float64
	history   *util.RingBuffer[Sample]
}

// New creates a Calibrator at its default offset.
func New() *Calibrator {
	return &Calibrator{
		offsetMs: DefaultOffsetMs,
		history:  util.NewRingBuffer[Sample](sampleHistoryCap),
	}
}

// OffsetMs returns the current calibrated offset, rounded to the nearest ms.
func (c *Calibrator) OffsetMs() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint32(roundHalfAwayFromZero(c.offsetMs))
}

// PreviewIdeal reports the "ideal" offset a given drift measurement would
// suggest, without applying it. Used for SyncStatus.next_calibration_sample.
func (c *Calibrator) PreviewIdeal(driftMs int64) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(roundHalfAwayFromZero(c.offsetMs - float64(driftMs)))
}

// Update feeds one heartbeat-derived drift measurement and returns the
// resulting sample. drift_ms is local_position - host_extrapolated_position:
// positive means the listener is ahead of the host.
func (c *Calibrator) Update(driftMs int64) Sample {
	c.mu.Lock()
	defer c.mu.Unlock()

	ideal := c.offsetMs - float64(driftMs)

	outlier := driftMs > maxNormalDriftMs || driftMs < -maxNormalDriftMs
	alpha := normalAlpha
	if outlier {
		alpha = outlierAlpha
	}

	c.offsetMs = alpha*ideal + (1-alpha)*c.offsetMs
	c.offsetMs = clamp(c.offsetMs, MinOffsetMs, MaxOffsetMs)

	sample := Sample{
		DriftMs:       driftMs,
		IdealOffsetMs: int64(roundHalfAwayFromZero(ideal)),
		NewOffsetMs:   uint32(roundHalfAwayFromZero(c.offsetMs)),
		Rejected:      outlier,
	}
	c.history.Push(sample)
	return sample
}

// History returns the last N=10 samples, oldest first.
func (c *Calibrator) History() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.history.Snapshot()
}

// Reset restores the calibrator to its default, unlearned state (e.g. when
// joining a new room).
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMs = DefaultOffsetMs
	c.history = util.NewRingBuffer[Sample](sampleHistoryCap)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}
