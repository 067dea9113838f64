package calibrator

import "testing"

func TestNewDefaultsToFiveHundred(t *testing.T) {
	c := New()
	if got := c.OffsetMs(); got != DefaultOffsetMs {
		t.Fatalf("OffsetMs() = %d, want %d", got, DefaultOffsetMs)
	}
	if len(c.History()) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(c.History()))
	}
}

// TestConvergesTowardIdealOffset mirrors spec scenario: a constant -300ms
// drift should pull the 500ms starting offset toward 800ms, landing within
// 50ms of it after 20 heartbeats.
func TestConvergesTowardIdealOffset(t *testing.T) {
	c := New()
	var last Sample
	for i := 0; i < 20; i++ {
		last = c.Update(-300)
	}
	if last.Rejected {
		t.Fatalf("constant -300ms drift should never be classified as an outlier")
	}
	want := int64(800)
	got := int64(last.NewOffsetMs)
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	if diff > 50 {
		t.Fatalf("offset after 20 heartbeats = %d, want within 50 of %d", got, want)
	}
}

// TestOutlierDriftIsRejectedAndDamped mirrors spec scenario: a single
// extreme drift sample (5000ms) must be flagged Rejected and must move the
// offset by no more than outlierAlpha * |ideal - offset|.
func TestOutlierDriftIsRejectedAndDamped(t *testing.T) {
	c := New()
	before := c.OffsetMs()
	sample := c.Update(5000)

	if !sample.Rejected {
		t.Fatalf("drift of 5000ms should be classified as an outlier")
	}

	ideal := float64(before) - 5000
	maxDelta := outlierAlpha * abs(ideal-float64(before))
	delta := abs(float64(sample.NewOffsetMs) - float64(before))
	if delta > maxDelta+1 { // +1 for rounding
		t.Fatalf("outlier correction moved offset by %v, want at most %v", delta, maxDelta)
	}
}

func TestClampsToMinimum(t *testing.T) {
	c := New()
	for i := 0; i < 200; i++ {
		c.Update(100000)
	}
	if got := c.OffsetMs(); got != MinOffsetMs {
		t.Fatalf("OffsetMs() = %d, want clamped to %d", got, MinOffsetMs)
	}
}

func TestClampsToMaximum(t *testing.T) {
	c := New()
	for i := 0; i < 200; i++ {
		c.Update(-100000)
	}
	if got := c.OffsetMs(); got != MaxOffsetMs {
		t.Fatalf("OffsetMs() = %d, want clamped to %d", got, MaxOffsetMs)
	}
}

func TestHistoryCappedAtTen(t *testing.T) {
	c := New()
	for i := 0; i < 25; i++ {
		c.Update(-50)
	}
	if got := len(c.History()); got != sampleHistoryCap {
		t.Fatalf("len(History()) = %d, want %d", got, sampleHistoryCap)
	}
}

func TestPreviewIdealDoesNotMutateState(t *testing.T) {
	c := New()
	before := c.OffsetMs()
	_ = c.PreviewIdeal(-300)
	if got := c.OffsetMs(); got != before {
		t.Fatalf("PreviewIdeal mutated offset: before=%d after=%d", before, got)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	c := New()
	c.Update(-300)
	c.Reset()
	if got := c.OffsetMs(); got != DefaultOffsetMs {
		t.Fatalf("OffsetMs() after Reset = %d, want %d", got, DefaultOffsetMs)
	}
	if len(c.History()) != 0 {
		t.Fatalf("expected empty history after Reset, got %d entries", len(c.History()))
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
