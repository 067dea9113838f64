package calibrator

import "testing"

func TestDefaultLatencyBeforeAnyMeasurement(t *testing.T) {
	lt := NewLatencyTracker()
	lt.SetHost("host-1")
	if got := lt.HostLatencyMs(); got != DefaultLatencyMs {
		t.Fatalf("HostLatencyMs() = %d, want default %d", got, DefaultLatencyMs)
	}
	if got := lt.PeerLatencyMs("unknown-peer"); got != DefaultLatencyMs {
		t.Fatalf("PeerLatencyMs() = %d, want default %d", got, DefaultLatencyMs)
	}
}

func TestCreatePingHandlePongRoundTrip(t *testing.T) {
	lt := NewLatencyTracker()
	ts := lt.CreatePing(1000)
	rtt, ok := lt.HandlePong("peer-a", ts)
	if !ok {
		t.Fatalf("HandlePong: expected known ping to resolve")
	}
	if rtt < 0 {
		t.Fatalf("rtt = %d, want non-negative", rtt)
	}
}

func TestHandlePongUnknownTimestampFails(t *testing.T) {
	lt := NewLatencyTracker()
	if _, ok := lt.HandlePong("peer-a", 42); ok {
		t.Fatalf("HandlePong: expected unknown ping to be rejected")
	}
}

func TestHandlePongConsumesPing(t *testing.T) {
	lt := NewLatencyTracker()
	ts := lt.CreatePing(1)
	if _, ok := lt.HandlePong("peer-a", ts); !ok {
		t.Fatalf("expected first HandlePong to succeed")
	}
	if _, ok := lt.HandlePong("peer-a", ts); ok {
		t.Fatalf("expected duplicate HandlePong for the same ping to fail")
	}
}

func TestPeerLatencyIsOneWayHalfOfAverageRTT(t *testing.T) {
	lt := NewLatencyTracker()
	pl := newPeerLatency()
	pl.addSample(20)
	pl.addSample(20)
	pl.addSample(20)
	lt.peers["peer-a"] = pl

	if got := lt.PeerLatencyMs("peer-a"); got != 10 {
		t.Fatalf("PeerLatencyMs() = %d, want 10", got)
	}
}

func TestPeerLatencySampleWindowCapped(t *testing.T) {
	pl := newPeerLatency()
	for i := 0; i < rttSampleCount*3; i++ {
		pl.addSample(int64(i))
	}
	if len(pl.samples) != rttSampleCount {
		t.Fatalf("len(samples) = %d, want %d", len(pl.samples), rttSampleCount)
	}
}

func TestClearResetsTrackerState(t *testing.T) {
	lt := NewLatencyTracker()
	lt.SetHost("host-1")
	ts := lt.CreatePing(5)
	lt.HandlePong("host-1", ts)
	lt.Clear()

	if got := lt.HostLatencyMs(); got != DefaultLatencyMs {
		t.Fatalf("HostLatencyMs() after Clear = %d, want default %d", got, DefaultLatencyMs)
	}
	if _, ok := lt.HandlePong("host-1", ts); ok {
		t.Fatalf("expected pending ping to be cleared")
	}
}
