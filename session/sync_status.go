package session

import (
	"time"

	"github.com/cidertogether/core/calibrator"
	"github.com/cidertogether/core/callback"
)

// emitSyncStatus reports the listener-side diagnostic snapshot after a
// calibration update.
func (s *Session) emitSyncStatus(room *roomState, latest calibrator.Sample) {
	history := s.calib.History()
	samples := make([]callback.CalibrationSample, len(history))
	for i, h := range history {
		samples[i] = callback.CalibrationSample{
			DriftMs:       h.DriftMs,
			IdealOffsetMs: h.IdealOffsetMs,
			NewOffsetMs:   h.NewOffsetMs,
			Rejected:      h.Rejected,
		}
	}

	v := s.calib.PreviewIdeal(latest.DriftMs)
	next := &v

	s.cb.OnSyncStatus(callback.SyncStatus{
		DriftMs:               latest.DriftMs,
		LatencyMs:             s.lat.HostLatencyMs(),
		ElapsedMs:             time.Since(room.lastHeartbeatAt).Milliseconds(),
		SeekOffsetMs:          s.calib.OffsetMs(),
		CalibrationPending:    false,
		NextCalibrationSample: next,
		SampleHistory:         samples,
	})
}
