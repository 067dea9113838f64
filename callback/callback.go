// Package callback defines the outbound event interface a Session reports
// room and playback changes through.
package callback

import "github.com/cidertogether/core/syncproto"

// RoomState is a full snapshot of the current room, as seen by this peer.
type RoomState struct {
	RoomCode     string
	LocalPeerID  string
	HostPeerID   string
	Participants []syncproto.Participant
	CurrentTrack *syncproto.TrackInfo
	Playback     syncproto.PlaybackInfo
}

// CalibrationSample is one recorded seek-offset learning step, exposed for
// debug display.
type CalibrationSample struct {
	DriftMs       int64
	IdealOffsetMs int64
	NewOffsetMs   uint32
	Rejected      bool
}

// SyncStatus is the listener-side derived diagnostic snapshot, refreshed on
// every heartbeat.
type SyncStatus struct {
	DriftMs               int64
	LatencyMs             int64
	ElapsedMs             int64
	SeekOffsetMs          uint32
	CalibrationPending    bool
	NextCalibrationSample *int64
	SampleHistory         []CalibrationSample
}

// Callback is the outbound-only event interface a Session reports through.
// Implementations are responsible for their own thread-confinement: methods
// may be invoked from any goroutine.
type Callback interface {
	OnRoomStateChanged(state RoomState)
	OnTrackChanged(track *syncproto.TrackInfo)
	OnPlaybackChanged(playback syncproto.PlaybackInfo)
	OnParticipantJoined(participant syncproto.Participant)
	OnParticipantLeft(peerID string)
	OnRoomEnded(reason string)
	OnError(message string)
	OnConnected()
	OnDisconnected()
	OnSyncStatus(status SyncStatus)
}
