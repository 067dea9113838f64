package session

import (
	"context"
	"time"

	"github.com/cidertogether/core/player"
	"github.com/cidertogether/core/syncproto"
)

// hostTick runs once per second while hosting (including during a pending
// transfer): it expires a stalled host-transfer, then kicks off a helper
// goroutine to poll the local player so the heavy HTTP round trip never
// blocks the orchestrator.
func (s *Session) hostTick(ctx context.Context, room *roomState) {
	if room.hostState == stateTransferPending && time.Now().After(room.transferDeadline) {
		log.Warnf("host transfer to %s timed out, retaining host", room.transferTarget)
		room.hostState = stateHost
		room.transferTarget = ""
		s.emitRoomState(room)
	}

	go func() {
		sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		state, err := s.player.GetPlaybackState(sampleCtx)
		if err != nil {
			select {
			case s.hostSampleCh <- hostPlaybackSample{err: err}:
			default:
			}
			return
		}
		select {
		case s.hostSampleCh <- hostPlaybackSample{track: state.Track, isPlaying: state.IsPlaying}:
		default:
		}
	}()
}

// applyHostSample diffs the latest player poll against the last broadcast
// snapshot and emits Play/Pause/Seek/TrackChange on the stated conditions,
// plus a Heartbeat on every tick whose poll returned a track. A tick whose
// poll failed or returned no track emits nothing, not even a Heartbeat.
func (s *Session) applyHostSample(ctx context.Context, room *roomState, hs hostPlaybackSample) {
	if !room.isHost() {
		return
	}
	if hs.err != nil {
		log.Debugf("host playback poll failed (will retry next tick): %v", hs.err)
		return
	}
	if hs.track == nil {
		return
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	track := trackInfoFromPlayer(*hs.track)

	trackChanged := room.lastTrackID != track.SongID
	if trackChanged {
		room.currentTrack = &track
		room.lastTrackID = track.SongID
		s.publish(ctx, syncproto.NewTrackChange(track, hs.track.PositionMs, nowMs))
		s.cb.OnTrackChanged(&track)
	} else {
		playStateChanged := room.lastIsPlaying != hs.isPlaying
		discontinuity := false
		if !room.lastTickAt.IsZero() {
			wallDeltaMs := now.Sub(room.lastTickAt).Milliseconds()
			posDeltaMs := int64(hs.track.PositionMs) - int64(room.lastPosition)
			if diff := posDeltaMs - wallDeltaMs; diff > seekDiscontinuityMs || diff < -seekDiscontinuityMs {
				discontinuity = hs.isPlaying
			}
		}
		switch {
		case playStateChanged && hs.isPlaying:
			s.publish(ctx, syncproto.NewPlay(track, hs.track.PositionMs, nowMs))
		case playStateChanged && !hs.isPlaying:
			s.publish(ctx, syncproto.NewPause(hs.track.PositionMs, nowMs))
		case discontinuity:
			s.publish(ctx, syncproto.NewSeek(hs.track.PositionMs, nowMs))
		}
	}

	room.lastIsPlaying = hs.isPlaying
	room.lastPosition = hs.track.PositionMs
	room.lastTickAt = now
	room.playback = syncproto.PlaybackInfo{IsPlaying: hs.isPlaying, PositionMs: hs.track.PositionMs, TimestampMs: nowMs}
	s.cb.OnPlaybackChanged(room.playback)

	var trackID *string
	if track.SongID != "" {
		id := track.SongID
		trackID = &id
	}
	s.publish(ctx, syncproto.NewHeartbeat(trackID, room.playback))
}

func trackInfoFromPlayer(t player.TrackInfo) syncproto.TrackInfo {
	return syncproto.TrackInfo{
		SongID:     t.SongID,
		Name:       t.Name,
		Artist:     t.Artist,
		Album:      t.Album,
		ArtworkURL: t.ArtworkURL,
		DurationMs: t.DurationMs,
		PositionMs: t.PositionMs,
	}
}

// listenerPingTick runs every 5s while listening: sends a Ping to measure
// host latency, and declares the room ended if no heartbeat was seen within
// the stale timeout.
func (s *Session) listenerPingTick(ctx context.Context, room *roomState) {
	if room.isHost() || room.join != phaseInRoom {
		return
	}
	ts := s.lat.CreatePing(time.Now().UnixMilli())
	s.publish(ctx, syncproto.NewPing(ts))

	if !room.lastHeartbeatAt.IsZero() && time.Since(room.lastHeartbeatAt) > hostStaleTimeout {
		s.endRoom(room, "host disconnected (timeout)")
	}
}
