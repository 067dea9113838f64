package session

import (
	"context"
	"time"

	"github.com/cidertogether/core/syncproto"
)

// handleOverlayMessage is the per-message dispatch table from §4.7: what a
// peer does with each sync variant it observes on the gossip topic.
func (s *Session) handleOverlayMessage(ctx context.Context, room *roomState, om overlayMessage) {
	if om.fromPeer == room.localPeerID {
		return
	}

	// Host-transfer ack: any message observed from the designated new host
	// while we're the old host awaiting confirmation finalizes the handoff.
	if room.hostState == stateTransferPending && om.fromPeer == room.transferTarget {
		room.setHostPeer(room.transferTarget)
		room.hostState = stateNotHost
		room.transferTarget = ""
		s.emitRoomState(room)
	}

	// Host-privileged variants are only accepted from the current host.
	if om.msg.RequiresHost() && om.fromPeer != room.hostPeerID {
		return
	}

	switch om.msg.Type {
	case syncproto.TypeJoinRequest:
		s.handleJoinRequest(ctx, room, om)
	case syncproto.TypeJoinResponse:
		s.handleJoinResponse(room, om)
	case syncproto.TypeRoomState:
		s.handleRoomState(room, om)
	case syncproto.TypeParticipantJoined:
		s.handleParticipantJoined(room, om)
	case syncproto.TypeParticipantLeft:
		s.handleParticipantLeft(room, om)
	case syncproto.TypeTransferHost:
		s.handleTransferHost(room, om)
	case syncproto.TypePlay:
		s.handlePlay(ctx, room, om)
	case syncproto.TypePause:
		s.handlePause(ctx, room, om)
	case syncproto.TypeSeek:
		s.handleSeek(ctx, room, om)
	case syncproto.TypeTrackChange:
		s.handleTrackChange(ctx, room, om)
	case syncproto.TypeHeartbeat:
		s.handleHeartbeat(ctx, room, om)
	case syncproto.TypePing:
		s.handlePing(ctx, om)
	case syncproto.TypePong:
		s.handlePong(om)
	}
}

func (s *Session) handleJoinRequest(ctx context.Context, room *roomState, om overlayMessage) {
	if !room.isHost() {
		return
	}
	if room.participantIndex(om.fromPeer) < 0 {
		p := syncproto.Participant{PeerID: om.fromPeer, DisplayName: om.msg.DisplayName}
		room.upsertParticipant(p)
		s.cb.OnParticipantJoined(p)
		s.publish(ctx, syncproto.NewParticipantJoined(p))
	}
	pb := room.playback
	s.publish(ctx, syncproto.NewRoomState(room.roomCode, room.hostPeerID, room.participants, room.currentTrack, &pb))
	s.publish(ctx, syncproto.NewJoinResponse(true, room.roomCode, ""))
}

func (s *Session) handleJoinResponse(room *roomState, om overlayMessage) {
	if room.join == phaseInRoom {
		return
	}
	if !om.msg.Accepted {
		s.cb.OnError(om.msg.Reason)
		return
	}
	if om.msg.RoomCode != "" && om.msg.RoomCode != room.roomCode {
		return
	}
	room.join = phaseInRoom
	room.lastHeartbeatAt = time.Now()
	s.cb.OnConnected()
}

func (s *Session) handleRoomState(room *roomState, om overlayMessage) {
	if room.isHost() {
		return
	}
	room.roomCode = om.msg.RoomCode
	room.hostPeerID = om.msg.HostPeerID
	room.hostState = stateNotHost
	room.participants = om.msg.Participants
	room.currentTrack = om.msg.CurrentTrack
	if om.msg.Playback != nil {
		room.playback = *om.msg.Playback
	}
	room.seenRoomState = true
	room.lastHeartbeatAt = time.Now()
	s.lat.SetHost(room.hostPeerID)

	wasSearching := room.join == phaseSearching || room.join == phaseConnecting
	room.join = phaseInRoom
	s.emitRoomState(room)
	if wasSearching {
		s.cb.OnConnected()
	}
}

func (s *Session) handleParticipantJoined(room *roomState, om overlayMessage) {
	if om.msg.Participant == nil {
		return
	}
	room.upsertParticipant(*om.msg.Participant)
	s.cb.OnParticipantJoined(*om.msg.Participant)
	s.emitRoomState(room)
}

func (s *Session) handleParticipantLeft(room *roomState, om overlayMessage) {
	room.removeParticipant(om.msg.PeerID)
	s.cb.OnParticipantLeft(om.msg.PeerID)
	if room.isHost() {
		pb := room.playback
		s.publishDeferred(syncproto.NewRoomState(room.roomCode, room.hostPeerID, room.participants, room.currentTrack, &pb))
		return
	}
	if om.msg.PeerID == room.hostPeerID {
		s.endRoom(room, "host left")
		return
	}
	s.emitRoomState(room)
}

func (s *Session) handleTransferHost(room *roomState, om overlayMessage) {
	// Third parties (anyone but the old host mid-handoff, already handled
	// above) apply the new authority immediately on observation.
	if room.hostPeerID == room.localPeerID && room.hostState == stateTransferPending {
		return
	}
	room.setHostPeer(om.msg.NewHostPeerID)
	if room.hostPeerID == room.localPeerID {
		room.hostState = stateHost
	} else {
		room.hostState = stateNotHost
	}
	s.emitRoomState(room)
}

func (s *Session) handlePlay(ctx context.Context, room *roomState, om overlayMessage) {
	if room.isHost() || om.fromPeer != room.hostPeerID {
		return
	}
	target := extrapolatedTargetMs(om.msg.PositionMs, om.msg.TimestampMs, true, s.calib.OffsetMs())
	s.applyPlaybackAsync(ctx, func(c context.Context) error {
		if err := s.player.Play(c); err != nil {
			return err
		}
		return s.player.Seek(c, target)
	})
	room.playback = syncproto.PlaybackInfo{IsPlaying: true, PositionMs: om.msg.PositionMs, TimestampMs: om.msg.TimestampMs}
	s.cb.OnPlaybackChanged(room.playback)
}

func (s *Session) handlePause(ctx context.Context, room *roomState, om overlayMessage) {
	if room.isHost() || om.fromPeer != room.hostPeerID {
		return
	}
	target := om.msg.PositionMs + uint64(s.calib.OffsetMs())
	s.applyPlaybackAsync(ctx, func(c context.Context) error {
		if err := s.player.Pause(c); err != nil {
			return err
		}
		return s.player.Seek(c, target)
	})
	room.playback = syncproto.PlaybackInfo{IsPlaying: false, PositionMs: om.msg.PositionMs, TimestampMs: om.msg.TimestampMs}
	s.cb.OnPlaybackChanged(room.playback)
}

func (s *Session) handleSeek(ctx context.Context, room *roomState, om overlayMessage) {
	if room.isHost() || om.fromPeer != room.hostPeerID {
		return
	}
	target := extrapolatedTargetMs(om.msg.PositionMs, om.msg.TimestampMs, room.playback.IsPlaying, s.calib.OffsetMs())
	s.applyPlaybackAsync(ctx, func(c context.Context) error {
		return s.player.Seek(c, target)
	})
}

func (s *Session) handleTrackChange(ctx context.Context, room *roomState, om overlayMessage) {
	if room.isHost() || om.fromPeer != room.hostPeerID || om.msg.Track == nil {
		return
	}
	track := *om.msg.Track
	songChanged := room.currentTrack == nil || room.currentTrack.SongID != track.SongID
	room.currentTrack = &track
	s.cb.OnTrackChanged(&track)
	s.emitRoomState(room)

	if songChanged {
		target := om.msg.PositionMs + uint64(s.calib.OffsetMs())
		if track.DurationMs > 0 && target > track.DurationMs {
			target = track.DurationMs
		}
		s.applyPlaybackAsync(ctx, func(c context.Context) error {
			if err := s.player.PlaySong(c, s.cfg.Player.PlayItemType, track.SongID); err != nil {
				return err
			}
			return s.player.Seek(c, target)
		})
	}
}

func (s *Session) handleHeartbeat(ctx context.Context, room *roomState, om overlayMessage) {
	if room.isHost() || om.fromPeer != room.hostPeerID || !room.seenRoomState {
		return
	}
	if om.msg.TrackID != nil && (room.currentTrack == nil || *om.msg.TrackID != room.currentTrack.SongID) {
		// Listener hasn't caught up to the host's current track yet; a drift
		// sample against the wrong track would poison the calibrator.
		return
	}
	room.lastHeartbeatAt = time.Now()
	if om.msg.Playback == nil {
		return
	}
	hostPos := om.msg.Playback.PositionMs
	if om.msg.Playback.IsPlaying {
		elapsed := time.Now().UnixMilli() - om.msg.Playback.TimestampMs
		if elapsed > 0 {
			hostPos += uint64(elapsed)
		}
	}
	go func() {
		sampleCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		state, err := s.player.GetPlaybackState(sampleCtx)
		if err != nil || state.Track == nil {
			return
		}
		drift := int64(state.Track.PositionMs) - int64(hostPos)
		select {
		case s.driftCh <- driftSample{driftMs: drift}:
		default:
		}
	}()
}

func (s *Session) handlePing(ctx context.Context, om overlayMessage) {
	s.publish(ctx, syncproto.NewPong(om.msg.SentAtMs, time.Now().UnixMilli()))
}

func (s *Session) handlePong(om overlayMessage) {
	s.lat.HandlePong(om.fromPeer, om.msg.PingSentAtMs)
}

// applyDriftSample feeds one heartbeat-derived drift measurement into the
// calibrator and reports the resulting sync status.
func (s *Session) applyDriftSample(room *roomState, ds driftSample) {
	if room.isHost() || !room.active() {
		return
	}
	sample := s.calib.Update(ds.driftMs)
	s.emitSyncStatus(room, sample)
}

// extrapolatedTargetMs projects a position forward by wall-clock elapsed
// time (if playing) and adds the calibrated seek offset.
func extrapolatedTargetMs(positionMs uint64, timestampMs int64, playing bool, offsetMs uint32) uint64 {
	pos := positionMs
	if playing {
		elapsed := time.Now().UnixMilli() - timestampMs
		if elapsed > 0 {
			pos += uint64(elapsed)
		}
	}
	return pos + uint64(offsetMs)
}

// applyPlaybackAsync runs a player command on a helper goroutine; errors are
// swallowed per §4.7's failure semantics (the next broadcast/heartbeat
// re-asserts intent).
func (s *Session) applyPlaybackAsync(ctx context.Context, fn func(context.Context) error) {
	go func() {
		c, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := fn(c); err != nil {
			log.Debugf("player command failed (will re-assert next tick): %v", err)
		}
	}()
}

// publishDeferred publishes without blocking the orchestrator goroutine on
// the underlying gossip publish call.
func (s *Session) publishDeferred(msg syncproto.Message) {
	go s.publish(context.Background(), msg)
}
