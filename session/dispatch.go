package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cidertogether/core/roomcode"
	"github.com/cidertogether/core/signaling"
	"github.com/cidertogether/core/syncproto"
)

func (s *Session) handleCommand(ctx context.Context, room *roomState, cmd command) {
	switch c := cmd.(type) {
	case cmdCreateRoom:
		code, err := s.doCreateRoom(ctx, room, c.displayName)
		c.reply <- createRoomResult{roomCode: code, err: err}

	case cmdJoinRoom:
		c.reply <- s.doJoinRoom(ctx, room, c.roomCode, c.displayName)

	case cmdLeaveRoom:
		c.reply <- s.doLeaveRoom(room)

	case cmdTransferHost:
		c.reply <- s.doTransferHost(ctx, room, c.peerID)

	case cmdSyncPlay:
		c.reply <- s.doSyncPlay(ctx, room)

	case cmdSyncPause:
		c.reply <- s.doSyncPause(ctx, room)

	case cmdSyncNext:
		c.reply <- s.doSyncNext(ctx, room)

	case cmdSyncPrevious:
		c.reply <- s.doSyncPrevious(ctx, room)
	}
}

func (s *Session) doCreateRoom(ctx context.Context, room *roomState, displayName string) (string, error) {
	if room.active() || room.join != phaseIdle {
		return "", ErrAlreadyInRoom
	}

	code, err := roomcode.Generate()
	if err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}
	topic := syncproto.GossipTopic(code.Lowercase())
	if err := s.ov.JoinTopic(topic); err != nil {
		return "", fmt.Errorf("join topic: %w", err)
	}

	roomCtx, cancel := context.WithCancel(ctx)
	s.roomCancel = cancel
	go s.ov.ReadLoop(roomCtx, s.onOverlayMessage)

	record := signaling.Record{PeerID: s.selfPeerID(), Addrs: s.ov.Addrs()}
	if err := s.sig.Publish(ctx, code.Lowercase(), record); err != nil {
		log.Warnf("publish signaling record for %s: %v (listeners may not find this room yet)", code, err)
	}

	room.roomCode = code.String()
	room.localName = displayName
	room.hostPeerID = room.localPeerID
	room.hostState = stateHost
	room.join = phaseInRoom
	room.seenRoomState = true
	room.lastHeartbeatAt = time.Now()
	room.participants = []syncproto.Participant{{
		PeerID:      room.localPeerID,
		DisplayName: displayName,
		IsHost:      true,
	}}

	s.emitRoomState(room)
	s.cb.OnConnected()
	log.Infof("created room %s", code.Display())
	return room.roomCode, nil
}

func (s *Session) doJoinRoom(ctx context.Context, room *roomState, codeStr, displayName string) error {
	if room.active() || room.join != phaseIdle {
		return ErrAlreadyInRoom
	}
	code, err := roomcode.Parse(codeStr)
	if err != nil {
		return err
	}

	topic := syncproto.GossipTopic(code.Lowercase())
	if err := s.ov.JoinTopic(topic); err != nil {
		return fmt.Errorf("join topic: %w", err)
	}
	roomCtx, cancel := context.WithCancel(ctx)
	s.roomCancel = cancel
	go s.ov.ReadLoop(roomCtx, s.onOverlayMessage)

	room.roomCode = code.String()
	room.localName = displayName
	room.join = phaseSearching
	room.joinDeadline = time.Now().Add(joinSearchTimeout)

	s.joinStop = make(chan struct{})
	go s.joinWorker(roomCtx, code.Lowercase(), displayName, s.joinStop)

	log.Infof("searching for room %s", code.Display())
	return nil
}

func (s *Session) doLeaveRoom(room *roomState) error {
	if !room.active() && room.join == phaseIdle {
		return ErrNotInRoom
	}
	s.cleanupRoom(room)
	s.cb.OnDisconnected()
	return nil
}

func (s *Session) doTransferHost(ctx context.Context, room *roomState, peerID string) error {
	if !room.isHost() {
		return ErrNotHost
	}
	if room.participantIndex(peerID) < 0 {
		return ErrPeerNotFound
	}
	room.hostState = stateTransferPending
	room.transferTarget = peerID
	room.transferDeadline = time.Now().Add(transferAckTimeout)
	s.publish(ctx, syncproto.NewTransferHost(peerID))
	return nil
}

func (s *Session) doSyncPlay(ctx context.Context, room *roomState) error {
	if !room.isHost() {
		return ErrNotHost
	}
	if err := s.player.Play(ctx); err != nil {
		return err
	}
	if room.currentTrack != nil {
		s.publish(ctx, syncproto.NewPlay(*room.currentTrack, room.playback.PositionMs, time.Now().UnixMilli()))
	}
	return nil
}

func (s *Session) doSyncPause(ctx context.Context, room *roomState) error {
	if !room.isHost() {
		return ErrNotHost
	}
	if err := s.player.Pause(ctx); err != nil {
		return err
	}
	s.publish(ctx, syncproto.NewPause(room.playback.PositionMs, time.Now().UnixMilli()))
	return nil
}

func (s *Session) doSyncNext(ctx context.Context, room *roomState) error {
	if !room.isHost() {
		return ErrNotHost
	}
	return s.player.Next(ctx)
}

func (s *Session) doSyncPrevious(ctx context.Context, room *roomState) error {
	if !room.isHost() {
		return ErrNotHost
	}
	return s.player.Previous(ctx)
}

// onOverlayMessage is the overlay.ReadLoop callback: decode and hand off to
// the orchestrator goroutine. Runs on the ReadLoop's own goroutine, never on
// the orchestrator's.
func (s *Session) onOverlayMessage(fromPeer string, data []byte) {
	msg, err := syncproto.Decode(data)
	if err != nil {
		log.Debugf("dropping malformed message from %s: %v", fromPeer, err)
		return
	}
	select {
	case s.overlayMsgCh <- overlayMessage{fromPeer: fromPeer, msg: msg}:
	default:
		log.Warnf("overlay message queue full, dropping %s from %s", msg.Type, fromPeer)
	}
}

func (s *Session) handleJoinResult(room *roomState, jr joinResult) {
	if room.join != phaseSearching && room.join != phaseConnecting {
		return
	}
	if !jr.ok {
		room.join = phaseTimeout
		s.cb.OnError(fmt.Sprintf("room %s not found", room.roomCode))
		return
	}
	room.join = phaseConnecting
}
