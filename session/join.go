package session

import (
	"context"
	"time"

	"github.com/cidertogether/core/signaling"
	"github.com/cidertogether/core/syncproto"
)

const (
	joinRetryDelay    = 1 * time.Second
	joinFirstAttempt  = 500 * time.Millisecond
	joinRetryAttempts = 5
	joinDialTimeout   = 5 * time.Second
)

// joinWorker searches the signaling bus for up to joinSearchTimeout, dials
// every reachable candidate, and once any candidate confirms the expected
// protocol via identify, retries a JoinRequest broadcast a handful of times.
// Runs entirely off the orchestrator goroutine; its only contact with room
// state is via s.joinResultCh. stop is closed by the orchestrator on
// leave_room to cancel in-flight retries.
func (s *Session) joinWorker(ctx context.Context, lowercaseCode, displayName string, stop chan struct{}) {
	searchCtx, cancel := context.WithTimeout(ctx, joinSearchTimeout)
	defer cancel()

	self := s.selfPeerID()
	dialed := make(map[string]bool)
	foundHost := false

	_, _ = s.sig.PollUntil(searchCtx, lowercaseCode, 0, func(records []signaling.Record) bool {
		for _, rec := range records {
			if rec.PeerID == self || dialed[rec.PeerID] {
				continue
			}
			dialed[rec.PeerID] = true

			dialCtx, dialCancel := context.WithTimeout(searchCtx, joinDialTimeout)
			err := s.ov.Dial(dialCtx, rec.PeerID, rec.Addrs)
			dialCancel()
			if err != nil {
				log.Debugf("join: dial %s failed: %v", rec.PeerID, err)
				continue
			}
			if proto := s.ov.IdentifiedProtocol(rec.PeerID); proto != s.cfg.P2P.ExpectedProtoID {
				log.Warnf("join: peer %s advertised protocol %q, want %q", rec.PeerID, proto, s.cfg.P2P.ExpectedProtoID)
				continue
			}
			foundHost = true
		}
		return foundHost
	})

	if !foundHost {
		select {
		case s.joinResultCh <- joinResult{ok: false, err: ErrRoomNotFound}:
		case <-ctx.Done():
		}
		return
	}

	select {
	case s.joinResultCh <- joinResult{ok: true}:
	case <-ctx.Done():
		return
	case <-stop:
		return
	}

	msg := syncproto.NewJoinRequest(displayName)
	timer := time.NewTimer(joinFirstAttempt)
	defer timer.Stop()

	for attempt := 0; attempt < joinRetryAttempts; attempt++ {
		select {
		case <-timer.C:
			s.publish(ctx, msg)
			timer.Reset(joinRetryDelay)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
