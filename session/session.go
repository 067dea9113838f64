// Package session implements the long-lived orchestrator task: it owns the
// overlay, the room state machine, the player client, and dispatches sync
// messages; it invokes the external callback interface for everything
// observable that happens along the way.
package session

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/cidertogether/core/calibrator"
	"github.com/cidertogether/core/callback"
	"github.com/cidertogether/core/config"
	"github.com/cidertogether/core/overlay"
	"github.com/cidertogether/core/player"
	"github.com/cidertogether/core/signaling"
	"github.com/cidertogether/core/syncproto"
)

var log = logging.Logger("session")

const (
	hostBroadcastInterval = 1 * time.Second
	listenerPingInterval  = 5 * time.Second
	hostStaleTimeout      = 15 * time.Second
	joinSearchTimeout     = 20 * time.Second
	transferAckTimeout    = 10 * time.Second
	seekDiscontinuityMs   = 2000
)

type overlayMessage struct {
	fromPeer string
	msg      syncproto.Message
}

type joinResult struct {
	ok  bool
	err error
}

// driftSample carries a listener-side heartbeat drift measurement computed
// by a helper goroutine (the player HTTP call never runs on the orchestrator
// goroutine itself, per the no-blocking-work rule).
type driftSample struct {
	driftMs int64
}

// hostPlaybackSample carries a host-side player poll result back from a
// helper goroutine for the 1Hz broadcast tick to diff against.
type hostPlaybackSample struct {
	track     *player.TrackInfo
	isPlaying bool
	err       error
}

// Session is the single-goroutine room orchestrator. All exported command
// methods post to an internal channel (capacity 8) and then block until Run
// replies or the session shuts down; Run drains that channel (plus overlay
// events and timers) on one goroutine, so room-state mutation is totally
// ordered and needs no locking of its own.
type Session struct {
	cfg    config.Config
	cb     callback.Callback
	ov     *overlay.Overlay
	player *player.Client
	sig    *signaling.Client
	calib  *calibrator.Calibrator
	lat    *calibrator.LatencyTracker

	cmdCh        chan command
	overlayMsgCh chan overlayMessage
	joinResultCh chan joinResult
	driftCh      chan driftSample
	hostSampleCh chan hostPlaybackSample

	done chan struct{}

	// room-scoped lifetime; cancelled on leave_room or shutdown.
	roomCancel context.CancelFunc
	joinStop   chan struct{}
}

// New constructs a Session. It starts the overlay (libp2p host, mDNS,
// gossipsub) immediately, independent of room membership, matching how a
// peer's identity and LAN presence exist before any room does.
func New(cfg config.Config, cb callback.Callback) (*Session, error) {
	ov, err := overlay.New(context.Background(), overlay.Config{
		ListenPort:      cfg.P2P.ListenPort,
		KeyFile:         cfg.Identity.KeyFile,
		MdnsTag:         cfg.P2P.MdnsTag,
		ExpectedProtoID: cfg.P2P.ExpectedProtoID,
		RelayAddr:       cfg.P2P.RelayAddr,
	})
	if err != nil {
		return nil, fmt.Errorf("session: start overlay: %w", err)
	}

	pc := player.WithPort(cfg.Player.Port)
	if cfg.Player.Token != "" {
		pc.SetToken(cfg.Player.Token)
	}

	return &Session{
		cfg:          cfg,
		cb:           cb,
		ov:           ov,
		player:       pc,
		sig:          signaling.New(cfg.Signaling.BusURL),
		calib:        calibrator.New(),
		lat:          calibrator.NewLatencyTracker(),
		cmdCh:        make(chan command, 8),
		overlayMsgCh: make(chan overlayMessage, 64),
		joinResultCh: make(chan joinResult, 1),
		driftCh:      make(chan driftSample, 4),
		hostSampleCh: make(chan hostPlaybackSample, 1),
		done:         make(chan struct{}),
	}, nil
}

// Run drives the session's event loop until ctx is cancelled. It returns
// after the overlay has been torn down.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.ov.Close()

	s.ov.StartRelayMaintenance(ctx)

	room := &roomState{localPeerID: s.ov.PeerID()}

	hostTicker := time.NewTicker(hostBroadcastInterval)
	defer hostTicker.Stop()
	pingTicker := time.NewTicker(listenerPingInterval)
	defer pingTicker.Stop()
	keepAliveTicker := time.NewTicker(overlay.KeepAliveInterval)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if room.active() {
				s.cleanupRoom(room)
				s.cb.OnDisconnected()
			}
			return

		case cmd := <-s.cmdCh:
			s.handleCommand(ctx, room, cmd)

		case om := <-s.overlayMsgCh:
			s.handleOverlayMessage(ctx, room, om)

		case jr := <-s.joinResultCh:
			s.handleJoinResult(room, jr)

		case ds := <-s.driftCh:
			s.applyDriftSample(room, ds)

		case hs := <-s.hostSampleCh:
			s.applyHostSample(ctx, room, hs)

		case <-hostTicker.C:
			if room.isHost() {
				s.hostTick(ctx, room)
			}

		case <-pingTicker.C:
			s.listenerPingTick(ctx, room)

		case <-keepAliveTicker.C:
			s.ov.KeepAliveTick(ctx)
		}
	}
}

// Close returns at once and does not stop the session; Run stops only when
// the context passed to it is cancelled.
func (s *Session) Close() {
	select {
	case <-s.done:
	default:
	}
}

func (s *Session) selfPeerID() string { return s.ov.PeerID() }

func (s *Session) publish(ctx context.Context, msg syncproto.Message) {
	data, err := syncproto.Encode(msg)
	if err != nil {
		log.Warnf("encode %s: %v", msg.Type, err)
		return
	}
	if err := s.ov.Publish(ctx, data); err != nil {
		log.Debugf("publish %s: %v (will retry on next tick)", msg.Type, err)
	}
}

func (s *Session) emitRoomState(room *roomState) {
	s.cb.OnRoomStateChanged(callback.RoomState{
		RoomCode:     room.roomCode,
		LocalPeerID:  room.localPeerID,
		HostPeerID:   room.hostPeerID,
		Participants: append([]syncproto.Participant(nil), room.participants...),
		CurrentTrack: room.currentTrack,
		Playback:     room.playback,
	})
}

// cleanupRoom tears down any in-progress or active room membership: it stops
// the join worker, announces departure, cancels the room's gossip
// subscription, and resets per-room state. It emits no callback itself;
// callers decide between OnDisconnected (self-initiated) and OnRoomEnded
// (remote-triggered).
func (s *Session) cleanupRoom(room *roomState) {
	if s.joinStop != nil {
		close(s.joinStop)
		s.joinStop = nil
	}
	if room.active() {
		s.publish(context.Background(), syncproto.NewParticipantLeft(room.localPeerID))
	}
	if s.roomCancel != nil {
		s.roomCancel()
		s.roomCancel = nil
	}
	s.calib.Reset()
	s.lat.Clear()
	*room = roomState{localPeerID: room.localPeerID}
}

// endRoom is used when the room ends for reasons other than the local peer
// choosing to leave (host departure, heartbeat timeout).
func (s *Session) endRoom(room *roomState, reason string) {
	s.cleanupRoom(room)
	s.cb.OnRoomEnded(reason)
}
