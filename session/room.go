package session

import (
	"time"

	"github.com/cidertogether/core/syncproto"
)

// hostTransferState mirrors the {NotHost, Host, TransferPending(target)} state
// machine governing who may publish host-only messages.
type hostTransferState int

const (
	stateNotHost hostTransferState = iota
	stateHost
	stateTransferPending
)

// joinPhase mirrors the joiner-side {Searching, Connecting, InRoom, Timeout}
// negotiation state machine.
type joinPhase int

const (
	phaseIdle joinPhase = iota
	phaseSearching
	phaseConnecting
	phaseInRoom
	phaseTimeout
)

// roomState is the authoritative in-memory room model, mutated only from the
// session's run loop.
type roomState struct {
	roomCode     string
	localPeerID  string
	localName    string
	hostPeerID   string
	participants []syncproto.Participant
	currentTrack *syncproto.TrackInfo
	playback     syncproto.PlaybackInfo

	hostState        hostTransferState
	transferTarget   string
	transferDeadline time.Time

	join         joinPhase
	joinDeadline time.Time

	// host-loop-only: last broadcast snapshot, for edge detection.
	lastIsPlaying bool
	lastPosition  uint64
	lastTrackID   string
	lastTickAt    time.Time

	// listener-loop-only: staleness detection.
	lastHeartbeatAt time.Time
	seenRoomState   bool
}

func (r *roomState) isHost() bool {
	return r.hostState == stateHost || r.hostState == stateTransferPending
}

func (r *roomState) active() bool {
	return r.join == phaseInRoom || r.hostState == stateHost || r.hostState == stateTransferPending
}

func (r *roomState) participantIndex(peerID string) int {
	for i := range r.participants {
		if r.participants[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

func (r *roomState) upsertParticipant(p syncproto.Participant) {
	if i := r.participantIndex(p.PeerID); i >= 0 {
		r.participants[i] = p
		return
	}
	r.participants = append(r.participants, p)
}

func (r *roomState) removeParticipant(peerID string) {
	if i := r.participantIndex(peerID); i >= 0 {
		r.participants = append(r.participants[:i], r.participants[i+1:]...)
	}
}

// setHostPeer updates hostPeerID and corrects every participant's IsHost
// flag to match, keeping §8's "exactly one participant.is_host is true,
// matching host_peer_id" invariant from drifting after a transfer.
func (r *roomState) setHostPeer(peerID string) {
	r.hostPeerID = peerID
	for i := range r.participants {
		r.participants[i].IsHost = r.participants[i].PeerID == peerID
	}
}
