package syncproto

import (
	"encoding/json"
	"fmt"
)

// GossipTopic returns the fixed gossip pub/sub topic for a room code. The
// code is expected already lower-cased by the caller (roomcode.Code.Lowercase).
func GossipTopic(lowercaseCode string) string {
	return "cider-room-" + lowercaseCode
}

// Encode serializes a Message to its wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses the wire form into a Message. Unknown fields are tolerated
// (json.Unmarshal's default behavior); a missing or unrecognized Type is an
// error so callers can drop the message per spec's "malformed message is
// dropped with a log record" policy.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("syncproto: decode: %w", err)
	}
	if !m.Type.valid() {
		return Message{}, fmt.Errorf("syncproto: unknown message type %q", m.Type)
	}
	return m, nil
}

func (t Type) valid() bool {
	switch t {
	case TypeRoomState, TypeJoinRequest, TypeJoinResponse, TypeParticipantJoined,
		TypeParticipantLeft, TypeTransferHost, TypePlay, TypePause, TypeSeek,
		TypeTrackChange, TypePing, TypePong, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// NewRoomState builds a RoomState message.
func NewRoomState(roomCode, hostPeerID string, participants []Participant, track *TrackInfo, playback *PlaybackInfo) Message {
	return Message{
		Type:         TypeRoomState,
		RoomCode:     roomCode,
		HostPeerID:   hostPeerID,
		Participants: participants,
		CurrentTrack: track,
		Playback:     playback,
	}
}

// NewJoinRequest builds a JoinRequest message.
func NewJoinRequest(displayName string) Message {
	return Message{Type: TypeJoinRequest, DisplayName: displayName}
}

// NewJoinResponse builds a JoinResponse message.
func NewJoinResponse(accepted bool, roomCode, reason string) Message {
	return Message{Type: TypeJoinResponse, Accepted: accepted, RoomCode: roomCode, Reason: reason}
}

// NewParticipantJoined builds a ParticipantJoined message.
func NewParticipantJoined(p Participant) Message {
	return Message{Type: TypeParticipantJoined, Participant: &p}
}

// NewParticipantLeft builds a ParticipantLeft message.
func NewParticipantLeft(peerID string) Message {
	return Message{Type: TypeParticipantLeft, PeerID: peerID}
}

// NewTransferHost builds a TransferHost message.
func NewTransferHost(newHostPeerID string) Message {
	return Message{Type: TypeTransferHost, NewHostPeerID: newHostPeerID}
}

// NewPlay builds a Play message.
func NewPlay(track TrackInfo, positionMs uint64, timestampMs int64) Message {
	return Message{Type: TypePlay, Track: &track, PositionMs: positionMs, TimestampMs: timestampMs}
}

// NewPause builds a Pause message.
func NewPause(positionMs uint64, timestampMs int64) Message {
	return Message{Type: TypePause, PositionMs: positionMs, TimestampMs: timestampMs}
}

// NewSeek builds a Seek message.
func NewSeek(positionMs uint64, timestampMs int64) Message {
	return Message{Type: TypeSeek, PositionMs: positionMs, TimestampMs: timestampMs}
}

// NewTrackChange builds a TrackChange message.
func NewTrackChange(track TrackInfo, positionMs uint64, timestampMs int64) Message {
	return Message{Type: TypeTrackChange, Track: &track, PositionMs: positionMs, TimestampMs: timestampMs}
}

// NewPing builds a Ping message.
func NewPing(sentAtMs int64) Message {
	return Message{Type: TypePing, SentAtMs: sentAtMs}
}

// NewPong builds a Pong message.
func NewPong(pingSentAtMs, receivedAtMs int64) Message {
	return Message{Type: TypePong, PingSentAtMs: pingSentAtMs, ReceivedAtMs: receivedAtMs}
}

// NewHeartbeat builds a Heartbeat message.
func NewHeartbeat(trackID *string, playback PlaybackInfo) Message {
	return Message{Type: TypeHeartbeat, TrackID: trackID, Playback: &playback}
}
