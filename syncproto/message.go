// Package syncproto defines the schema and JSON codec for the in-room
// message set carried over the gossip topic.
package syncproto

// Type discriminates the Message variants. A Message is always JSON-encoded
// with this field at the top level, mirroring the tagged-envelope idiom used
// throughout this codebase's other wire protocols.
type Type string

const (
	TypeRoomState         Type = "RoomState"
	TypeJoinRequest       Type = "JoinRequest"
	TypeJoinResponse      Type = "JoinResponse"
	TypeParticipantJoined Type = "ParticipantJoined"
	TypeParticipantLeft   Type = "ParticipantLeft"
	TypeTransferHost      Type = "TransferHost"
	TypePlay              Type = "Play"
	TypePause             Type = "Pause"
	TypeSeek              Type = "Seek"
	TypeTrackChange       Type = "TrackChange"
	TypePing              Type = "Ping"
	TypePong              Type = "Pong"
	TypeHeartbeat         Type = "Heartbeat"
)

// TrackInfo describes a track for sync purposes. SongID is the equality key
// used to decide "same track"; Album is a supplemented display-only field
// (not present in the distilled spec, carried over from the original
// implementation) and participates in no equality or sync decision.
type TrackInfo struct {
	SongID      string `json:"song_id"`
	Name        string `json:"name"`
	Artist      string `json:"artist"`
	Album       string `json:"album,omitempty"`
	ArtworkURL  string `json:"artwork_url"`
	DurationMs  uint64 `json:"duration_ms"`
	PositionMs  uint64 `json:"position_ms,omitempty"`
}

// Participant is a member of a room.
type Participant struct {
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
}

// PlaybackInfo is a snapshot of playback state at a point in time.
type PlaybackInfo struct {
	IsPlaying  bool   `json:"is_playing"`
	PositionMs uint64 `json:"position_ms"`
	TimestampMs int64 `json:"timestamp_ms"`
}

// Message is the single tagged envelope for every sync variant. Exactly the
// fields relevant to Type are populated; the rest are left at zero value.
// Using one struct rather than thirteen concrete payload types keeps decode
// a single json.Unmarshal call and mirrors the envelope-plus-optional-fields
// idiom already used for this codebase's other wire messages.
type Message struct {
	Type Type `json:"type"`

	// RoomState
	RoomCode      string        `json:"room_code,omitempty"`
	HostPeerID    string        `json:"host_peer_id,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	CurrentTrack  *TrackInfo    `json:"current_track,omitempty"`
	Playback      *PlaybackInfo `json:"playback,omitempty"`

	// JoinRequest
	DisplayName string `json:"display_name,omitempty"`

	// JoinResponse
	Accepted bool   `json:"accepted,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// ParticipantJoined
	Participant *Participant `json:"participant,omitempty"`

	// ParticipantLeft
	PeerID string `json:"peer_id,omitempty"`

	// TransferHost
	NewHostPeerID string `json:"new_host_peer_id,omitempty"`

	// Play / TrackChange
	Track *TrackInfo `json:"track,omitempty"`

	// Play / Pause / Seek / TrackChange
	PositionMs  uint64 `json:"position_ms,omitempty"`
	TimestampMs int64  `json:"timestamp_ms,omitempty"`

	// Ping
	SentAtMs int64 `json:"sent_at_ms,omitempty"`

	// Pong
	PingSentAtMs  int64 `json:"ping_sent_at_ms,omitempty"`
	ReceivedAtMs  int64 `json:"received_at_ms,omitempty"`

	// Heartbeat (reuses Playback above for its "playback" field)
	TrackID *string `json:"track_id,omitempty"`
}

// RequiresHost reports whether this variant may only be published by the
// current host. Mirrors the original implementation's
// SyncMessage::requires_host.
func (m Message) RequiresHost() bool {
	switch m.Type {
	case TypePlay, TypePause, TypeSeek, TypeTrackChange, TypeTransferHost:
		return true
	default:
		return false
	}
}
