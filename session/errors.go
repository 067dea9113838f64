package session

import "errors"

// Sentinel errors surfaced synchronously from command methods. Transient
// overlay/signaling failures are retried internally and never reach here.
var (
	ErrAlreadyInRoom = errors.New("session: already in a room")
	ErrNotInRoom     = errors.New("session: not in a room")
	ErrNotHost       = errors.New("session: not the host")
	ErrRoomNotFound  = errors.New("session: room not found")
	ErrPeerNotFound  = errors.New("session: peer not found in room")
	ErrShuttingDown  = errors.New("session: shutting down")
)
