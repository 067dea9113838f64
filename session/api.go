package session

// CreateRoom generates a room code, joins its gossip topic, publishes the
// signaling record, and sets self as host. Starts the 1Hz host broadcast
// loop.
func (s *Session) CreateRoom(displayName string) (string, error) {
	reply := make(chan createRoomResult, 1)
	if !s.send(cmdCreateRoom{displayName: displayName, reply: reply}) {
		return "", ErrShuttingDown
	}
	select {
	case r := <-reply:
		return r.roomCode, r.err
	case <-s.done:
		return "", ErrShuttingDown
	}
}

// JoinRoom starts a search of the signaling bus (up to 20s) for the named
// room and returns once the search has started; it does not wait for the
// outcome. Entering the room is reported through the callbacks
// (OnConnected, OnRoomStateChanged), and a search that finds no room through
// OnError.
func (s *Session) JoinRoom(code, displayName string) error {
	reply := make(chan error, 1)
	if !s.send(cmdJoinRoom{roomCode: code, displayName: displayName, reply: reply}) {
		return ErrShuttingDown
	}
	return s.await(reply)
}

// LeaveRoom departs the current room, whether hosting or listening.
func (s *Session) LeaveRoom() error {
	reply := make(chan error, 1)
	if !s.send(cmdLeaveRoom{reply: reply}) {
		return ErrShuttingDown
	}
	return s.await(reply)
}

// TransferHost hands off hosting to another participant. Host-only.
func (s *Session) TransferHost(peerID string) error {
	reply := make(chan error, 1)
	if !s.send(cmdTransferHost{peerID: peerID, reply: reply}) {
		return ErrShuttingDown
	}
	return s.await(reply)
}

// SyncPlay issues play on the local player and broadcasts it. Host-only.
func (s *Session) SyncPlay() error { return s.syncCmd(func(r chan<- error) command { return cmdSyncPlay{reply: r} }) }

// SyncPause issues pause on the local player and broadcasts it. Host-only.
func (s *Session) SyncPause() error {
	return s.syncCmd(func(r chan<- error) command { return cmdSyncPause{reply: r} })
}

// SyncNext issues next-track on the local player. Host-only.
func (s *Session) SyncNext() error {
	return s.syncCmd(func(r chan<- error) command { return cmdSyncNext{reply: r} })
}

// SyncPrevious issues previous-track on the local player. Host-only.
func (s *Session) SyncPrevious() error {
	return s.syncCmd(func(r chan<- error) command { return cmdSyncPrevious{reply: r} })
}

func (s *Session) syncCmd(build func(chan<- error) command) error {
	reply := make(chan error, 1)
	if !s.send(build(reply)) {
		return ErrShuttingDown
	}
	return s.await(reply)
}

func (s *Session) send(cmd command) bool {
	select {
	case s.cmdCh <- cmd:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) await(reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrShuttingDown
	}
}
