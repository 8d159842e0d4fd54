package domain

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrPeerNotFound      = errors.New("peer not found")
	ErrTransportNotFound = errors.New("transport not found")
	ErrProducerNotFound  = errors.New("producer not found")

	ErrNotJoined = errors.New("not joined to a room")

	ErrIncompatibleCapabilities = errors.New("receiver capabilities incompatible with room")

	ErrWorkerDied   = errors.New("media worker died")
	ErrNoWorkers    = errors.New("no media workers available")
	ErrPoolClosed   = errors.New("worker pool closed")
	ErrEngineClosed = errors.New("media engine closed")
)
