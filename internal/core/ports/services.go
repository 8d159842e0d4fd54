package ports

import (
	"context"

	"voxhub/internal/core/domain"
)

// JoinResult is returned to a peer that joined a room.
type JoinResult struct {
	Capabilities domain.RTPCapabilities
}

// SessionService is the media session orchestration layer: room and peer
// registries plus the full transport/producer/consumer lifecycle. All mutation
// of room or peer state goes through here.
type SessionService interface {
	JoinRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, connID domain.ConnectionID) (*JoinResult, error)

	CreateTransport(ctx context.Context, peerID domain.PeerID) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, params domain.SecurityParameters) error

	Produce(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, params domain.FlowParameters, appData domain.AppData) (domain.ProducerID, error)
	CloseProducer(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID) error

	// Pause/Resume tolerate races with concurrent teardown: a missing target
	// is a no-op, reported through the applied flag rather than an error.
	PauseProducer(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID) (applied bool, err error)
	ResumeProducer(ctx context.Context, peerID domain.PeerID, producerID domain.ProducerID) (applied bool, err error)

	// Consume requires the explicit receive transport; the convention is one
	// send and one receive transport per peer.
	Consume(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error)
	PauseConsumer(ctx context.Context, peerID domain.PeerID, consumerID domain.ConsumerID) (applied bool, err error)
	ResumeConsumer(ctx context.Context, peerID domain.PeerID, consumerID domain.ConsumerID) (applied bool, err error)

	// LeavePeer tears down everything the peer owns. Safe to call twice.
	LeavePeer(ctx context.Context, peerID domain.PeerID) error

	RoomPeers(roomID domain.RoomID) []domain.PeerID
	RoomProducers(roomID domain.RoomID, exclude domain.PeerID) []domain.ProducerSummary
	PeerProducers(peerID domain.PeerID) []domain.ProducerSummary
	RoomCapabilities(roomID domain.RoomID) (domain.RTPCapabilities, error)

	Stats() domain.HubStats
}

// RoomEvent is emitted by the session layer for state changes that did not
// originate from the receiving connection, e.g. rooms force-closed after a
// worker death.
type RoomEvent struct {
	RoomID domain.RoomID
	Peers  []domain.PeerID
	Reason string
}

// RoomObserver receives room lifecycle events. The signaling layer implements
// it to notify connected clients.
type RoomObserver interface {
	RoomClosed(ev RoomEvent)
}
