package ports

import (
	"context"

	"voxhub/internal/core/domain"
)

// MediaEngine creates isolated media workers. The orchestration layer only
// ever talks to these interfaces; the transport-level ICE/DTLS/RTP mechanics
// live behind them.
type MediaEngine interface {
	NewWorker(ctx context.Context, id domain.WorkerID) (Worker, error)
	Close() error
}

// Worker is an isolated media-processing unit hosting independent routers.
type Worker interface {
	ID() domain.WorkerID

	// NewRouter creates a routing context able to route the given codecs.
	NewRouter(ctx context.Context, codecs []domain.Codec) (Router, error)

	// Died is closed when the worker terminates unexpectedly. A closed worker
	// never comes back; the pool replaces it.
	Died() <-chan struct{}

	Close() error
}

// Router is the per-room routing context, bound to the worker it was created
// on for its whole lifetime.
type Router interface {
	Capabilities() domain.RTPCapabilities

	NewTransport(ctx context.Context) (Transport, error)

	// CanConsume reports whether a receiver with the given capabilities can
	// decode the producer's format.
	CanConsume(producer Producer, caps domain.RTPCapabilities) bool

	Close() error
}

// Transport is one negotiated network path for a peer's media traffic.
// Closing a transport closes every producer and consumer created through it.
type Transport interface {
	ID() domain.TransportID

	// Info returns the handshake material the client completes out-of-band.
	Info() domain.TransportInfo

	// Connect applies the client's half of the handshake.
	Connect(ctx context.Context, params domain.SecurityParameters) error

	Produce(ctx context.Context, kind domain.MediaKind, params domain.FlowParameters, appData domain.AppData) (Producer, error)

	// Consume creates a flow delivering the producer's media to this
	// transport's peer. Consumers start paused.
	Consume(ctx context.Context, producer Producer, caps domain.RTPCapabilities) (Consumer, error)

	// OnClose registers a hook fired exactly once when the transport closes,
	// whether explicitly or from the engine side.
	OnClose(fn func())

	Close() error
}

// Producer is one outbound media flow from a peer.
type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	FlowParameters() domain.FlowParameters
	AppData() domain.AppData

	Pause() error
	Resume() error
	Paused() bool

	// OnClose registers a hook fired exactly once when the producer closes.
	OnClose(fn func())

	Close() error
}

// Consumer is one inbound media flow, sourced from a remote producer.
type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	FlowParameters() domain.FlowParameters

	Pause() error
	Resume() error
	Paused() bool

	OnClose(fn func())

	Close() error
}

// WorkerPool owns the fixed set of workers and decides placement; callers
// never choose a worker themselves.
type WorkerPool interface {
	Next() (Worker, error)
	Size() int
	Close() error
}
