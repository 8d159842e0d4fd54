package services

import (
	"context"
	"fmt"
	"sync"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/pkg/validation"

	"go.uber.org/zap"
)

// room binds one routing context to the worker it was created on. The entry
// exists in the registry from the moment the first join starts; concurrent
// joiners wait on ready instead of racing to create a second router.
type room struct {
	id       domain.RoomID
	workerID domain.WorkerID
	router   ports.Router

	peers         map[domain.PeerID]*peer
	producerOwner map[domain.ProducerID]domain.PeerID

	ready chan struct{}
	err   error
}

type peer struct {
	id     domain.PeerID
	connID domain.ConnectionID
	roomID domain.RoomID

	transports map[domain.TransportID]ports.Transport
	producers  map[domain.ProducerID]ports.Producer
	consumers  map[domain.ConsumerID]ports.Consumer
}

// SessionManager implements ports.SessionService. It owns the room and peer
// registries and drives the full media object lifecycle.
//
// Locking rule: the manager mutex is never held across a media engine call.
// Engine close hooks re-enter the manager, so holding the lock there would
// deadlock. State to act on is collected under the lock and the engine calls
// happen after release.
type SessionManager struct {
	pool       ports.WorkerPool
	codecs     []domain.Codec
	iceServers []domain.ICEServer
	logger     *zap.SugaredLogger
	observer   ports.RoomObserver

	mu    sync.RWMutex
	rooms map[domain.RoomID]*room
	peers map[domain.PeerID]*peer
}

// NewSessionManager wires the orchestration layer to a worker pool. The codec
// list is what every room's router will be created with.
func NewSessionManager(pool ports.WorkerPool, codecs []domain.Codec, iceServers []domain.ICEServer, logger *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		pool:       pool,
		codecs:     codecs,
		iceServers: iceServers,
		logger:     logger,
		rooms:      make(map[domain.RoomID]*room),
		peers:      make(map[domain.PeerID]*peer),
	}
}

// SetObserver registers the receiver of room lifecycle events. Must be called
// before the manager starts serving requests.
func (s *SessionManager) SetObserver(o ports.RoomObserver) {
	s.observer = o
}

// JoinRoom registers the peer in the room, creating the room's routing context
// on demand. A peer id that is already registered is torn down first and
// joined fresh, so a reconnecting client never inherits stale media objects.
func (s *SessionManager) JoinRoom(ctx context.Context, roomID domain.RoomID, peerID domain.PeerID, connID domain.ConnectionID) (*ports.JoinResult, error) {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return nil, err
	}
	if err := validation.ValidatePeerID(string(peerID)); err != nil {
		return nil, err
	}

	s.mu.RLock()
	_, exists := s.peers[peerID]
	s.mu.RUnlock()
	if exists {
		s.logger.Infow("peer rejoining, tearing down previous session", "peer_id", peerID)
		if err := s.LeavePeer(ctx, peerID); err != nil {
			return nil, err
		}
	}

	r, err := s.getOrCreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	p := &peer{
		id:         peerID,
		connID:     connID,
		roomID:     roomID,
		transports: make(map[domain.TransportID]ports.Transport),
		producers:  make(map[domain.ProducerID]ports.Producer),
		consumers:  make(map[domain.ConsumerID]ports.Consumer),
	}

	s.mu.Lock()
	if s.rooms[roomID] != r {
		// Room was force-closed between creation and registration.
		s.mu.Unlock()
		return nil, domain.ErrRoomNotFound
	}
	r.peers[peerID] = p
	s.peers[peerID] = p
	s.mu.Unlock()

	s.logger.Infow("peer joined room", "room_id", roomID, "peer_id", peerID, "worker_id", r.workerID)
	return &ports.JoinResult{Capabilities: r.router.Capabilities()}, nil
}

// getOrCreateRoom returns the room's registry entry, creating router and
// worker binding exactly once per room-existence interval. Concurrent callers
// for the same id all block on the same creation attempt.
func (s *SessionManager) getOrCreateRoom(ctx context.Context, roomID domain.RoomID) (*room, error) {
	for {
		s.mu.Lock()
		if r, ok := s.rooms[roomID]; ok {
			s.mu.Unlock()
			<-r.ready
			if r.err != nil {
				// Creation failed; the entry is gone, try again.
				continue
			}
			return r, nil
		}

		r := &room{
			id:            roomID,
			peers:         make(map[domain.PeerID]*peer),
			producerOwner: make(map[domain.ProducerID]domain.PeerID),
			ready:         make(chan struct{}),
		}
		s.rooms[roomID] = r
		s.mu.Unlock()

		worker, err := s.pool.Next()
		if err == nil {
			var router ports.Router
			router, err = worker.NewRouter(ctx, s.codecs)
			if err == nil {
				r.workerID = worker.ID()
				r.router = router
			}
		}

		if err != nil {
			s.mu.Lock()
			delete(s.rooms, roomID)
			s.mu.Unlock()
			r.err = err
			close(r.ready)
			return nil, fmt.Errorf("failed to create room %s: %w", roomID, err)
		}

		close(r.ready)
		s.logger.Infow("room created", "room_id", roomID, "worker_id", r.workerID)
		return r, nil
	}
}

// CreateTransport creates a transport on the peer's room router and returns
// the handshake material for the client.
func (s *SessionManager) CreateTransport(ctx context.Context, peerID domain.PeerID) (*domain.TransportInfo, error) {
	s.mu.RLock()
	p, ok := s.peers[peerID]
	if !ok {
		s.mu.RUnlock()
		return nil, domain.ErrNotJoined
	}
	r := s.rooms[p.roomID]
	s.mu.RUnlock()
	if r == nil {
		return nil, domain.ErrRoomNotFound
	}

	transport, err := r.router.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for peer %s: %w", peerID, err)
	}
	tid := transport.ID()

	s.mu.Lock()
	if _, stillJoined := s.peers[peerID]; !stillJoined {
		s.mu.Unlock()
		transport.Close()
		return nil, domain.ErrNotJoined
	}
	p.transports[tid] = transport
	s.mu.Unlock()

	transport.OnClose(func() {
		s.mu.Lock()
		delete(p.transports, tid)
		s.mu.Unlock()
	})

	info := transport.Info()
	info.ICEServers = s.iceServers
	return &info, nil
}

// ConnectTransport completes the transport handshake with the client's
// parameters.
func (s *SessionManager) ConnectTransport(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, params domain.SecurityParameters) error {
	transport, err := s.peerTransport(peerID, transportID)
	if err != nil {
		return err
	}
	return transport.Connect(ctx, params)
}

// Produce creates an outbound flow on the given transport. The originating
// peer id is stamped into the producer's app data so discovery answers carry
// ownership without extra lookups.
func (s *SessionManager) Produce(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, kind domain.MediaKind, params domain.FlowParameters, appData domain.AppData) (domain.ProducerID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid media kind %q", kind)
	}

	s.mu.RLock()
	p, ok := s.peers[peerID]
	if !ok {
		s.mu.RUnlock()
		return "", domain.ErrNotJoined
	}
	transport, ok := p.transports[transportID]
	r := s.rooms[p.roomID]
	s.mu.RUnlock()
	if !ok {
		return "", domain.ErrTransportNotFound
	}
	if r == nil {
		return "", domain.ErrRoomNotFound
	}

	data := make(domain.AppData, len(appData)+1)
	for k, v := range appData {
		data[k] = v
	}
	data["peerId"] = string(peerID)

	producer, err := transport.Produce(ctx, kind, params, data)
	if err != nil {
		return "", fmt.Errorf("failed to produce %s for peer %s: %w", kind, peerID, err)
	}
	pid := producer.ID()

	s.mu.Lock()
	if _, stillJoined := s.peers[peerID]; !stillJoined {
		s.mu.Unlock()
		producer.Close()
		return "", domain.ErrNotJoined
	}
	p.producers[pid] = producer
	r.producerOwner[pid] = peerID
	s.mu.Unlock()

	producer.OnClose(func() {
		s.mu.Lock()
		delete(p.producers, pid)
		delete(r.producerOwner, pid)
		s.mu.Unlock()
	})

	s.logger.Infow("producer created", "room_id", p.roomID, "peer_id", peerID, "producer_id", pid, "kind", kind)
	return pid, nil
}

// CloseProducer closes the peer's producer. Closing a producer that is already
// gone is not an error; disconnects race with explicit closes.
func (s *SessionManager) CloseProducer(_ context.Context, peerID domain.PeerID, producerID domain.ProducerID) error {
	producer := s.peerProducer(peerID, producerID)
	if producer == nil {
		return nil
	}
	return producer.Close()
}

// PauseProducer pauses the flow without releasing any resources. A missing
// producer is a no-op; pause requests race with disconnect teardown.
func (s *SessionManager) PauseProducer(_ context.Context, peerID domain.PeerID, producerID domain.ProducerID) (bool, error) {
	producer := s.peerProducer(peerID, producerID)
	if producer == nil {
		return false, nil
	}
	return true, producer.Pause()
}

// ResumeProducer resumes a paused flow. A missing producer is a no-op.
func (s *SessionManager) ResumeProducer(_ context.Context, peerID domain.PeerID, producerID domain.ProducerID) (bool, error) {
	producer := s.peerProducer(peerID, producerID)
	if producer == nil {
		return false, nil
	}
	return true, producer.Resume()
}

// Consume creates an inbound flow on the peer's receive transport, sourced
// from another peer's producer in the same room. The consumer starts paused;
// the client resumes it once its receive path is ready.
func (s *SessionManager) Consume(ctx context.Context, peerID domain.PeerID, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RTPCapabilities) (*domain.ConsumerInfo, error) {
	s.mu.RLock()
	p, ok := s.peers[peerID]
	if !ok {
		s.mu.RUnlock()
		return nil, domain.ErrNotJoined
	}
	transport, ok := p.transports[transportID]
	if !ok {
		s.mu.RUnlock()
		return nil, domain.ErrTransportNotFound
	}
	r := s.rooms[p.roomID]
	if r == nil {
		s.mu.RUnlock()
		return nil, domain.ErrRoomNotFound
	}
	ownerID, ok := r.producerOwner[producerID]
	if !ok {
		s.mu.RUnlock()
		return nil, domain.ErrProducerNotFound
	}
	owner := r.peers[ownerID]
	if owner == nil {
		s.mu.RUnlock()
		return nil, domain.ErrProducerNotFound
	}
	producer, ok := owner.producers[producerID]
	router := r.router
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	if !router.CanConsume(producer, caps) {
		return nil, domain.ErrIncompatibleCapabilities
	}

	consumer, err := transport.Consume(ctx, producer, caps)
	if err != nil {
		return nil, fmt.Errorf("failed to consume producer %s for peer %s: %w", producerID, peerID, err)
	}
	cid := consumer.ID()

	s.mu.Lock()
	if _, stillJoined := s.peers[peerID]; !stillJoined {
		s.mu.Unlock()
		consumer.Close()
		return nil, domain.ErrNotJoined
	}
	p.consumers[cid] = consumer
	s.mu.Unlock()

	consumer.OnClose(func() {
		s.mu.Lock()
		delete(p.consumers, cid)
		s.mu.Unlock()
	})

	return &domain.ConsumerInfo{
		ID:             cid,
		ProducerID:     producerID,
		ProducerPeerID: ownerID,
		Kind:           consumer.Kind(),
		FlowParameters: consumer.FlowParameters(),
		AppData:        producer.AppData(),
	}, nil
}

// PauseConsumer pauses delivery to the peer. A missing consumer is a no-op.
func (s *SessionManager) PauseConsumer(_ context.Context, peerID domain.PeerID, consumerID domain.ConsumerID) (bool, error) {
	consumer := s.peerConsumer(peerID, consumerID)
	if consumer == nil {
		return false, nil
	}
	return true, consumer.Pause()
}

// ResumeConsumer starts delivery to the peer. A missing consumer is a no-op.
func (s *SessionManager) ResumeConsumer(_ context.Context, peerID domain.PeerID, consumerID domain.ConsumerID) (bool, error) {
	consumer := s.peerConsumer(peerID, consumerID)
	if consumer == nil {
		return false, nil
	}
	return true, consumer.Resume()
}

// LeavePeer removes the peer and closes everything it owns. Transport close
// cascades take the peer's producers and consumers with them. The last peer
// out closes the room and releases its router. Calling LeavePeer for an
// unknown peer is a no-op.
func (s *SessionManager) LeavePeer(_ context.Context, peerID domain.PeerID) error {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.peers, peerID)

	var roomToClose *room
	if r := s.rooms[p.roomID]; r != nil {
		delete(r.peers, peerID)
		if len(r.peers) == 0 {
			delete(s.rooms, p.roomID)
			roomToClose = r
		}
	}

	transports := make([]ports.Transport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	if roomToClose != nil {
		roomToClose.router.Close()
		s.logger.Infow("room closed", "room_id", roomToClose.id, "worker_id", roomToClose.workerID)
	}

	s.logger.Infow("peer left", "room_id", p.roomID, "peer_id", peerID)
	return nil
}

// HandleWorkerDeath force-closes every room bound to the dead worker. The
// rooms are not migrated; affected clients are told via the observer and
// rejoin, landing on a live worker. Wired to the pool's death callback.
func (s *SessionManager) HandleWorkerDeath(workerID domain.WorkerID) {
	s.mu.Lock()
	var doomed []*room
	for id, r := range s.rooms {
		if r.workerID == workerID {
			doomed = append(doomed, r)
			delete(s.rooms, id)
		}
	}

	type teardown struct {
		event      ports.RoomEvent
		router     ports.Router
		transports []ports.Transport
	}
	teardowns := make([]teardown, 0, len(doomed))
	for _, r := range doomed {
		td := teardown{
			event:  ports.RoomEvent{RoomID: r.id, Reason: "worker_died"},
			router: r.router,
		}
		for pid, p := range r.peers {
			td.event.Peers = append(td.event.Peers, pid)
			delete(s.peers, pid)
			for _, t := range p.transports {
				td.transports = append(td.transports, t)
			}
		}
		teardowns = append(teardowns, td)
	}
	s.mu.Unlock()

	for _, td := range teardowns {
		for _, t := range td.transports {
			t.Close()
		}
		if td.router != nil {
			td.router.Close()
		}
		s.logger.Warnw("room force-closed after worker death",
			"room_id", td.event.RoomID, "worker_id", workerID, "peers", len(td.event.Peers))
		if s.observer != nil {
			s.observer.RoomClosed(td.event)
		}
	}
}

// RoomPeers lists the peers currently registered in the room.
func (s *SessionManager) RoomPeers(roomID domain.RoomID) []domain.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	out := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// RoomProducers lists every producer in the room except those owned by the
// excluded peer. A joining peer passes itself to discover what to consume.
func (s *SessionManager) RoomProducers(roomID domain.RoomID, exclude domain.PeerID) []domain.ProducerSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := s.rooms[roomID]
	if r == nil {
		return nil
	}
	var out []domain.ProducerSummary
	for pid, ownerID := range r.producerOwner {
		if ownerID == exclude {
			continue
		}
		owner := r.peers[ownerID]
		if owner == nil {
			continue
		}
		producer := owner.producers[pid]
		if producer == nil {
			continue
		}
		out = append(out, domain.ProducerSummary{
			ProducerID: pid,
			PeerID:     ownerID,
			Kind:       producer.Kind(),
			AppData:    producer.AppData(),
		})
	}
	return out
}

// PeerProducers lists the producers owned by one peer.
func (s *SessionManager) PeerProducers(peerID domain.PeerID) []domain.ProducerSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.peers[peerID]
	if p == nil {
		return nil
	}
	out := make([]domain.ProducerSummary, 0, len(p.producers))
	for pid, producer := range p.producers {
		out = append(out, domain.ProducerSummary{
			ProducerID: pid,
			PeerID:     peerID,
			Kind:       producer.Kind(),
			AppData:    producer.AppData(),
		})
	}
	return out
}

// RoomCapabilities returns the room router's capabilities. Clients fetch them
// before deciding what they can consume.
func (s *SessionManager) RoomCapabilities(roomID domain.RoomID) (domain.RTPCapabilities, error) {
	s.mu.RLock()
	r := s.rooms[roomID]
	s.mu.RUnlock()

	if r == nil {
		return domain.RTPCapabilities{}, domain.ErrRoomNotFound
	}
	return r.router.Capabilities(), nil
}

// Stats returns the process-wide projection used by the stats endpoints and
// the presence reporter.
func (s *SessionManager) Stats() domain.HubStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.HubStats{
		Workers: s.pool.Size(),
		Rooms:   len(s.rooms),
		Peers:   len(s.peers),
		Details: make([]domain.RoomStats, 0, len(s.rooms)),
	}
	for id, r := range s.rooms {
		stats.Details = append(stats.Details, domain.RoomStats{
			ID:        id,
			WorkerID:  r.workerID,
			PeerCount: len(r.peers),
		})
	}
	return stats
}

func (s *SessionManager) peerTransport(peerID domain.PeerID, transportID domain.TransportID) (ports.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[peerID]
	if !ok {
		return nil, domain.ErrNotJoined
	}
	t, ok := p.transports[transportID]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	return t, nil
}

func (s *SessionManager) peerProducer(peerID domain.PeerID, producerID domain.ProducerID) ports.Producer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[peerID]
	if !ok {
		return nil
	}
	return p.producers[producerID]
}

func (s *SessionManager) peerConsumer(peerID domain.PeerID, consumerID domain.ConsumerID) ports.Consumer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[peerID]
	if !ok {
		return nil
	}
	return p.consumers[consumerID]
}
