package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/pkg/tracing"
)

// dispatch runs one request and produces its response frame.
func (s *Server) dispatch(ctx context.Context, c *client, req Request) Response {
	if req.Method == "" {
		return Response{ID: req.ID, Success: false, Error: "method is required"}
	}

	c.mu.Lock()
	peerID := c.peerID
	c.mu.Unlock()

	start := time.Now()
	ctx, span := tracing.TraceSignalRequest(ctx, req.Method, string(peerID))
	data, err := s.handle(ctx, c, req)
	if err != nil {
		tracing.RecordError(ctx, err)
	}
	span.End()

	if s.metrics != nil {
		s.metrics.ObserveSignalRequest(req.Method, err == nil, time.Since(start))
	}

	if err != nil {
		s.logger.Infow("signaling request failed",
			"conn_id", c.connID, "method", req.Method, "error", err)
		return Response{ID: req.ID, Success: false, Error: err.Error()}
	}
	return Response{ID: req.ID, Success: true, Data: data}
}

func (s *Server) handle(ctx context.Context, c *client, req Request) (interface{}, error) {
	switch req.Method {
	case "joinRoom":
		return s.handleJoinRoom(ctx, c, req.Data)
	case "leaveRoom":
		return s.handleLeaveRoom(ctx, c)
	case "getRouterRtpCapabilities":
		return s.handleRoomCapabilities(c)
	case "createTransport":
		return s.handleCreateTransport(ctx, c)
	case "connectTransport":
		return s.handleConnectTransport(ctx, c, req.Data)
	case "produce":
		return s.handleProduce(ctx, c, req.Data)
	case "closeProducer":
		return s.handleCloseProducer(ctx, c, req.Data)
	case "pauseProducer":
		return s.handlePauseProducer(ctx, c, req.Data)
	case "resumeProducer":
		return s.handleResumeProducer(ctx, c, req.Data)
	case "consume":
		return s.handleConsume(ctx, c, req.Data)
	case "pauseConsumer":
		return s.handlePauseConsumer(ctx, c, req.Data)
	case "resumeConsumer":
		return s.handleResumeConsumer(ctx, c, req.Data)
	case "getRoomPeers":
		return s.handleRoomPeers(c)
	case "getRoomProducers":
		return s.handleRoomProducers(c)
	case "getPeerProducers":
		return s.handlePeerProducers(c, req.Data)
	case "chatMessage":
		return s.handleChat(ctx, c, req.Data)
	case "ping":
		return map[string]interface{}{"ts": time.Now().UnixMilli()}, nil
	default:
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("request data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request data: %w", err)
	}
	return nil
}

// session returns the connection's join state.
func (c *client) session() (domain.PeerID, domain.RoomID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return "", "", domain.ErrNotJoined
	}
	return c.peerID, c.roomID, nil
}

func (s *Server) handleJoinRoom(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	var payload joinRoomRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	// A second connection claiming an already-connected peer id takes the
	// session over; the old connection is cut loose without tearing the
	// fresh session down.
	s.mu.Lock()
	if old, ok := s.byPeer[payload.PeerID]; ok && old != c {
		old.mu.Lock()
		old.joined = false
		old.mu.Unlock()
		old.closeOnce.Do(func() { old.conn.Close() })
		s.logger.Infow("peer taken over by new connection", "peer_id", payload.PeerID)
	}
	s.mu.Unlock()

	res, err := s.sessions.JoinRoom(ctx, payload.RoomID, payload.PeerID, c.connID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.peerID = payload.PeerID
	c.roomID = payload.RoomID
	c.joined = true
	c.mu.Unlock()

	s.mu.Lock()
	s.byPeer[payload.PeerID] = c
	s.mu.Unlock()

	s.notifyRoom(payload.RoomID, payload.PeerID, eventNewPeer, map[string]interface{}{
		"peerId": payload.PeerID,
	})

	peers := make([]domain.PeerID, 0)
	for _, id := range s.sessions.RoomPeers(payload.RoomID) {
		if id != payload.PeerID {
			peers = append(peers, id)
		}
	}

	return map[string]interface{}{
		"rtpCapabilities": res.Capabilities,
		"peers":           peers,
		"producers":       s.sessions.RoomProducers(payload.RoomID, payload.PeerID),
	}, nil
}

func (s *Server) handleLeaveRoom(ctx context.Context, c *client) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	producers := s.sessions.PeerProducers(peerID)
	if err := s.sessions.LeavePeer(ctx, peerID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.joined = false
	c.roomID = ""
	c.mu.Unlock()

	s.mu.Lock()
	if s.byPeer[peerID] == c {
		delete(s.byPeer, peerID)
	}
	s.mu.Unlock()

	for _, p := range producers {
		s.notifyRoom(roomID, peerID, eventProducerClosed, map[string]interface{}{
			"producerId": p.ProducerID,
			"peerId":     peerID,
		})
	}
	s.notifyRoom(roomID, peerID, eventPeerLeft, map[string]interface{}{"peerId": peerID})

	return map[string]interface{}{"left": true}, nil
}

func (s *Server) handleRoomCapabilities(c *client) (interface{}, error) {
	_, roomID, err := c.session()
	if err != nil {
		return nil, err
	}
	caps, err := s.sessions.RoomCapabilities(roomID)
	if err != nil {
		return nil, err
	}
	return caps, nil
}

func (s *Server) handleCreateTransport(ctx context.Context, c *client) (interface{}, error) {
	peerID, _, err := c.session()
	if err != nil {
		return nil, err
	}
	return s.sessions.CreateTransport(ctx, peerID)
}

func (s *Server) handleConnectTransport(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, _, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload connectTransportRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	if err := s.sessions.ConnectTransport(ctx, peerID, payload.TransportID, domain.SecurityParameters{SDP: payload.SDP}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"connected": true}, nil
}

func (s *Server) handleProduce(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload produceRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	producerID, err := s.sessions.Produce(ctx, peerID, payload.TransportID, payload.Kind, domain.FlowParameters{
		MID:      payload.MID,
		TrackID:  payload.TrackID,
		StreamID: payload.StreamID,
		MimeType: payload.MimeType,
	}, payload.AppData)
	if err != nil {
		return nil, err
	}

	s.notifyRoom(roomID, peerID, eventNewProducer, map[string]interface{}{
		"producerId": producerID,
		"peerId":     peerID,
		"kind":       payload.Kind,
		"appData":    payload.AppData,
	})

	return map[string]interface{}{"producerId": producerID}, nil
}

func (s *Server) handleCloseProducer(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload producerRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	if err := s.sessions.CloseProducer(ctx, peerID, payload.ProducerID); err != nil {
		return nil, err
	}

	s.notifyRoom(roomID, peerID, eventProducerClosed, map[string]interface{}{
		"producerId": payload.ProducerID,
		"peerId":     peerID,
	})
	return map[string]interface{}{"closed": true}, nil
}

func (s *Server) handlePauseProducer(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload producerRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	applied, err := s.sessions.PauseProducer(ctx, peerID, payload.ProducerID)
	if err != nil {
		return nil, err
	}
	if applied {
		s.notifyRoom(roomID, peerID, eventProducerPaused, map[string]interface{}{
			"producerId": payload.ProducerID,
			"peerId":     peerID,
		})
	}
	return map[string]interface{}{"paused": true}, nil
}

func (s *Server) handleResumeProducer(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload producerRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	applied, err := s.sessions.ResumeProducer(ctx, peerID, payload.ProducerID)
	if err != nil {
		return nil, err
	}
	if applied {
		s.notifyRoom(roomID, peerID, eventProducerResumed, map[string]interface{}{
			"producerId": payload.ProducerID,
			"peerId":     peerID,
		})
	}
	return map[string]interface{}{"resumed": true}, nil
}

func (s *Server) handleConsume(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, _, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload consumeRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	return s.sessions.Consume(ctx, peerID, payload.TransportID, payload.ProducerID, payload.Capabilities)
}

func (s *Server) handlePauseConsumer(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, _, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload consumerRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	if _, err := s.sessions.PauseConsumer(ctx, peerID, payload.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"paused": true}, nil
}

func (s *Server) handleResumeConsumer(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, _, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload consumerRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	if _, err := s.sessions.ResumeConsumer(ctx, peerID, payload.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"resumed": true}, nil
}

func (s *Server) handleRoomPeers(c *client) (interface{}, error) {
	_, roomID, err := c.session()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"peers": s.sessions.RoomPeers(roomID)}, nil
}

func (s *Server) handleRoomProducers(c *client) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"producers": s.sessions.RoomProducers(roomID, peerID)}, nil
}

func (s *Server) handlePeerProducers(c *client, data json.RawMessage) (interface{}, error) {
	_, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload peerProducersRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}

	// Only peers sharing the caller's room are visible here.
	inRoom := false
	for _, id := range s.sessions.RoomPeers(roomID) {
		if id == payload.PeerID {
			inRoom = true
			break
		}
	}
	if !inRoom {
		return nil, domain.ErrPeerNotFound
	}
	return map[string]interface{}{"producers": s.sessions.PeerProducers(payload.PeerID)}, nil
}

func (s *Server) handleChat(ctx context.Context, c *client, data json.RawMessage) (interface{}, error) {
	peerID, roomID, err := c.session()
	if err != nil {
		return nil, err
	}

	var payload chatRequest
	if err := decode(data, &payload); err != nil {
		return nil, err
	}
	if payload.Body == "" {
		return nil, fmt.Errorf("message body is required")
	}

	msg := domain.ChatMessage{
		RoomID: roomID,
		PeerID: peerID,
		Body:   payload.Body,
		SentAt: time.Now(),
	}

	if s.messages != nil {
		if err := s.messages.Append(ctx, msg); err != nil {
			s.logger.Warnw("failed to persist chat message", "room_id", roomID, "error", err)
		}
	}

	s.notifyRoom(roomID, peerID, eventChatMessage, msg)
	return map[string]interface{}{"sentAt": msg.SentAt}, nil
}
