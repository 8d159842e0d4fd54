package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/internal/core/services"
	"voxhub/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Metrics is the slice of the monitoring surface the signaling layer reports
// into. Nil disables reporting.
type Metrics interface {
	ObserveSignalRequest(method string, success bool, duration time.Duration)
	SetConnections(n int)
}

// ServerConfig tunes connection handling.
type ServerConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestsPerSecond/Burst rate-limit each connection's requests.
	RequestsPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		RequestsPerSecond: 50,
		Burst:             100,
	}
}

// Server terminates signaling websockets and drives the session layer. One
// goroutine reads each connection; writes go through a per-client channel so
// notifications never interleave mid-frame with responses.
type Server struct {
	sessions ports.SessionService
	auth     services.AuthService // nil disables the token gate
	messages ports.MessageStore   // nil disables chat persistence
	metrics  Metrics
	config   ServerConfig
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[domain.ConnectionID]*client
	byPeer  map[domain.PeerID]*client
}

type client struct {
	connID domain.ConnectionID
	conn   *websocket.Conn
	send   chan []byte

	mu       sync.Mutex
	peerID   domain.PeerID
	roomID   domain.RoomID
	joined   bool
	sendDone bool

	closeOnce sync.Once
}

// trySend queues a frame unless the client's queue is closed or full. The
// client mutex serializes against disconnect closing the queue.
func (c *client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDone {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the send queue. Further trySend calls are dropped.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendDone {
		c.sendDone = true
		close(c.send)
	}
}

func NewServer(sessions ports.SessionService, auth services.AuthService, messages ports.MessageStore, metrics Metrics, config ServerConfig, logger *zap.SugaredLogger) *Server {
	return &Server{
		sessions: sessions,
		auth:     auth,
		messages: messages,
		metrics:  metrics,
		config:   config,
		logger:   logger,
		clients:  make(map[domain.ConnectionID]*client),
		byPeer:   make(map[domain.PeerID]*client),
	}
}

// HandleWebSocket upgrades the request and serves the connection until it
// drops.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		if err := s.authorize(r); err != nil {
			s.logger.Warnw("rejecting unauthorized signaling connection", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		connID: domain.ConnectionID(utils.GenerateConnectionID()),
		conn:   conn,
		send:   make(chan []byte, 64),
	}

	s.mu.Lock()
	s.clients[c.connID] = c
	count := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetConnections(count)
	}

	s.logger.Infow("signaling connection opened", "conn_id", c.connID, "remote", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
	s.disconnect(c)
}

// authorize checks the bearer token, taken from the Authorization header or
// the token query parameter (browsers cannot set headers on websockets).
func (s *Server) authorize(r *http.Request) error {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	_, err := s.auth.ValidateToken(token)
	return err
}

func (s *Server) readPump(c *client) {
	limiter := rate.NewLimiter(rate.Limit(s.config.RequestsPerSecond), s.config.Burst)

	c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("signaling read failed", "conn_id", c.connID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))

		if !limiter.Allow() {
			s.logger.Warnw("signaling connection rate limited", "conn_id", c.connID)
			continue
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.enqueue(c, Response{Success: false, Error: "malformed request frame"})
			continue
		}

		s.enqueue(c, s.dispatch(context.Background(), c, req))
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue marshals a frame into the client's send queue. A client too slow to
// drain its queue is cut off rather than allowed to stall the sender.
func (s *Server) enqueue(c *client, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Errorw("failed to marshal frame", "conn_id", c.connID, "error", err)
		return
	}

	if !c.trySend(data) {
		s.logger.Warnw("dropping frame for slow or closed connection", "conn_id", c.connID)
		c.closeOnce.Do(func() { c.conn.Close() })
	}
}

// disconnect tears the connection's session state down. The peer's producers
// are announced as closed to the room, then the peer itself as gone.
func (s *Server) disconnect(c *client) {
	c.mu.Lock()
	peerID := c.peerID
	roomID := c.roomID
	joined := c.joined
	c.joined = false
	c.mu.Unlock()

	s.mu.Lock()
	delete(s.clients, c.connID)
	if joined && s.byPeer[peerID] == c {
		delete(s.byPeer, peerID)
	}
	count := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SetConnections(count)
	}

	if joined {
		producers := s.sessions.PeerProducers(peerID)
		if err := s.sessions.LeavePeer(context.Background(), peerID); err != nil {
			s.logger.Errorw("failed to remove disconnected peer", "peer_id", peerID, "error", err)
		}
		for _, p := range producers {
			s.notifyRoom(roomID, peerID, eventProducerClosed, map[string]interface{}{
				"producerId": p.ProducerID,
				"peerId":     peerID,
			})
		}
		s.notifyRoom(roomID, peerID, eventPeerLeft, map[string]interface{}{"peerId": peerID})
	}

	c.closeOnce.Do(func() { c.conn.Close() })
	c.closeSend()
	s.logger.Infow("signaling connection closed", "conn_id", c.connID, "peer_id", peerID)
}

// notifyRoom fans a notification out to every connected peer in the room
// except one.
func (s *Server) notifyRoom(roomID domain.RoomID, exclude domain.PeerID, event string, data interface{}) {
	peers := s.sessions.RoomPeers(roomID)

	s.mu.RLock()
	targets := make([]*client, 0, len(peers))
	for _, peerID := range peers {
		if peerID == exclude {
			continue
		}
		if c, ok := s.byPeer[peerID]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.enqueue(c, Notification{Event: event, Data: data})
	}
}

// RoomClosed implements ports.RoomObserver. Members of a force-closed room
// are told to rejoin; their connection-local join state is reset so stale
// requests fail fast with a not-joined error.
func (s *Server) RoomClosed(ev ports.RoomEvent) {
	s.mu.RLock()
	targets := make([]*client, 0, len(ev.Peers))
	for _, peerID := range ev.Peers {
		if c, ok := s.byPeer[peerID]; ok {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.mu.Lock()
		c.joined = false
		c.roomID = ""
		c.mu.Unlock()

		s.enqueue(c, Notification{Event: eventRoomClosed, Data: map[string]interface{}{
			"roomId": ev.RoomID,
			"reason": ev.Reason,
		}})
	}

	s.mu.Lock()
	for _, peerID := range ev.Peers {
		delete(s.byPeer, peerID)
	}
	s.mu.Unlock()
}
