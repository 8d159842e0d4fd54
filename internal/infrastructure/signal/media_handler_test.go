package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/services"
	"voxhub/internal/infrastructure/media"
	"voxhub/internal/infrastructure/media/mediatest"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var handlerTestCodecs = []domain.Codec{
	{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

type capturingStore struct {
	mu       sync.Mutex
	messages []domain.ChatMessage
}

func (s *capturingStore) Append(_ context.Context, msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *capturingStore) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

type testEnv struct {
	url      string
	sessions *services.SessionManager
	server   *Server
	store    *capturingStore
}

func startTestServer(t *testing.T, auth services.AuthService) *testEnv {
	t.Helper()

	engine := mediatest.NewEngine()
	pool := media.NewPool(engine, 10*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, pool.Init(context.Background(), 1))
	t.Cleanup(func() { pool.Close() })

	sessions := services.NewSessionManager(pool, handlerTestCodecs, nil, zap.NewNop().Sugar())
	store := &capturingStore{}
	srv := NewServer(sessions, auth, store, nil, DefaultServerConfig(), zap.NewNop().Sugar())
	sessions.SetObserver(srv)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(httpSrv.Close)

	return &testEnv{
		url:      "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
		sessions: sessions,
		server:   srv,
		store:    store,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is either a response (ID set by the client) or a notification (Event
// set by the server).
type frame struct {
	ID      int64           `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, id int64, method string, data interface{}) {
	t.Helper()
	req := map[string]interface{}{"id": id, "method": method}
	if data != nil {
		req["data"] = data
	}
	require.NoError(t, conn.WriteJSON(req))
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// awaitResponse reads frames until the response with the given id shows up,
// ignoring interleaved notifications.
func awaitResponse(t *testing.T, conn *websocket.Conn, id int64) frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Event == "" && f.ID == id {
			return f
		}
	}
}

// awaitEvent reads frames until the named notification shows up.
func awaitEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Event == event {
			return f
		}
	}
}

func call(t *testing.T, conn *websocket.Conn, id int64, method string, data interface{}) frame {
	t.Helper()
	send(t, conn, id, method, data)
	return awaitResponse(t, conn, id)
}

func joinPeer(t *testing.T, conn *websocket.Conn, roomID, peerID string) frame {
	t.Helper()
	f := call(t, conn, 1, "joinRoom", map[string]string{"roomId": roomID, "peerId": peerID})
	require.True(t, f.Success, "join failed: %s", f.Error)
	return f
}

func TestJoinRoomReturnsCapabilitiesAndRoster(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")

	bob := dial(t, env.url)
	f := joinPeer(t, bob, "lobby", "bob")

	var res struct {
		RTPCapabilities domain.RTPCapabilities   `json:"rtpCapabilities"`
		Peers           []domain.PeerID          `json:"peers"`
		Producers       []domain.ProducerSummary `json:"producers"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &res))
	assert.True(t, res.RTPCapabilities.CanReceive("audio/opus"))
	assert.Equal(t, []domain.PeerID{"alice"}, res.Peers)
	assert.Empty(t, res.Producers)

	// Alice is told about the new peer.
	ev := awaitEvent(t, alice, "newPeer")
	assert.Contains(t, string(ev.Data), "bob")
}

func TestRequestsBeforeJoinFail(t *testing.T) {
	env := startTestServer(t, nil)
	conn := dial(t, env.url)

	f := call(t, conn, 7, "createTransport", nil)
	assert.False(t, f.Success)
	assert.Contains(t, f.Error, "not joined")
}

func TestUnknownMethod(t *testing.T) {
	env := startTestServer(t, nil)
	conn := dial(t, env.url)

	f := call(t, conn, 3, "teleport", nil)
	assert.False(t, f.Success)
	assert.Contains(t, f.Error, "unknown method")
}

func TestProduceConsumeOverSignaling(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "studio", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "studio", "bob")

	// Alice sets up her send transport and produces audio.
	f := call(t, alice, 2, "createTransport", nil)
	require.True(t, f.Success, f.Error)
	var transport domain.TransportInfo
	require.NoError(t, json.Unmarshal(f.Data, &transport))
	require.NotEmpty(t, transport.ID)
	require.NotEmpty(t, transport.SDP)

	f = call(t, alice, 3, "connectTransport", map[string]interface{}{
		"transportId": transport.ID,
		"sdp":         "v=0 client-answer",
	})
	require.True(t, f.Success, f.Error)

	f = call(t, alice, 4, "produce", map[string]interface{}{
		"transportId": transport.ID,
		"kind":        "audio",
		"mimeType":    "audio/opus",
		"appData":     map[string]interface{}{"source": "mic"},
	})
	require.True(t, f.Success, f.Error)
	var produced struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &produced))

	// Bob hears about it and consumes on his own transport.
	ev := awaitEvent(t, bob, "newProducer")
	assert.Contains(t, string(ev.Data), string(produced.ProducerID))

	f = call(t, bob, 2, "createTransport", nil)
	require.True(t, f.Success, f.Error)
	var recv domain.TransportInfo
	require.NoError(t, json.Unmarshal(f.Data, &recv))

	f = call(t, bob, 3, "consume", map[string]interface{}{
		"transportId": recv.ID,
		"producerId":  produced.ProducerID,
		"rtpCapabilities": map[string]interface{}{
			"codecs": []map[string]interface{}{
				{"kind": "audio", "mimeType": "audio/opus", "clockRate": 48000},
			},
		},
	})
	require.True(t, f.Success, f.Error)
	var consumer domain.ConsumerInfo
	require.NoError(t, json.Unmarshal(f.Data, &consumer))
	assert.Equal(t, produced.ProducerID, consumer.ProducerID)
	assert.Equal(t, domain.PeerID("alice"), consumer.ProducerPeerID)

	f = call(t, bob, 4, "resumeConsumer", map[string]interface{}{"consumerId": consumer.ID})
	require.True(t, f.Success, f.Error)
}

func TestCloseProducerNotifiesRoom(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "lobby", "bob")

	f := call(t, alice, 2, "createTransport", nil)
	require.True(t, f.Success, f.Error)
	var transport domain.TransportInfo
	require.NoError(t, json.Unmarshal(f.Data, &transport))

	f = call(t, alice, 3, "produce", map[string]interface{}{
		"transportId": transport.ID,
		"kind":        "video",
		"mimeType":    "video/VP8",
	})
	require.True(t, f.Success, f.Error)
	var produced struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &produced))
	awaitEvent(t, bob, "newProducer")

	f = call(t, alice, 4, "closeProducer", map[string]interface{}{"producerId": produced.ProducerID})
	require.True(t, f.Success, f.Error)

	ev := awaitEvent(t, bob, "producerClosed")
	assert.Contains(t, string(ev.Data), string(produced.ProducerID))
}

func TestPauseGoneProducerAcksWithoutNotify(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "lobby", "bob")

	// A producer torn down by a concurrent disconnect must not turn a pause
	// or resume into a hard failure, and the room hears nothing about it.
	f := call(t, alice, 2, "pauseProducer", map[string]interface{}{"producerId": "already-gone"})
	require.True(t, f.Success, f.Error)
	f = call(t, alice, 3, "resumeProducer", map[string]interface{}{"producerId": "already-gone"})
	require.True(t, f.Success, f.Error)
	f = call(t, alice, 4, "pauseConsumer", map[string]interface{}{"consumerId": "already-gone"})
	require.True(t, f.Success, f.Error)
	f = call(t, alice, 5, "resumeConsumer", map[string]interface{}{"consumerId": "already-gone"})
	require.True(t, f.Success, f.Error)

	// Bob's notifications are ordered; if a paused/resumed event had been
	// broadcast it would arrive before this chat message. Bob has seen no
	// events yet, so the chat message must be his very first frame.
	f = call(t, alice, 6, "chatMessage", map[string]interface{}{"body": "still here"})
	require.True(t, f.Success, f.Error)
	ev := readFrame(t, bob)
	assert.Equal(t, "chatMessage", ev.Event)
	assert.Contains(t, string(ev.Data), "still here")
}

func TestPeerProducersScopedToRoom(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "lobby", "bob")

	f := call(t, alice, 2, "createTransport", nil)
	require.True(t, f.Success, f.Error)
	var transport domain.TransportInfo
	require.NoError(t, json.Unmarshal(f.Data, &transport))

	f = call(t, alice, 3, "produce", map[string]interface{}{
		"transportId": transport.ID,
		"kind":        "audio",
		"mimeType":    "audio/opus",
	})
	require.True(t, f.Success, f.Error)

	f = call(t, bob, 2, "getPeerProducers", map[string]string{"peerId": "alice"})
	require.True(t, f.Success, f.Error)
	assert.Contains(t, string(f.Data), "alice")

	f = call(t, bob, 3, "getPeerProducers", map[string]string{"peerId": "stranger"})
	require.False(t, f.Success)
	assert.Contains(t, f.Error, "peer not found")
}

func TestLeaveRoomNotifiesRoom(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "lobby", "bob")

	f := call(t, bob, 2, "leaveRoom", nil)
	require.True(t, f.Success, f.Error)

	ev := awaitEvent(t, alice, "peerLeft")
	assert.Contains(t, string(ev.Data), "bob")

	// Bob's connection is back to the pre-join state.
	f = call(t, bob, 3, "getRoomPeers", nil)
	assert.False(t, f.Success)
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "lobby", "bob")

	bob.Close()

	ev := awaitEvent(t, alice, "peerLeft")
	assert.Contains(t, string(ev.Data), "bob")

	assert.Eventually(t, func() bool {
		return len(env.sessions.RoomPeers("lobby")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestChatRelay(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")
	bob := dial(t, env.url)
	joinPeer(t, bob, "lobby", "bob")

	f := call(t, alice, 2, "chatMessage", map[string]string{"body": "hello there"})
	require.True(t, f.Success, f.Error)

	ev := awaitEvent(t, bob, "chatMessage")
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, domain.PeerID("alice"), msg.PeerID)
	assert.Equal(t, "hello there", msg.Body)

	messages := env.store.Messages()
	require.Len(t, messages, 1)
	assert.Equal(t, "hello there", messages[0].Body)
}

func TestRoomClosedNotification(t *testing.T) {
	env := startTestServer(t, nil)

	alice := dial(t, env.url)
	joinPeer(t, alice, "lobby", "alice")

	stats := env.sessions.Stats()
	require.Len(t, stats.Details, 1)
	env.sessions.HandleWorkerDeath(stats.Details[0].WorkerID)

	ev := awaitEvent(t, alice, "roomClosed")
	assert.Contains(t, string(ev.Data), "worker_died")

	// Requests on the dead session fail until the client rejoins.
	f := call(t, alice, 5, "createTransport", nil)
	assert.False(t, f.Success)

	f = call(t, alice, 6, "joinRoom", map[string]string{"roomId": "lobby", "peerId": "alice"})
	assert.True(t, f.Success, f.Error)
}

func TestPing(t *testing.T) {
	env := startTestServer(t, nil)
	conn := dial(t, env.url)

	f := call(t, conn, 9, "ping", nil)
	require.True(t, f.Success)
	assert.Contains(t, string(f.Data), "ts")
}

func TestAuthGate(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour, 24*time.Hour)
	env := startTestServer(t, auth)

	_, resp, err := websocket.DefaultDialer.Dial(env.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(env.url+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	f := call(t, conn, 1, "ping", nil)
	assert.True(t, f.Success)
}
