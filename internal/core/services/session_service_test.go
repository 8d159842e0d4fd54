package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/internal/infrastructure/media"
	"voxhub/internal/infrastructure/media/mediatest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testCodecs = []domain.Codec{
	{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func allCaps() domain.RTPCapabilities {
	return domain.RTPCapabilities{Codecs: testCodecs}
}

func newTestManager(t *testing.T, workers int) (*SessionManager, *mediatest.Engine, *media.Pool) {
	t.Helper()

	engine := mediatest.NewEngine()
	pool := media.NewPool(engine, 10*time.Millisecond, zap.NewNop().Sugar())
	require.NoError(t, pool.Init(context.Background(), workers))
	t.Cleanup(func() { pool.Close() })

	sm := NewSessionManager(pool, testCodecs, nil, zap.NewNop().Sugar())
	return sm, engine, pool
}

func join(t *testing.T, sm *SessionManager, roomID, peerID string) {
	t.Helper()
	_, err := sm.JoinRoom(context.Background(), domain.RoomID(roomID), domain.PeerID(peerID), domain.ConnectionID("conn-"+peerID))
	require.NoError(t, err)
}

func createTransport(t *testing.T, sm *SessionManager, peerID string) domain.TransportID {
	t.Helper()
	info, err := sm.CreateTransport(context.Background(), domain.PeerID(peerID))
	require.NoError(t, err)
	return info.ID
}

type recordingObserver struct {
	mu     sync.Mutex
	events []ports.RoomEvent
}

func (o *recordingObserver) RoomClosed(ev ports.RoomEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) Events() []ports.RoomEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ports.RoomEvent, len(o.events))
	copy(out, o.events)
	return out
}

func TestJoinRoomReturnsRouterCapabilities(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	res, err := sm.JoinRoom(context.Background(), "lobby", "alice", "conn-1")
	require.NoError(t, err)
	assert.True(t, res.Capabilities.CanReceive("audio/opus"))
	assert.True(t, res.Capabilities.CanReceive("video/VP8"))
}

func TestJoinRoomValidatesIdentifiers(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	_, err := sm.JoinRoom(context.Background(), "bad room", "alice", "c1")
	assert.Error(t, err)

	_, err = sm.JoinRoom(context.Background(), "lobby", "", "c1")
	assert.Error(t, err)
}

func TestConcurrentJoinsCreateOneRouter(t *testing.T) {
	sm, engine, _ := newTestManager(t, 4)

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peerID := domain.PeerID("peer-" + string(rune('a'+i%26)) + string(rune('a'+i/26)))
			_, errs[i] = sm.JoinRoom(context.Background(), "crowded", peerID, domain.ConnectionID("c"))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	routers := 0
	for _, w := range engine.Workers() {
		routers += len(w.Routers())
	}
	assert.Equal(t, 1, routers)

	stats := sm.Stats()
	assert.Equal(t, 1, stats.Rooms)
}

func TestRoomsSpreadAcrossWorkers(t *testing.T) {
	sm, _, _ := newTestManager(t, 2)

	join(t, sm, "room-a", "alice")
	join(t, sm, "room-b", "bob")

	stats := sm.Stats()
	require.Len(t, stats.Details, 2)
	assert.NotEqual(t, stats.Details[0].WorkerID, stats.Details[1].WorkerID)
}

func TestRejoinTearsDownPreviousSession(t *testing.T) {
	sm, engine, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	createTransport(t, sm, "alice")

	join(t, sm, "lobby", "alice")

	stats := sm.Stats()
	assert.Equal(t, 1, stats.Peers)

	// Rejoin of the sole peer closed the room, so the first router is gone
	// and a fresh one backs the new session.
	routers := engine.Workers()[0].Routers()
	require.Len(t, routers, 2)
	assert.True(t, routers[0].Closed())
	assert.False(t, routers[1].Closed())
}

func TestCreateTransportRequiresJoin(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	_, err := sm.CreateTransport(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestConnectTransport(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	tid := createTransport(t, sm, "alice")

	err := sm.ConnectTransport(context.Background(), "alice", tid, domain.SecurityParameters{SDP: "v=0 answer"})
	assert.NoError(t, err)

	err = sm.ConnectTransport(context.Background(), "alice", "no-such-transport", domain.SecurityParameters{SDP: "v=0"})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestProduceAndDiscovery(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	join(t, sm, "lobby", "bob")
	tid := createTransport(t, sm, "alice")

	pid, err := sm.Produce(context.Background(), "alice", tid, domain.MediaKindAudio,
		domain.FlowParameters{MimeType: "audio/opus"}, domain.AppData{"source": "mic"})
	require.NoError(t, err)

	// Discovery from bob's point of view sees alice's producer with ownership
	// stamped into the app data.
	producers := sm.RoomProducers("lobby", "bob")
	require.Len(t, producers, 1)
	assert.Equal(t, pid, producers[0].ProducerID)
	assert.Equal(t, domain.PeerID("alice"), producers[0].PeerID)
	assert.Equal(t, "alice", producers[0].AppData["peerId"])
	assert.Equal(t, "mic", producers[0].AppData["source"])

	// The owner is excluded from their own discovery answer.
	assert.Empty(t, sm.RoomProducers("lobby", "alice"))

	own := sm.PeerProducers("alice")
	require.Len(t, own, 1)
	assert.Equal(t, pid, own[0].ProducerID)
}

func TestProduceRejectsInvalidKind(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	tid := createTransport(t, sm, "alice")

	_, err := sm.Produce(context.Background(), "alice", tid, "smell", domain.FlowParameters{}, nil)
	assert.Error(t, err)
}

func TestConsumeStartsPaused(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	join(t, sm, "lobby", "bob")
	sendTID := createTransport(t, sm, "alice")
	recvTID := createTransport(t, sm, "bob")

	pid, err := sm.Produce(context.Background(), "alice", sendTID, domain.MediaKindAudio,
		domain.FlowParameters{MimeType: "audio/opus"}, nil)
	require.NoError(t, err)

	info, err := sm.Consume(context.Background(), "bob", recvTID, pid, allCaps())
	require.NoError(t, err)
	assert.Equal(t, pid, info.ProducerID)
	assert.Equal(t, domain.PeerID("alice"), info.ProducerPeerID)
	assert.Equal(t, domain.MediaKindAudio, info.Kind)

	assert.True(t, consumerPaused(t, sm, "bob", info.ID))

	applied, err := sm.ResumeConsumer(context.Background(), "bob", info.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, consumerPaused(t, sm, "bob", info.ID))

	applied, err = sm.PauseConsumer(context.Background(), "bob", info.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, consumerPaused(t, sm, "bob", info.ID))
}

func consumerPaused(t *testing.T, sm *SessionManager, peerID domain.PeerID, consumerID domain.ConsumerID) bool {
	t.Helper()
	c := sm.peerConsumer(peerID, consumerID)
	require.NotNil(t, c)
	return c.Paused()
}

func TestConsumeUnknownProducer(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "bob")
	recvTID := createTransport(t, sm, "bob")

	_, err := sm.Consume(context.Background(), "bob", recvTID, "no-such-producer", allCaps())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestConsumeIncompatibleCapabilities(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	join(t, sm, "lobby", "bob")
	sendTID := createTransport(t, sm, "alice")
	recvTID := createTransport(t, sm, "bob")

	pid, err := sm.Produce(context.Background(), "alice", sendTID, domain.MediaKindVideo,
		domain.FlowParameters{MimeType: "video/VP8"}, nil)
	require.NoError(t, err)

	audioOnly := domain.RTPCapabilities{Codecs: []domain.Codec{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000},
	}}
	_, err = sm.Consume(context.Background(), "bob", recvTID, pid, audioOnly)
	assert.ErrorIs(t, err, domain.ErrIncompatibleCapabilities)
}

func TestProducerCloseCascadesToConsumers(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	join(t, sm, "lobby", "bob")
	sendTID := createTransport(t, sm, "alice")
	recvTID := createTransport(t, sm, "bob")

	pid, err := sm.Produce(context.Background(), "alice", sendTID, domain.MediaKindAudio,
		domain.FlowParameters{MimeType: "audio/opus"}, nil)
	require.NoError(t, err)

	info, err := sm.Consume(context.Background(), "bob", recvTID, pid, allCaps())
	require.NoError(t, err)

	require.NoError(t, sm.CloseProducer(context.Background(), "alice", pid))

	assert.Empty(t, sm.PeerProducers("alice"))
	assert.Nil(t, sm.peerConsumer("bob", info.ID))

	// Closing again is a no-op.
	assert.NoError(t, sm.CloseProducer(context.Background(), "alice", pid))
}

func TestPauseResumeProducer(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	tid := createTransport(t, sm, "alice")

	pid, err := sm.Produce(context.Background(), "alice", tid, domain.MediaKindAudio,
		domain.FlowParameters{MimeType: "audio/opus"}, nil)
	require.NoError(t, err)

	applied, err := sm.PauseProducer(context.Background(), "alice", pid)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.True(t, sm.peerProducer("alice", pid).Paused())

	applied, err = sm.ResumeProducer(context.Background(), "alice", pid)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.False(t, sm.peerProducer("alice", pid).Paused())
}

func TestPauseResumeMissingTargetIsNoop(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")

	// Pause and resume race with disconnect teardown; a target that is
	// already gone must not surface as a failure.
	applied, err := sm.PauseProducer(context.Background(), "alice", "gone")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = sm.ResumeProducer(context.Background(), "alice", "gone")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = sm.PauseConsumer(context.Background(), "alice", "gone")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = sm.ResumeConsumer(context.Background(), "alice", "gone")
	require.NoError(t, err)
	assert.False(t, applied)

	// Same for a peer that already left entirely.
	require.NoError(t, sm.LeavePeer(context.Background(), "alice"))
	applied, err = sm.PauseProducer(context.Background(), "alice", "gone")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestLeavePeerCascade(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	join(t, sm, "lobby", "bob")
	sendTID := createTransport(t, sm, "alice")
	recvTID := createTransport(t, sm, "bob")

	pid, err := sm.Produce(context.Background(), "alice", sendTID, domain.MediaKindAudio,
		domain.FlowParameters{MimeType: "audio/opus"}, nil)
	require.NoError(t, err)

	info, err := sm.Consume(context.Background(), "bob", recvTID, pid, allCaps())
	require.NoError(t, err)

	require.NoError(t, sm.LeavePeer(context.Background(), "alice"))

	// Alice's transport close took her producer down, which took bob's
	// consumer down with it. The room survives because bob is still in it.
	assert.Empty(t, sm.RoomProducers("lobby", "bob"))
	assert.Nil(t, sm.peerConsumer("bob", info.ID))

	stats := sm.Stats()
	assert.Equal(t, 1, stats.Rooms)
	assert.Equal(t, 1, stats.Peers)
}

func TestLeavePeerIdempotent(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	join(t, sm, "lobby", "alice")
	require.NoError(t, sm.LeavePeer(context.Background(), "alice"))
	require.NoError(t, sm.LeavePeer(context.Background(), "alice"))
	require.NoError(t, sm.LeavePeer(context.Background(), "never-joined"))
}

func TestLastLeaveClosesRoom(t *testing.T) {
	sm, engine, _ := newTestManager(t, 2)

	join(t, sm, "lobby", "alice")
	require.NoError(t, sm.LeavePeer(context.Background(), "alice"))

	stats := sm.Stats()
	assert.Equal(t, 0, stats.Rooms)

	routers := engine.Workers()[0].Routers()
	require.Len(t, routers, 1)
	assert.True(t, routers[0].Closed())

	// Recreating the room is a fresh placement; round-robin has advanced, so
	// the second worker hosts it now.
	join(t, sm, "lobby", "alice")
	stats = sm.Stats()
	require.Len(t, stats.Details, 1)
	assert.Len(t, engine.Workers()[1].Routers(), 1)
}

func TestHandleWorkerDeathForceClosesRooms(t *testing.T) {
	sm, engine, _ := newTestManager(t, 1)
	obs := &recordingObserver{}
	sm.SetObserver(obs)

	join(t, sm, "lobby", "alice")
	join(t, sm, "lobby", "bob")
	createTransport(t, sm, "alice")

	workerID := engine.Workers()[0].ID()
	sm.HandleWorkerDeath(workerID)

	stats := sm.Stats()
	assert.Equal(t, 0, stats.Rooms)
	assert.Equal(t, 0, stats.Peers)

	events := obs.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.RoomID("lobby"), events[0].RoomID)
	assert.Equal(t, "worker_died", events[0].Reason)
	assert.ElementsMatch(t, []domain.PeerID{"alice", "bob"}, events[0].Peers)
}

func TestHandleWorkerDeathLeavesOtherRoomsAlone(t *testing.T) {
	sm, _, _ := newTestManager(t, 2)
	obs := &recordingObserver{}
	sm.SetObserver(obs)

	join(t, sm, "room-a", "alice")
	join(t, sm, "room-b", "bob")

	stats := sm.Stats()
	require.Len(t, stats.Details, 2)
	var victim domain.WorkerID
	for _, d := range stats.Details {
		if d.ID == "room-a" {
			victim = d.WorkerID
		}
	}

	sm.HandleWorkerDeath(victim)

	stats = sm.Stats()
	require.Len(t, stats.Details, 1)
	assert.Equal(t, domain.RoomID("room-b"), stats.Details[0].ID)

	events := obs.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.RoomID("room-a"), events[0].RoomID)
}

func TestRoomCapabilities(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)

	_, err := sm.RoomCapabilities("nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	join(t, sm, "lobby", "alice")
	caps, err := sm.RoomCapabilities("lobby")
	require.NoError(t, err)
	assert.True(t, caps.CanReceive("audio/opus"))
}

func TestOperationsRequireJoin(t *testing.T) {
	sm, _, _ := newTestManager(t, 1)
	ctx := context.Background()

	_, err := sm.Produce(ctx, "ghost", "t1", domain.MediaKindAudio, domain.FlowParameters{}, nil)
	assert.ErrorIs(t, err, domain.ErrNotJoined)

	_, err = sm.Consume(ctx, "ghost", "t1", "p1", allCaps())
	assert.ErrorIs(t, err, domain.ErrNotJoined)

	assert.ErrorIs(t, sm.ConnectTransport(ctx, "ghost", "t1", domain.SecurityParameters{SDP: "x"}), domain.ErrNotJoined)
}
