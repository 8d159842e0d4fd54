package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/pkg/optimize"
	"voxhub/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// EngineConfig configures the pion-backed media engine.
type EngineConfig struct {
	// PortMin/PortMax is the UDP range shared by all workers; each worker gets
	// an even slice of it so their traffic never collides.
	PortMin uint16
	PortMax uint16

	// Slots is the number of workers the port range is divided among.
	Slots int

	ICEServers []domain.ICEServer

	// ProduceTimeout bounds how long a produce request waits for the client's
	// track to arrive on the wire.
	ProduceTimeout time.Duration
}

// PionEngine implements ports.MediaEngine on pion/webrtc. A worker is an
// isolated media unit with its own UDP port slice; routers build their own
// webrtc.API on top of the worker's transport settings so each room gets an
// independent codec table.
type PionEngine struct {
	config  EngineConfig
	logger  *zap.SugaredLogger
	buffers *optimize.BytePool

	mu      sync.Mutex
	created int
	closed  bool
}

func NewPionEngine(config EngineConfig, logger *zap.SugaredLogger) *PionEngine {
	if config.Slots <= 0 {
		config.Slots = 1
	}
	if config.ProduceTimeout <= 0 {
		config.ProduceTimeout = 10 * time.Second
	}
	return &PionEngine{
		config:  config,
		logger:  logger,
		buffers: optimize.NewBytePool(1500),
	}
}

func (e *PionEngine) NewWorker(_ context.Context, id domain.WorkerID) (ports.Worker, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, domain.ErrEngineClosed
	}
	slot := e.created % e.config.Slots
	e.created++
	e.mu.Unlock()

	settingEngine := webrtc.SettingEngine{}
	if e.config.PortMin > 0 && e.config.PortMax > e.config.PortMin {
		span := (e.config.PortMax - e.config.PortMin + 1) / uint16(e.config.Slots)
		if span == 0 {
			return nil, fmt.Errorf("port range %d-%d too small for %d workers",
				e.config.PortMin, e.config.PortMax, e.config.Slots)
		}
		min := e.config.PortMin + uint16(slot)*span
		max := min + span - 1
		if err := settingEngine.SetEphemeralUDPPortRange(min, max); err != nil {
			return nil, fmt.Errorf("failed to set port range for worker %s: %w", id, err)
		}
	}

	return &pionWorker{
		id:            id,
		engine:        e,
		settingEngine: settingEngine,
		died:          make(chan struct{}),
	}, nil
}

func (e *PionEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *PionEngine) iceServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(e.config.ICEServers))
	for _, s := range e.config.ICEServers {
		ice := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			ice.Credential = s.Credential
		}
		out = append(out, ice)
	}
	return out
}

type pionWorker struct {
	id            domain.WorkerID
	engine        *PionEngine
	settingEngine webrtc.SettingEngine

	mu      sync.Mutex
	routers []*pionRouter
	closed  bool

	died    chan struct{}
	dieOnce sync.Once
}

func (w *pionWorker) ID() domain.WorkerID   { return w.id }
func (w *pionWorker) Died() <-chan struct{} { return w.died }

func (w *pionWorker) NewRouter(_ context.Context, codecs []domain.Codec) (ports.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, domain.ErrWorkerDied
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range codecs {
		params, kind, err := codecParameters(codec)
		if err != nil {
			return nil, err
		}
		if err := mediaEngine.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", codec.MimeType, err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(w.settingEngine),
	)

	r := &pionRouter{
		worker: w,
		api:    api,
		caps:   domain.RTPCapabilities{Codecs: codecs},
	}
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *pionWorker) Close() error {
	w.mu.Lock()
	w.closed = true
	routers := w.routers
	w.routers = nil
	w.mu.Unlock()

	w.dieOnce.Do(func() { close(w.died) })
	for _, r := range routers {
		r.Close()
	}
	return nil
}

// codecParameters maps a codec description to pion registration parameters.
// Payload types follow pion's own defaults.
func codecParameters(codec domain.Codec) (webrtc.RTPCodecParameters, webrtc.RTPCodecType, error) {
	capability := webrtc.RTPCodecCapability{
		MimeType:  codec.MimeType,
		ClockRate: codec.ClockRate,
		Channels:  codec.Channels,
	}

	switch codec.MimeType {
	case webrtc.MimeTypeOpus:
		capability.SDPFmtpLine = "minptime=10;useinbandfec=1"
		return webrtc.RTPCodecParameters{RTPCodecCapability: capability, PayloadType: 111}, webrtc.RTPCodecTypeAudio, nil
	case webrtc.MimeTypeVP8:
		return webrtc.RTPCodecParameters{RTPCodecCapability: capability, PayloadType: 96}, webrtc.RTPCodecTypeVideo, nil
	case webrtc.MimeTypeVP9:
		return webrtc.RTPCodecParameters{RTPCodecCapability: capability, PayloadType: 98}, webrtc.RTPCodecTypeVideo, nil
	case webrtc.MimeTypeH264:
		capability.SDPFmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
		return webrtc.RTPCodecParameters{RTPCodecCapability: capability, PayloadType: 102}, webrtc.RTPCodecTypeVideo, nil
	}

	if codec.Kind == domain.MediaKindAudio {
		return webrtc.RTPCodecParameters{RTPCodecCapability: capability, PayloadType: 111}, webrtc.RTPCodecTypeAudio, nil
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: capability, PayloadType: 96}, webrtc.RTPCodecTypeVideo, nil
}

type pionRouter struct {
	worker *pionWorker
	api    *webrtc.API
	caps   domain.RTPCapabilities

	mu         sync.Mutex
	transports []*pionTransport
	closed     bool
}

func (r *pionRouter) Capabilities() domain.RTPCapabilities { return r.caps }

func (r *pionRouter) NewTransport(_ context.Context) (ports.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRoomNotFound
	}

	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   r.worker.engine.iceServers(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &pionTransport{
		id:     domain.TransportID(utils.GenerateTransportID()),
		router: r,
		pc:     pc,
		logger: r.worker.engine.logger,
	}

	pc.OnTrack(t.handleRemoteTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debugw("transport connection state changed", "transport_id", t.id, "state", state)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.Close()
		}
	})

	r.transports = append(r.transports, t)
	return t, nil
}

func (r *pionRouter) CanConsume(producer ports.Producer, caps domain.RTPCapabilities) bool {
	mime := producer.FlowParameters().MimeType
	if mime == "" {
		for _, c := range caps.Codecs {
			if c.Kind == producer.Kind() {
				return true
			}
		}
		return false
	}
	return caps.CanReceive(mime)
}

func (r *pionRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	r.transports = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}

// remoteArrival pairs an incoming remote track with its receiver so a pending
// produce request can claim it.
type remoteArrival struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

type pionTransport struct {
	id     domain.TransportID
	router *pionRouter
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu        sync.Mutex
	remotes   []remoteArrival
	arrived   chan struct{}
	producers []*pionProducer
	consumers []*pionConsumer
	hooks     []func()
	closed    bool
}

func (t *pionTransport) ID() domain.TransportID { return t.id }

// Info builds the server's current offer, waiting for ICE gathering so the
// SDP carries the worker's candidates. Called again after consumers were
// added it reflects the new tracks.
func (t *pionTransport) Info() domain.TransportInfo {
	info := domain.TransportInfo{ID: t.id}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		t.logger.Errorw("failed to create offer", "transport_id", t.id, "error", err)
		return info
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		t.logger.Errorw("failed to set local description", "transport_id", t.id, "error", err)
		return info
	}
	<-gathered

	if local := t.pc.LocalDescription(); local != nil {
		info.SDP = local.SDP
	}
	return info
}

func (t *pionTransport) Connect(_ context.Context, params domain.SecurityParameters) error {
	if params.SDP == "" {
		return fmt.Errorf("empty answer sdp")
	}
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  params.SDP,
	})
}

func (t *pionTransport) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	t.logger.Infow("remote track arrived",
		"transport_id", t.id, "track_id", track.ID(), "codec", track.Codec().MimeType)

	t.mu.Lock()
	t.remotes = append(t.remotes, remoteArrival{track: track, receiver: receiver})
	if t.arrived != nil {
		close(t.arrived)
		t.arrived = nil
	}
	t.mu.Unlock()
}

// claimRemote finds a remote track matching the flow parameters and removes
// it from the arrival list. Matching is by track id when given, by kind
// otherwise.
func (t *pionTransport) claimRemote(kind domain.MediaKind, params domain.FlowParameters) (remoteArrival, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.remotes {
		if params.TrackID != "" && r.track.ID() != params.TrackID {
			continue
		}
		if string(kind) != r.track.Kind().String() {
			continue
		}
		t.remotes = append(t.remotes[:i], t.remotes[i+1:]...)
		return r, true
	}
	return remoteArrival{}, false
}

// awaitRemote blocks until a matching remote track arrives or the timeout
// elapses. Tracks show up only after the client completed the handshake and
// started sending.
func (t *pionTransport) awaitRemote(ctx context.Context, kind domain.MediaKind, params domain.FlowParameters) (remoteArrival, error) {
	deadline := time.NewTimer(t.router.worker.engine.config.ProduceTimeout)
	defer deadline.Stop()

	for {
		if r, ok := t.claimRemote(kind, params); ok {
			return r, nil
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return remoteArrival{}, domain.ErrTransportNotFound
		}
		if t.arrived == nil {
			t.arrived = make(chan struct{})
		}
		arrived := t.arrived
		t.mu.Unlock()

		select {
		case <-arrived:
		case <-ctx.Done():
			return remoteArrival{}, ctx.Err()
		case <-deadline.C:
			return remoteArrival{}, fmt.Errorf("no %s track arrived on transport %s", kind, t.id)
		}
	}
}

func (t *pionTransport) Produce(ctx context.Context, kind domain.MediaKind, params domain.FlowParameters, appData domain.AppData) (ports.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	t.mu.Unlock()

	remote, err := t.awaitRemote(ctx, kind, params)
	if err != nil {
		return nil, err
	}

	if params.MimeType == "" {
		params.MimeType = remote.track.Codec().MimeType
	}
	if params.TrackID == "" {
		params.TrackID = remote.track.ID()
	}
	if params.StreamID == "" {
		params.StreamID = remote.track.StreamID()
	}

	p := &pionProducer{
		id:        domain.ProducerID(utils.GenerateProducerID()),
		kind:      kind,
		params:    params,
		appData:   appData,
		transport: t,
		remote:    remote.track,
		receiver:  remote.receiver,
		sinks:     make(map[domain.ConsumerID]*consumerSink),
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	go p.forward()
	go p.drainRTCP()
	return p, nil
}

func (t *pionTransport) Consume(_ context.Context, producer ports.Producer, _ domain.RTPCapabilities) (ports.Consumer, error) {
	src, ok := producer.(*pionProducer)
	if !ok {
		return nil, fmt.Errorf("producer is not backed by this engine")
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		src.remote.Codec().RTPCodecCapability,
		src.remote.ID(),
		src.remote.StreamID(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create forwarding track: %w", err)
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add forwarding track: %w", err)
	}

	c := &pionConsumer{
		id:         domain.ConsumerID(utils.GenerateConsumerID()),
		producerID: src.id,
		kind:       src.kind,
		transport:  t,
		source:     src,
		sender:     sender,
	}
	c.params = domain.FlowParameters{
		TrackID:  local.ID(),
		StreamID: local.StreamID(),
		MimeType: src.params.MimeType,
	}

	sink := &consumerSink{track: local}
	sink.paused.Store(true) // consumers start paused
	c.sink = sink

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	if !src.addSink(c.id, sink) {
		c.Close()
		return nil, domain.ErrProducerNotFound
	}
	src.OnClose(func() { c.Close() })

	go c.drainRTCP()
	return c, nil
}

func (t *pionTransport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.arrived != nil {
		close(t.arrived)
		t.arrived = nil
	}
	producers := t.producers
	consumers := t.consumers
	hooks := t.hooks
	t.producers = nil
	t.consumers = nil
	t.hooks = nil
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	t.pc.Close()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// consumerSink is one consumer's delivery endpoint on a producer's fan-out.
type consumerSink struct {
	track  *webrtc.TrackLocalStaticRTP
	paused atomic.Bool
}

type pionProducer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	params    domain.FlowParameters
	appData   domain.AppData
	transport *pionTransport
	remote    *webrtc.TrackRemote
	receiver  *webrtc.RTPReceiver

	paused atomic.Bool

	mu     sync.Mutex
	sinks  map[domain.ConsumerID]*consumerSink
	hooks  []func()
	closed bool

	done     chan struct{}
	doneOnce sync.Once
}

func (p *pionProducer) ID() domain.ProducerID                 { return p.id }
func (p *pionProducer) Kind() domain.MediaKind                { return p.kind }
func (p *pionProducer) FlowParameters() domain.FlowParameters { return p.params }
func (p *pionProducer) AppData() domain.AppData               { return p.appData }

func (p *pionProducer) Pause() error {
	p.paused.Store(true)
	return nil
}

func (p *pionProducer) Resume() error {
	p.paused.Store(false)
	return nil
}

func (p *pionProducer) Paused() bool { return p.paused.Load() }

func (p *pionProducer) addSink(id domain.ConsumerID, s *consumerSink) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.sinks[id] = s
	return true
}

func (p *pionProducer) removeSink(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sinks, id)
}

// requestKeyframe asks the sender for a fresh keyframe. Called when a video
// consumer resumes so it does not wait for the next natural keyframe.
func (p *pionProducer) requestKeyframe() {
	if p.kind != domain.MediaKindVideo {
		return
	}
	err := p.transport.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(p.remote.SSRC())},
	})
	if err != nil {
		p.transport.logger.Debugw("failed to request keyframe", "producer_id", p.id, "error", err)
	}
}

// forward pumps RTP from the remote track into every unpaused consumer sink.
func (p *pionProducer) forward() {
	pool := p.transport.router.worker.engine.buffers
	packet := &rtp.Packet{}

	for {
		select {
		case <-p.done:
			return
		default:
		}

		buf := pool.Get()
		n, _, err := p.remote.Read(buf)
		if err != nil {
			pool.Put(buf)
			p.Close()
			return
		}

		if p.paused.Load() {
			pool.Put(buf)
			continue
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			pool.Put(buf)
			p.transport.logger.Debugw("dropping malformed rtp packet", "producer_id", p.id, "error", err)
			continue
		}

		p.mu.Lock()
		for _, sink := range p.sinks {
			if sink.paused.Load() {
				continue
			}
			if err := sink.track.WriteRTP(packet); err != nil {
				p.transport.logger.Debugw("failed to forward rtp packet", "producer_id", p.id, "error", err)
			}
		}
		p.mu.Unlock()
		pool.Put(buf)
	}
}

// drainRTCP keeps the receiver's interceptor chain running.
func (p *pionProducer) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := p.receiver.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionProducer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

func (p *pionProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hooks := p.hooks
	p.hooks = nil
	p.sinks = nil
	p.mu.Unlock()

	p.doneOnce.Do(func() { close(p.done) })
	for _, fn := range hooks {
		fn()
	}
	return nil
}

type pionConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.FlowParameters
	transport  *pionTransport
	source     *pionProducer
	sender     *webrtc.RTPSender
	sink       *consumerSink

	mu     sync.Mutex
	hooks  []func()
	closed bool
}

func (c *pionConsumer) ID() domain.ConsumerID                 { return c.id }
func (c *pionConsumer) ProducerID() domain.ProducerID         { return c.producerID }
func (c *pionConsumer) Kind() domain.MediaKind                { return c.kind }
func (c *pionConsumer) FlowParameters() domain.FlowParameters { return c.params }

func (c *pionConsumer) Pause() error {
	c.sink.paused.Store(true)
	return nil
}

func (c *pionConsumer) Resume() error {
	c.sink.paused.Store(false)
	c.source.requestKeyframe()
	return nil
}

func (c *pionConsumer) Paused() bool { return c.sink.paused.Load() }

// drainRTCP keeps the sender's interceptor chain running.
func (c *pionConsumer) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := c.sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *pionConsumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *pionConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	c.source.removeSink(c.id)
	if err := c.transport.pc.RemoveTrack(c.sender); err != nil {
		c.transport.logger.Debugw("failed to remove forwarding track", "consumer_id", c.id, "error", err)
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}
