// Package mediatest provides a deterministic in-memory media engine with the
// same lifecycle semantics as the production engine: close cascades, paused
// consumers, worker death signalling. It exists for tests only.
package mediatest

import (
	"context"
	"fmt"
	"sync"

	"voxhub/internal/core/domain"
	"voxhub/internal/core/ports"
	"voxhub/pkg/utils"
)

// Engine is a fake ports.MediaEngine.
type Engine struct {
	mu      sync.Mutex
	workers []*Worker
	created int
	failOn  map[int]error
	closed  bool
}

func NewEngine() *Engine {
	return &Engine{failOn: make(map[int]error)}
}

// FailNextWorker makes the next NewWorker call return err.
func (e *Engine) FailNextWorker(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOn[e.created] = err
}

// FailWorkerAt makes the n-th NewWorker call (zero-based, counted over the
// engine's lifetime) return err.
func (e *Engine) FailWorkerAt(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOn[n] = err
}

func (e *Engine) NewWorker(_ context.Context, id domain.WorkerID) (ports.Worker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, domain.ErrEngineClosed
	}
	seq := e.created
	e.created++
	if err, ok := e.failOn[seq]; ok {
		delete(e.failOn, seq)
		return nil, err
	}

	w := &Worker{id: id, died: make(chan struct{})}
	e.workers = append(e.workers, w)
	return w, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Workers returns every worker ever created, dead or alive.
func (e *Engine) Workers() []*Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Worker, len(e.workers))
	copy(out, e.workers)
	return out
}

// Worker is a fake ports.Worker.
type Worker struct {
	id domain.WorkerID

	mu      sync.Mutex
	routers []*Router
	closed  bool

	died    chan struct{}
	dieOnce sync.Once
}

func (w *Worker) ID() domain.WorkerID    { return w.id }
func (w *Worker) Died() <-chan struct{}  { return w.died }

// Kill simulates an unexpected worker termination.
func (w *Worker) Kill() {
	w.dieOnce.Do(func() { close(w.died) })
}

// Closed reports whether the worker was shut down via Close. Test hook.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Routers returns every router created on this worker. Test hook.
func (w *Worker) Routers() []*Router {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Router, len(w.routers))
	copy(out, w.routers)
	return out
}

func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	routers := w.routers
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	return nil
}

func (w *Worker) NewRouter(_ context.Context, codecs []domain.Codec) (ports.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, domain.ErrWorkerDied
	}
	select {
	case <-w.died:
		return nil, domain.ErrWorkerDied
	default:
	}

	r := &Router{worker: w, caps: domain.RTPCapabilities{Codecs: codecs}}
	w.routers = append(w.routers, r)
	return r, nil
}

// Router is a fake ports.Router.
type Router struct {
	worker *Worker
	caps   domain.RTPCapabilities

	mu         sync.Mutex
	transports []*Transport
	closed     bool
}

func (r *Router) Capabilities() domain.RTPCapabilities { return r.caps }

func (r *Router) NewTransport(_ context.Context) (ports.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, domain.ErrRoomNotFound
	}

	t := &Transport{
		id: domain.TransportID(utils.GenerateTransportID()),
		info: domain.TransportInfo{
			SDP: fmt.Sprintf("v=0 fake-offer %s", utils.GenerateTransportID()),
		},
	}
	t.info.ID = t.id
	r.transports = append(r.transports, t)
	return t, nil
}

func (r *Router) CanConsume(producer ports.Producer, caps domain.RTPCapabilities) bool {
	mime := producer.FlowParameters().MimeType
	if mime == "" {
		// Producers created without an explicit mime type are consumable by
		// anyone advertising a codec of the same kind.
		for _, c := range caps.Codecs {
			if c.Kind == producer.Kind() {
				return true
			}
		}
		return false
	}
	return caps.CanReceive(mime)
}

func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}

// Closed reports whether the router has been closed. Test hook.
func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Transport is a fake ports.Transport.
type Transport struct {
	id   domain.TransportID
	info domain.TransportInfo

	mu        sync.Mutex
	connected bool
	closed    bool
	producers []*Producer
	consumers []*Consumer
	hooks     []func()
}

func (t *Transport) ID() domain.TransportID     { return t.id }
func (t *Transport) Info() domain.TransportInfo { return t.info }

func (t *Transport) Connect(_ context.Context, params domain.SecurityParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrTransportNotFound
	}
	if params.SDP == "" {
		return fmt.Errorf("empty answer sdp")
	}
	t.connected = true
	return nil
}

// Connected reports whether Connect completed. Test hook.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Closed reports whether the transport has been closed. Test hook.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, params domain.FlowParameters, appData domain.AppData) (ports.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportNotFound
	}

	p := &Producer{
		id:      domain.ProducerID(utils.GenerateProducerID()),
		kind:    kind,
		params:  params,
		appData: appData,
	}
	t.producers = append(t.producers, p)
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producer ports.Producer, _ domain.RTPCapabilities) (ports.Consumer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}

	c := &Consumer{
		id:         domain.ConsumerID(utils.GenerateConsumerID()),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		params:     producer.FlowParameters(),
		paused:     true, // consumers always start paused
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	// Source producer closing closes the consumer.
	producer.OnClose(func() { c.Close() })
	return c, nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	hooks := t.hooks
	t.mu.Unlock()

	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Producer is a fake ports.Producer.
type Producer struct {
	id      domain.ProducerID
	kind    domain.MediaKind
	params  domain.FlowParameters
	appData domain.AppData

	mu     sync.Mutex
	paused bool
	closed bool
	hooks  []func()
}

func (p *Producer) ID() domain.ProducerID                  { return p.id }
func (p *Producer) Kind() domain.MediaKind                 { return p.kind }
func (p *Producer) FlowParameters() domain.FlowParameters  { return p.params }
func (p *Producer) AppData() domain.AppData                { return p.appData }

func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Closed reports whether the producer has been closed. Test hook.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) OnClose(fn func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn()
		return
	}
	p.hooks = append(p.hooks, fn)
	p.mu.Unlock()
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	hooks := p.hooks
	p.hooks = nil
	p.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Consumer is a fake ports.Consumer.
type Consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	params     domain.FlowParameters

	mu     sync.Mutex
	paused bool
	closed bool
	hooks  []func()
}

func (c *Consumer) ID() domain.ConsumerID                  { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID          { return c.producerID }
func (c *Consumer) Kind() domain.MediaKind                 { return c.kind }
func (c *Consumer) FlowParameters() domain.FlowParameters  { return c.params }

func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Closed reports whether the consumer has been closed. Test hook.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return nil
}
