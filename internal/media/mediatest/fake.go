// Package mediatest provides in-memory fakes for the media worker API.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aura-connect/backend/internal/media"
)

var ErrClosed = errors.New("fake media entity closed")

// FakeWorker implements media.Worker without a process.
type FakeWorker struct {
	index int
	pid   int

	mu      sync.Mutex
	alive   bool
	died    chan struct{}
	routers []*FakeRouter
}

var fakePID atomic.Int64

// NewFakeWorker creates a live fake worker.
func NewFakeWorker(index int) *FakeWorker {
	return &FakeWorker{
		index: index,
		pid:   int(fakePID.Add(1)) + 100000,
		alive: true,
		died:  make(chan struct{}),
	}
}

func (w *FakeWorker) Index() int { return w.index }
func (w *FakeWorker) PID() int   { return w.pid }

func (w *FakeWorker) Alive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *FakeWorker) Died() <-chan struct{} { return w.died }

// Kill simulates a worker crash.
func (w *FakeWorker) Kill() {
	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return
	}
	w.alive = false
	w.mu.Unlock()
	close(w.died)
}

func (w *FakeWorker) Close() { w.Kill() }

func (w *FakeWorker) CreateRouter(ctx context.Context) (media.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.alive {
		return nil, ErrClosed
	}
	r := &FakeRouter{
		id:        uuid.New().String(),
		caps:      []byte(`{"codecs":[{"mimeType":"audio/opus"},{"mimeType":"video/VP8"}]}`),
		producers: make(map[string]*FakeProducer),
	}
	w.routers = append(w.routers, r)
	return r, nil
}

// FakeRouter implements media.Router.
type FakeRouter struct {
	id   string
	caps media.RTPCapabilities

	mu        sync.Mutex
	closed    bool
	producers map[string]*FakeProducer
	// ConsumeDenied makes CanConsume return false (capability mismatch).
	ConsumeDenied bool
}

func (r *FakeRouter) ID() string                             { return r.id }
func (r *FakeRouter) RTPCapabilities() media.RTPCapabilities { return r.caps }

func (r *FakeRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FakeRouter) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *FakeRouter) CanConsume(producerID string, caps media.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ConsumeDenied {
		return false
	}
	_, ok := r.producers[producerID]
	return ok
}

func (r *FakeRouter) CreateWebRTCTransport(ctx context.Context, opts media.WebRTCTransportOptions) (media.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return &FakeTransport{
		id:     uuid.New().String(),
		router: r,
	}, nil
}

func (r *FakeRouter) CreatePlainTransport(ctx context.Context, opts media.PlainTransportOptions) (media.PlainTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return &FakePlainTransport{
		id:     uuid.New().String(),
		ip:     opts.ListenIP,
		port:   20000 + len(r.producers),
		router: r,
	}, nil
}

// FakeTransport implements media.Transport.
type FakeTransport struct {
	id     string
	router *FakeRouter

	mu        sync.Mutex
	closed    bool
	connected bool
	onICE     func(string)
	onDTLS    func(string)
	producers []*FakeProducer
	consumers []*FakeConsumer
}

func (t *FakeTransport) ID() string { return t.id }
func (t *FakeTransport) ICEParameters() media.ICEParameters {
	return []byte(`{"usernameFragment":"uf"}`)
}
func (t *FakeTransport) ICECandidates() media.ICECandidates {
	return []byte(`[{"ip":"127.0.0.1","port":40000}]`)
}
func (t *FakeTransport) DTLSParameters() media.DTLSParameters { return []byte(`{"role":"auto"}`) }

func (t *FakeTransport) OnICEStateChange(fn func(string))  { t.mu.Lock(); t.onICE = fn; t.mu.Unlock() }
func (t *FakeTransport) OnDTLSStateChange(fn func(string)) { t.mu.Lock(); t.onDTLS = fn; t.mu.Unlock() }

// FireDTLSState simulates a DTLS state transition event from the worker.
func (t *FakeTransport) FireDTLSState(state string) {
	t.mu.Lock()
	fn := t.onDTLS
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *FakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *FakeTransport) Connect(ctx context.Context, dtls media.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

func (t *FakeTransport) Produce(ctx context.Context, kind media.Kind, rtp media.RTPParameters, appData media.AppData) (media.Producer, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	p := &FakeProducer{
		id:      uuid.New().String(),
		kind:    kind,
		appData: appData,
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	return p, nil
}

func (t *FakeTransport) Consume(ctx context.Context, producerID string, caps media.RTPCapabilities, paused bool) (media.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	c := &FakeConsumer{
		id:         uuid.New().String(),
		kind:       p.kind,
		producerID: producerID,
		paused:     paused,
		rtp:        []byte(`{"codecs":[{"payloadType":96}]}`),
	}
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *FakeTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.mu.Unlock()
	for _, p := range producers {
		p.fireTransportClose()
	}
	for _, c := range consumers {
		c.fireTransportClose()
	}
	return nil
}

// FakePlainTransport implements media.PlainTransport.
type FakePlainTransport struct {
	id     string
	ip     string
	port   int
	router *FakeRouter

	mu         sync.Mutex
	closed     bool
	connected  bool
	remoteIP   string
	remotePort int
	consumers  []*FakeConsumer
}

func (t *FakePlainTransport) ID() string           { return t.id }
func (t *FakePlainTransport) Tuple() (string, int) { return t.ip, t.port }

func (t *FakePlainTransport) Connect(ctx context.Context, ip string, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	t.remoteIP, t.remotePort = ip, port
	return nil
}

// Remote returns the connected destination.
func (t *FakePlainTransport) Remote() (string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteIP, t.remotePort
}

func (t *FakePlainTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *FakePlainTransport) Consume(ctx context.Context, producerID string, caps media.RTPCapabilities, paused bool) (media.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("producer %s not found", producerID)
	}
	c := &FakeConsumer{
		id:         uuid.New().String(),
		kind:       p.kind,
		producerID: producerID,
		paused:     paused,
		rtp:        []byte(`{"codecs":[{"payloadType":96,"clockRate":90000}]}`),
	}
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *FakePlainTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// FakeProducer implements media.Producer.
type FakeProducer struct {
	id      string
	kind    media.Kind
	appData media.AppData

	mu               sync.Mutex
	closed           bool
	paused           bool
	onTransportClose func()
	consumers        []*FakeConsumer
}

func (p *FakeProducer) ID() string             { return p.id }
func (p *FakeProducer) Kind() media.Kind       { return p.kind }
func (p *FakeProducer) AppData() media.AppData { return p.appData }

func (p *FakeProducer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = fn
	p.mu.Unlock()
}

func (p *FakeProducer) fireTransportClose() {
	p.mu.Lock()
	fn := p.onTransportClose
	p.closed = true
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *FakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *FakeProducer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakeProducer) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *FakeProducer) Resume(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *FakeProducer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := p.consumers
	p.mu.Unlock()
	for _, c := range consumers {
		c.fireProducerClose()
	}
	return nil
}

// FakeConsumer implements media.Consumer.
type FakeConsumer struct {
	id         string
	kind       media.Kind
	producerID string
	rtp        media.RTPParameters

	mu               sync.Mutex
	closed           bool
	paused           bool
	onTransportClose func()
	onProducerClose  func()
}

func (c *FakeConsumer) ID() string                         { return c.id }
func (c *FakeConsumer) Kind() media.Kind                   { return c.kind }
func (c *FakeConsumer) ProducerID() string                 { return c.producerID }
func (c *FakeConsumer) RTPParameters() media.RTPParameters { return c.rtp }

func (c *FakeConsumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = fn
	c.mu.Unlock()
}

func (c *FakeConsumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = fn
	c.mu.Unlock()
}

func (c *FakeConsumer) fireTransportClose() {
	c.mu.Lock()
	fn := c.onTransportClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *FakeConsumer) fireProducerClose() {
	c.mu.Lock()
	fn := c.onProducerClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *FakeConsumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *FakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConsumer) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return nil
}

func (c *FakeConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return nil
}

func (c *FakeConsumer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
