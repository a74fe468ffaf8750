package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// WorkerSettings configures one spawned worker process.
type WorkerSettings struct {
	Bin        string
	LogLevel   string
	LogTags    []string
	RTCMinPort int
	RTCMaxPort int
}

func (s WorkerSettings) args() []string {
	args := []string{fmt.Sprintf("--logLevel=%s", s.LogLevel)}
	for _, tag := range s.LogTags {
		args = append(args, fmt.Sprintf("--logTags=%s", tag))
	}
	args = append(args,
		fmt.Sprintf("--rtcMinPort=%d", s.RTCMinPort),
		fmt.Sprintf("--rtcMaxPort=%d", s.RTCMaxPort),
	)
	return args
}

// processWorker is a Worker backed by a spawned native SFU process. Control
// traffic runs over two pipes passed as fds 3 and 4.
type processWorker struct {
	index int
	cmd   *exec.Cmd
	ch    *channel
	log   *zap.Logger

	died     chan struct{}
	diedOnce sync.Once
}

// SpawnWorker starts a worker process at the given pool index. Each worker
// gets a disjoint slice of the RTP port range so concurrent workers never
// collide.
func SpawnWorker(index int, settings WorkerSettings, log *zap.Logger) (Worker, error) {
	// Parent keeps reqWriter and respReader; child gets the other ends.
	reqReader, reqWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("request pipe: %w", err)
	}
	respReader, respWriter, err := os.Pipe()
	if err != nil {
		reqReader.Close()
		reqWriter.Close()
		return nil, fmt.Errorf("response pipe: %w", err)
	}

	cmd := exec.Command(settings.Bin, settings.args()...)
	cmd.ExtraFiles = []*os.File{reqReader, respWriter}
	cmd.Env = append(os.Environ(), "MEDIASOUP_VERSION=3")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		reqReader.Close()
		reqWriter.Close()
		respReader.Close()
		respWriter.Close()
		return nil, fmt.Errorf("start worker %d: %w", index, err)
	}
	// Child ends now belong to the child.
	reqReader.Close()
	respWriter.Close()

	w := &processWorker{
		index: index,
		cmd:   cmd,
		ch:    newChannel(reqWriter, respReader, log),
		log:   log.With(zap.Int("worker", index), zap.Int("pid", cmd.Process.Pid)),
		died:  make(chan struct{}),
	}
	go w.wait(reqWriter, respReader)
	w.log.Info("media worker started")
	return w, nil
}

func (w *processWorker) wait(reqWriter, respReader *os.File) {
	err := w.cmd.Wait()
	w.ch.close()
	reqWriter.Close()
	respReader.Close()
	if err != nil {
		w.log.Warn("media worker exited", zap.Error(err))
	} else {
		w.log.Info("media worker exited")
	}
	w.diedOnce.Do(func() { close(w.died) })
}

func (w *processWorker) Index() int { return w.index }

func (w *processWorker) PID() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Alive probes the process with signal 0.
func (w *processWorker) Alive() bool {
	pid := w.PID()
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func (w *processWorker) Died() <-chan struct{} { return w.died }

func (w *processWorker) Close() {
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-w.died:
	case <-time.After(3 * time.Second):
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Kill()
		}
	}
}

func (w *processWorker) CreateRouter(ctx context.Context) (Router, error) {
	data, err := w.ch.request(ctx, "worker.createRouter", "", map[string]interface{}{
		"mediaCodecs": BootCodecs(),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID              string          `json:"id"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode createRouter response: %w", err)
	}
	return &routerHandle{id: resp.ID, caps: resp.RTPCapabilities, ch: w.ch}, nil
}

// routerHandle is the client side of a router living in a worker.
type routerHandle struct {
	id   string
	caps RTPCapabilities
	ch   *channel
}

func (r *routerHandle) ID() string                       { return r.id }
func (r *routerHandle) RTPCapabilities() RTPCapabilities { return r.caps }

func (r *routerHandle) CreateWebRTCTransport(ctx context.Context, opts WebRTCTransportOptions) (Transport, error) {
	data, err := r.ch.request(ctx, "router.createWebRtcTransport", r.id, opts)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID             string          `json:"id"`
		ICEParameters  json.RawMessage `json:"iceParameters"`
		ICECandidates  json.RawMessage `json:"iceCandidates"`
		DTLSParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode createWebRtcTransport response: %w", err)
	}
	t := &transportHandle{
		id:        resp.ID,
		iceParams: resp.ICEParameters,
		iceCands:  resp.ICECandidates,
		dtls:      resp.DTLSParameters,
		ch:        r.ch,
	}
	r.ch.subscribe(t.id, t.onEvent)
	return t, nil
}

func (r *routerHandle) CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (PlainTransport, error) {
	data, err := r.ch.request(ctx, "router.createPlainTransport", r.id, opts)
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID    string `json:"id"`
		Tuple struct {
			LocalIP   string `json:"localIp"`
			LocalPort int    `json:"localPort"`
		} `json:"tuple"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode createPlainTransport response: %w", err)
	}
	return &plainTransportHandle{
		id:   resp.ID,
		ip:   resp.Tuple.LocalIP,
		port: resp.Tuple.LocalPort,
		ch:   r.ch,
	}, nil
}

func (r *routerHandle) CanConsume(producerID string, caps RTPCapabilities) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := r.ch.request(ctx, "router.canConsume", r.id, map[string]interface{}{
		"producerId":      producerID,
		"rtpCapabilities": caps,
	})
	if err != nil {
		return false
	}
	var resp struct {
		CanConsume bool `json:"canConsume"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false
	}
	return resp.CanConsume
}

func (r *routerHandle) Close(ctx context.Context) error {
	_, err := r.ch.request(ctx, "router.close", r.id, nil)
	return err
}

// transportHandle is the client side of a WebRTC transport.
type transportHandle struct {
	id        string
	iceParams ICEParameters
	iceCands  ICECandidates
	dtls      DTLSParameters
	ch        *channel

	mu     sync.Mutex
	onICE  func(state string)
	onDTLS func(state string)
}

func (t *transportHandle) ID() string                     { return t.id }
func (t *transportHandle) ICEParameters() ICEParameters   { return t.iceParams }
func (t *transportHandle) ICECandidates() ICECandidates   { return t.iceCands }
func (t *transportHandle) DTLSParameters() DTLSParameters { return t.dtls }

func (t *transportHandle) OnICEStateChange(fn func(state string)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *transportHandle) OnDTLSStateChange(fn func(state string)) {
	t.mu.Lock()
	t.onDTLS = fn
	t.mu.Unlock()
}

func (t *transportHandle) onEvent(event string, data json.RawMessage) {
	var payload struct {
		ICEState  string `json:"iceState"`
		DTLSState string `json:"dtlsState"`
	}
	_ = json.Unmarshal(data, &payload)
	t.mu.Lock()
	onICE, onDTLS := t.onICE, t.onDTLS
	t.mu.Unlock()
	switch event {
	case "icestatechange":
		if onICE != nil {
			onICE(payload.ICEState)
		}
	case "dtlsstatechange":
		if onDTLS != nil {
			onDTLS(payload.DTLSState)
		}
	}
}

func (t *transportHandle) Connect(ctx context.Context, dtls DTLSParameters) error {
	_, err := t.ch.request(ctx, "transport.connect", t.id, map[string]interface{}{
		"dtlsParameters": dtls,
	})
	return err
}

func (t *transportHandle) Produce(ctx context.Context, kind Kind, rtp RTPParameters, appData AppData) (Producer, error) {
	data, err := t.ch.request(ctx, "transport.produce", t.id, map[string]interface{}{
		"kind":          kind,
		"rtpParameters": rtp,
		"appData":       appData,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode produce response: %w", err)
	}
	p := &producerHandle{id: resp.ID, kind: kind, appData: appData, ch: t.ch}
	t.ch.subscribe(p.id, p.onEvent)
	return p, nil
}

func (t *transportHandle) Consume(ctx context.Context, producerID string, caps RTPCapabilities, paused bool) (Consumer, error) {
	return consumeOn(ctx, t.ch, t.id, producerID, caps, paused)
}

func (t *transportHandle) Close(ctx context.Context) error {
	t.ch.subscribe(t.id, nil)
	_, err := t.ch.request(ctx, "transport.close", t.id, nil)
	return err
}

// plainTransportHandle is the client side of a plain RTP transport.
type plainTransportHandle struct {
	id   string
	ip   string
	port int
	ch   *channel
}

func (t *plainTransportHandle) ID() string           { return t.id }
func (t *plainTransportHandle) Tuple() (string, int) { return t.ip, t.port }

func (t *plainTransportHandle) Connect(ctx context.Context, ip string, port int) error {
	_, err := t.ch.request(ctx, "transport.connect", t.id, map[string]interface{}{
		"ip":   ip,
		"port": port,
	})
	return err
}

func (t *plainTransportHandle) Consume(ctx context.Context, producerID string, caps RTPCapabilities, paused bool) (Consumer, error) {
	return consumeOn(ctx, t.ch, t.id, producerID, caps, paused)
}

func (t *plainTransportHandle) Close(ctx context.Context) error {
	_, err := t.ch.request(ctx, "transport.close", t.id, nil)
	return err
}

func consumeOn(ctx context.Context, ch *channel, transportID, producerID string, caps RTPCapabilities, paused bool) (Consumer, error) {
	data, err := ch.request(ctx, "transport.consume", transportID, map[string]interface{}{
		"producerId":      producerID,
		"rtpCapabilities": caps,
		"paused":          paused,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		ID            string          `json:"id"`
		Kind          Kind            `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode consume response: %w", err)
	}
	c := &consumerHandle{
		id:         resp.ID,
		kind:       resp.Kind,
		producerID: producerID,
		rtp:        resp.RTPParameters,
		ch:         ch,
	}
	ch.subscribe(c.id, c.onEvent)
	return c, nil
}

// producerHandle is the client side of a producer.
type producerHandle struct {
	id      string
	kind    Kind
	appData AppData
	ch      *channel

	mu               sync.Mutex
	onTransportClose func()
}

func (p *producerHandle) ID() string       { return p.id }
func (p *producerHandle) Kind() Kind       { return p.kind }
func (p *producerHandle) AppData() AppData { return p.appData }

func (p *producerHandle) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.onTransportClose = fn
	p.mu.Unlock()
}

func (p *producerHandle) onEvent(event string, _ json.RawMessage) {
	if event != "transportclose" {
		return
	}
	p.mu.Lock()
	fn := p.onTransportClose
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *producerHandle) Pause(ctx context.Context) error {
	_, err := p.ch.request(ctx, "producer.pause", p.id, nil)
	return err
}

func (p *producerHandle) Resume(ctx context.Context) error {
	_, err := p.ch.request(ctx, "producer.resume", p.id, nil)
	return err
}

func (p *producerHandle) Close(ctx context.Context) error {
	p.ch.subscribe(p.id, nil)
	_, err := p.ch.request(ctx, "producer.close", p.id, nil)
	return err
}

// consumerHandle is the client side of a consumer.
type consumerHandle struct {
	id         string
	kind       Kind
	producerID string
	rtp        RTPParameters
	ch         *channel

	mu               sync.Mutex
	onTransportClose func()
	onProducerClose  func()
}

func (c *consumerHandle) ID() string                   { return c.id }
func (c *consumerHandle) Kind() Kind                   { return c.kind }
func (c *consumerHandle) ProducerID() string           { return c.producerID }
func (c *consumerHandle) RTPParameters() RTPParameters { return c.rtp }

func (c *consumerHandle) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.onTransportClose = fn
	c.mu.Unlock()
}

func (c *consumerHandle) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.onProducerClose = fn
	c.mu.Unlock()
}

func (c *consumerHandle) onEvent(event string, _ json.RawMessage) {
	c.mu.Lock()
	onTransport, onProducer := c.onTransportClose, c.onProducerClose
	c.mu.Unlock()
	switch event {
	case "transportclose":
		if onTransport != nil {
			onTransport()
		}
	case "producerclose":
		if onProducer != nil {
			onProducer()
		}
	}
}

func (c *consumerHandle) Pause(ctx context.Context) error {
	_, err := c.ch.request(ctx, "consumer.pause", c.id, nil)
	return err
}

func (c *consumerHandle) Resume(ctx context.Context) error {
	_, err := c.ch.request(ctx, "consumer.resume", c.id, nil)
	return err
}

func (c *consumerHandle) Close(ctx context.Context) error {
	c.ch.subscribe(c.id, nil)
	_, err := c.ch.request(ctx, "consumer.close", c.id, nil)
	return err
}
