package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/retry"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// In-memory media engine. Routers know which producers they carry so piping
// and consuming can be asserted without real RTP.

type fakeWorker struct {
	id domain.WorkerID

	mu          sync.Mutex
	usage       domain.WorkerUsage
	usageErr    error
	routerErr   error
	routers     []*fakeRouter
	died        []func(error)
	closed      bool
	usageCalls  int
	routerCalls int
}

func newFakeWorker(id string) *fakeWorker {
	return &fakeWorker{
		id:    domain.WorkerID(id),
		usage: domain.WorkerUsage{Uptime: time.Minute},
	}
}

func (w *fakeWorker) ID() domain.WorkerID { return w.id }

func (w *fakeWorker) ResourceUsage(ctx context.Context) (domain.WorkerUsage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usageCalls++
	return w.usage, w.usageErr
}

func (w *fakeWorker) setCPU(userTime, systemTime, uptime time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usage = domain.WorkerUsage{UserTime: userTime, SystemTime: systemTime, Uptime: uptime}
}

func (w *fakeWorker) setUsageErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.usageErr = err
}

func (w *fakeWorker) setRouterErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routerErr = err
}

func (w *fakeWorker) CreateRouter(ctx context.Context, codecs []domain.Codec) (ports.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.routerCalls++
	if w.routerErr != nil {
		return nil, w.routerErr
	}
	r := newFakeRouter(w, codecs)
	w.routers = append(w.routers, r)
	return r, nil
}

func (w *fakeWorker) OnDied(fn func(error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.died = append(w.died, fn)
}

func (w *fakeWorker) die(err error) {
	w.mu.Lock()
	fns := w.died
	w.died = nil
	w.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (w *fakeWorker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWorker) RouterCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.routerCalls
}

type fakeWorkerFactory struct {
	mu      sync.Mutex
	spawned []*fakeWorker
	err     error
}

func (f *fakeWorkerFactory) NewWorker(ctx context.Context, slot int) (ports.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	w := newFakeWorker(fmt.Sprintf("respawn-%d-%d", slot, len(f.spawned)+1))
	f.spawned = append(f.spawned, w)
	return w, nil
}

type fakeRouter struct {
	id     domain.RouterID
	worker *fakeWorker
	caps   domain.RtpCapabilities

	mu        sync.Mutex
	producers map[domain.ProducerID]*fakeProducer
	consumers map[domain.ProducerID][]*fakeConsumer
	pipes     []*fakePipeTransport
	closed    bool

	pipeErr      error
	pipeCalls    atomic.Int32
	pipeTransErr error
}

func newFakeRouter(w *fakeWorker, codecs []domain.Codec) *fakeRouter {
	return &fakeRouter{
		id:        domain.NewRouterID(),
		worker:    w,
		caps:      domain.RtpCapabilities{Codecs: codecs},
		producers: make(map[domain.ProducerID]*fakeProducer),
		consumers: make(map[domain.ProducerID][]*fakeConsumer),
	}
}

func (r *fakeRouter) ID() domain.RouterID                     { return r.id }
func (r *fakeRouter) RtpCapabilities() domain.RtpCapabilities { return r.caps }

func (r *fakeRouter) CreateWebRtcTransport(ctx context.Context) (ports.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRouterClosed
	}
	return &fakeTransport{id: domain.NewTransportID(), router: r}, nil
}

func (r *fakeRouter) CreatePipeTransport(ctx context.Context) (ports.PipeTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRouterClosed
	}
	if r.pipeTransErr != nil {
		return nil, r.pipeTransErr
	}
	t := &fakePipeTransport{
		id:     domain.NewTransportID(),
		router: r,
		local:  domain.Endpoint{IP: "127.0.0.1", Port: 40000 + len(r.pipes)},
	}
	r.pipes = append(r.pipes, t)
	return t, nil
}

func (r *fakeRouter) PipeToRouter(ctx context.Context, producerID domain.ProducerID, target ports.Router, keyFrameDelay time.Duration) (ports.Consumer, error) {
	r.pipeCalls.Add(1)
	r.mu.Lock()
	err := r.pipeErr
	source, ok := r.producers[producerID]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}

	dst := target.(*fakeRouter)
	dst.register(&fakeProducer{id: producerID, kind: source.kind, rtp: source.rtp, router: dst})
	return r.newConsumer(producerID, source.kind), nil
}

func (r *fakeRouter) PipeCalls() int { return int(r.pipeCalls.Load()) }

func (r *fakeRouter) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	return r.HasProducer(producerID)
}

func (r *fakeRouter) HasProducer(producerID domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.producers[producerID]
	return ok
}

func (r *fakeRouter) register(p *fakeProducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *fakeRouter) newConsumer(producerID domain.ProducerID, kind domain.MediaKind) *fakeConsumer {
	c := &fakeConsumer{id: domain.NewConsumerID(), producerID: producerID, kind: kind}
	r.mu.Lock()
	r.consumers[producerID] = append(r.consumers[producerID], c)
	r.mu.Unlock()
	return c
}

func (r *fakeRouter) producerClosed(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	consumers := r.consumers[id]
	delete(r.consumers, id)
	r.mu.Unlock()
	for _, c := range consumers {
		c.producerGone()
	}
}

func (r *fakeRouter) Close() error {
	r.mu.Lock()
	r.closed = true
	pipes := r.pipes
	r.mu.Unlock()
	for _, p := range pipes {
		_ = p.Close()
	}
	return nil
}

func (r *fakeRouter) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// closeOnce runs the registered callbacks exactly once.
type closeOnce struct {
	mu     sync.Mutex
	closed bool
	fns    []func()
}

func (c *closeOnce) onClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

func (c *closeOnce) close() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

func (c *closeOnce) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	id     domain.TransportID
	router *fakeRouter
	closer closeOnce

	mu        sync.Mutex
	stateFns  []func(string)
	connected bool
}

func (t *fakeTransport) ID() domain.TransportID { return t.id }

func (t *fakeTransport) Params() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q}`, t.id))
}

func (t *fakeTransport) Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return json.RawMessage(`{}`), nil
}

func (t *fakeTransport) Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage) (ports.Producer, error) {
	if t.closer.isClosed() {
		return nil, domain.ErrTransportNotFound
	}
	p := &fakeProducer{
		id:     domain.NewProducerID(),
		kind:   kind,
		rtp:    domain.RtpParameters{SSRC: 1234, Raw: rtpParameters},
		router: t.router,
	}
	t.router.register(p)
	t.closer.onClose(func() { _ = p.Close() })
	return p, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (ports.Consumer, error) {
	if !t.router.HasProducer(producerID) {
		return nil, domain.ErrCannotConsume
	}
	return t.router.newConsumer(producerID, domain.KindVideo), nil
}

func (t *fakeTransport) OnClose(fn func()) { t.closer.onClose(fn) }

func (t *fakeTransport) OnStateChange(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *fakeTransport) setState(state string) {
	t.mu.Lock()
	fns := append([]func(string){}, t.stateFns...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (t *fakeTransport) Close() error {
	t.closer.close()
	return nil
}

type fakePipeTransport struct {
	id     domain.TransportID
	router *fakeRouter
	local  domain.Endpoint
	closer closeOnce

	mu         sync.Mutex
	remote     domain.Endpoint
	connectErr error
	consumeErr error
	consumed   []domain.ProducerID
}

func (t *fakePipeTransport) ID() domain.TransportID         { return t.id }
func (t *fakePipeTransport) LocalEndpoint() domain.Endpoint { return t.local }

func (t *fakePipeTransport) Connect(ctx context.Context, remote domain.Endpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return t.connectErr
	}
	t.remote = remote
	return nil
}

func (t *fakePipeTransport) Consume(ctx context.Context, producerID domain.ProducerID) (ports.Consumer, error) {
	t.mu.Lock()
	err := t.consumeErr
	if err == nil {
		t.consumed = append(t.consumed, producerID)
	}
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !t.router.HasProducer(producerID) {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}
	c := t.router.newConsumer(producerID, domain.KindVideo)
	c.rtp = domain.RtpParameters{SSRC: 5678, PayloadType: 96}
	return c, nil
}

func (t *fakePipeTransport) Consumed() []domain.ProducerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.ProducerID(nil), t.consumed...)
}

func (t *fakePipeTransport) Produce(ctx context.Context, producerID domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	if t.closer.isClosed() {
		return nil, domain.ErrTransportNotFound
	}
	p := &fakeProducer{id: producerID, kind: kind, rtp: params, router: t.router}
	t.router.register(p)
	t.closer.onClose(func() { _ = p.Close() })
	return p, nil
}

func (t *fakePipeTransport) OnClose(fn func()) { t.closer.onClose(fn) }

func (t *fakePipeTransport) Close() error {
	t.closer.close()
	return nil
}

func (t *fakePipeTransport) Closed() bool { return t.closer.isClosed() }

type fakeProducer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	rtp    domain.RtpParameters
	router *fakeRouter
	closer closeOnce
}

func (p *fakeProducer) ID() domain.ProducerID               { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind              { return p.kind }
func (p *fakeProducer) RtpParameters() domain.RtpParameters { return p.rtp }
func (p *fakeProducer) OnClose(fn func())                   { p.closer.onClose(fn) }

func (p *fakeProducer) Close() error {
	if p.closer.close() && p.router != nil {
		p.router.producerClosed(p.id)
	}
	return nil
}

func (p *fakeProducer) Closed() bool { return p.closer.isClosed() }

type fakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	rtp        domain.RtpParameters

	mu              sync.Mutex
	closed          bool
	onProducerClose []func()
}

func (c *fakeConsumer) ID() domain.ConsumerID               { return c.id }
func (c *fakeConsumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *fakeConsumer) RtpParameters() domain.RtpParameters { return c.rtp }

func (c *fakeConsumer) Params() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"producerId":%q}`, c.id, c.producerID))
}

func (c *fakeConsumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *fakeConsumer) producerGone() {
	c.mu.Lock()
	fns := c.onProducerClose
	c.onProducerClose = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeRelayClient plays every remote server. Failures are configured per
// destination; gate, when set, blocks PipeProducer until closed.

type fakeRelayClient struct {
	mu              sync.Mutex
	createErr       map[domain.Destination]error
	pipeErr         map[domain.Destination]error
	closeErr        map[domain.Destination]error
	creates         map[domain.Destination]int
	connects        map[domain.Destination]int
	pipes           map[domain.Destination][]domain.PipeProducerRequest
	closes          map[domain.Destination]int
	gate            chan struct{}
	parked          int
	nextTransportID int
}

func newFakeRelayClient() *fakeRelayClient {
	return &fakeRelayClient{
		createErr: make(map[domain.Destination]error),
		pipeErr:   make(map[domain.Destination]error),
		closeErr:  make(map[domain.Destination]error),
		creates:   make(map[domain.Destination]int),
		connects:  make(map[domain.Destination]int),
		pipes:     make(map[domain.Destination][]domain.PipeProducerRequest),
		closes:    make(map[domain.Destination]int),
	}
}

func (f *fakeRelayClient) CreatePipe(ctx context.Context, dest domain.Destination, req domain.CreatePipeRequest) (domain.CreatePipeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[dest]++
	if err := f.createErr[dest]; err != nil {
		return domain.CreatePipeResponse{}, err
	}
	f.nextTransportID++
	return domain.CreatePipeResponse{
		ID:   domain.TransportID(fmt.Sprintf("remote-%d", f.nextTransportID)),
		IP:   "10.0.0.2",
		Port: 50000 + f.nextTransportID,
	}, nil
}

func (f *fakeRelayClient) ConnectPipe(ctx context.Context, dest domain.Destination, req domain.ConnectPipeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects[dest]++
	return nil
}

func (f *fakeRelayClient) PipeProducer(ctx context.Context, dest domain.Destination, req domain.PipeProducerRequest) error {
	f.mu.Lock()
	gate := f.gate
	if gate != nil {
		f.parked++
	}
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pipeErr[dest]; err != nil {
		return err
	}
	f.pipes[dest] = append(f.pipes[dest], req)
	return nil
}

func (f *fakeRelayClient) CloseRoom(ctx context.Context, dest domain.Destination, req domain.CloseRoomRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes[dest]++
	return f.closeErr[dest]
}

func (f *fakeRelayClient) Creates(dest domain.Destination) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[dest]
}

func (f *fakeRelayClient) Connects(dest domain.Destination) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[dest]
}

func (f *fakeRelayClient) Piped(dest domain.Destination) []domain.PipeProducerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.PipeProducerRequest(nil), f.pipes[dest]...)
}

// Parked counts PipeProducer calls that reached the gate.
func (f *fakeRelayClient) Parked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parked
}

func (f *fakeRelayClient) Closes(dest domain.Destination) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes[dest]
}

func (f *fakeRelayClient) Calls(dest domain.Destination) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[dest] + f.connects[dest] + len(f.pipes[dest]) + f.closes[dest]
}

func (f *fakeRelayClient) setCreateErr(dest domain.Destination, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr[dest] = err
}

func (f *fakeRelayClient) setPipeErr(dest domain.Destination, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipeErr[dest] = err
}

type sentEvent struct {
	RoomID    domain.RoomID
	Except    domain.ParticipantID
	To        domain.ParticipantID
	Event     string
	Data      any
	Broadcast bool
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []sentEvent
}

func (b *recordingBroadcaster) Broadcast(roomID domain.RoomID, except domain.ParticipantID, event string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{RoomID: roomID, Except: except, Event: event, Data: data, Broadcast: true})
}

func (b *recordingBroadcaster) Send(roomID domain.RoomID, participantID domain.ParticipantID, event string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, sentEvent{RoomID: roomID, To: participantID, Event: event, Data: data})
}

func (b *recordingBroadcaster) Events(event string) []sentEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []sentEvent
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *recordingSleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type recordingMetrics struct {
	mu       sync.Mutex
	relays   map[string]int
	creates  map[string]int
	restarts int
	load     map[domain.WorkerID]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		relays:  make(map[string]int),
		creates: make(map[string]int),
		load:    make(map[domain.WorkerID]int),
	}
}

func (m *recordingMetrics) RelayAttempt(dest domain.Destination, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays[string(dest)+"/"+result]++
}

func (m *recordingMetrics) ShardCreateAttempt(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates[result]++
}

func (m *recordingMetrics) WorkerRestarted(domain.WorkerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func (m *recordingMetrics) SetWorkerLoad(id domain.WorkerID, load int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load[id] = load
}

func (m *recordingMetrics) Relays(dest domain.Destination, result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.relays[string(dest)+"/"+result]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func zapLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

var testCodecs = []domain.Codec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

// testEnv wires a room manager to the fake engine.
type testEnv struct {
	t           *testing.T
	workers     []*fakeWorker
	factory     *fakeWorkerFactory
	balancer    *LoadBalancer
	client      *fakeRelayClient
	replicator  *Replicator
	broadcaster *recordingBroadcaster
	metrics     *recordingMetrics
	sleeper     *recordingSleeper
	clock       *fakeClock
	manager     *RoomManager
}

type envOption func(*envConfig)

type envConfig struct {
	workers  int
	maxPeers int
	cpu      float64
	remotes  []domain.Destination
	self     domain.Destination
}

func withWorkers(n int) envOption          { return func(c *envConfig) { c.workers = n } }
func withMaxPeers(n int) envOption         { return func(c *envConfig) { c.maxPeers = n } }
func withCPUThreshold(v float64) envOption { return func(c *envConfig) { c.cpu = v } }

func withRemotes(self domain.Destination, remotes ...domain.Destination) envOption {
	return func(c *envConfig) {
		c.self = self
		c.remotes = remotes
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{workers: 2, maxPeers: 2, cpu: 75}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zapLogger(t)
	env := &testEnv{
		t:           t,
		factory:     &fakeWorkerFactory{},
		client:      newFakeRelayClient(),
		broadcaster: &recordingBroadcaster{},
		metrics:     newRecordingMetrics(),
		sleeper:     &recordingSleeper{},
		clock:       newFakeClock(),
	}

	workers := make([]ports.Worker, cfg.workers)
	for i := range workers {
		w := newFakeWorker(fmt.Sprintf("worker-%d", i+1))
		env.workers = append(env.workers, w)
		workers[i] = w
	}
	env.balancer = NewLoadBalancer(context.Background(), workers, env.factory, env.metrics, logger)

	env.replicator = NewReplicator(ReplicatorConfig{
		SelfAddress:          cfg.self,
		RemoteServers:        append([]domain.Destination{cfg.self}, cfg.remotes...),
		FailCacheTTL:         time.Minute,
		KeyFrameRequestDelay: time.Second,
		Now:                  env.clock.Now,
	}, env.client, nil, env.metrics, logger)

	env.manager = NewRoomManager(RoomConfig{
		MaxParticipantsPerShard: cfg.maxPeers,
		CPUThreshold:            cfg.cpu,
		Codecs:                  testCodecs,
		CreateRetry: retry.Config{
			MaxAttempts:  4,
			InitialDelay: time.Second,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
			Sleep:        env.sleeper.Sleep,
		},
	}, env.balancer, env.replicator, env.broadcaster, nil, env.metrics, logger)
	return env
}

func (e *testEnv) join(roomID domain.RoomID, user string) (*Room, JoinResult) {
	e.t.Helper()
	p := NewParticipant(domain.NewParticipantID(), domain.UserID(user), domain.ParticipantExtra{PublicName: user})
	room, res, err := e.manager.Join(context.Background(), roomID, p)
	if err != nil {
		e.t.Fatalf("join %s: %v", user, err)
	}
	return room, res
}

// publish opens a transport for the participant and produces a video stream.
func (e *testEnv) publish(room *Room, p *Participant) domain.ProducerInfo {
	e.t.Helper()
	ctx := context.Background()
	shard, err := room.ShardOf(p.ID)
	if err != nil {
		e.t.Fatalf("shard of %s: %v", p.ID, err)
	}
	transport, err := shard.CreateWebRtcTransport(ctx, p.ID)
	if err != nil {
		e.t.Fatalf("create transport: %v", err)
	}
	info, err := room.Publish(ctx, p.ID, transport.ID(), domain.KindVideo, domain.MediaTypeVideo, json.RawMessage(`{}`))
	if err != nil {
		e.t.Fatalf("publish: %v", err)
	}
	return info
}

func routerOf(s *Shard) *fakeRouter {
	return s.Router().(*fakeRouter)
}
