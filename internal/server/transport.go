package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meshcast/internal/ack"
	"meshcast/internal/config"
	"meshcast/internal/dataType"
	"meshcast/internal/peer"
	"meshcast/internal/replay"
	"meshcast/internal/security"
	"meshcast/internal/sequencing"
	"meshcast/internal/serializer"
	"meshcast/internal/utils"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrShutdownTimeout    = errors.New("shutdown timed out")
	ErrTransportStopped   = errors.New("transport stopped")
	ErrReservedType       = errors.New("message type is reserved for control traffic")
	ErrEncryptionDisabled = errors.New("encryption is not enabled")
)

const (
	dropLogLimit    = 5
	dropLogInterval = 10 * time.Second
	minLaneCapacity = 16
)

type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateStopped
)

// SendOptions controls a single Send.
type SendOptions struct {
	RequestAck bool
	AckTimeout time.Duration // zero uses the configured ack timeout
}

// Transport wires the socket, codec, replay protection, sequencing gate, key
// management, acknowledgements and peer tracking into one receive pipeline.
type Transport struct {
	cfg      *config.MainConfig
	log      *zap.Logger
	socket   Socket
	identity dataType.SourceIdentity

	keys       *security.KeyManager
	cipher     *security.Handler
	serializer *serializer.Serializer
	protector  *replay.Protector
	gate       *sequencing.Gate[*dataType.Envelope]
	acks       *ack.Manager
	peers      *peer.Manager
	metrics    *Metrics
	drops      *utils.Suppressor

	handlersMu sync.RWMutex
	handlers   map[string]handlerFunc

	lanesMu     sync.RWMutex
	lanes       []chan *dataType.Envelope
	lanesClosed bool
	laneWg      sync.WaitGroup

	senderSeq atomic.Uint32

	rekeyMu     sync.Mutex
	pendingKeys map[string]struct{}

	timersMu     sync.Mutex
	timers       map[*time.Timer]struct{}
	timersClosed bool

	runMu  sync.Mutex
	state  runState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport validates cfg and builds every component. Nothing runs until
// Start.
func NewTransport(cfg *config.MainConfig, sock Socket, log *zap.Logger) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if sock == nil {
		return nil, errors.New("nil socket")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	tc := cfg.Transport

	t := &Transport{
		cfg:         cfg,
		log:         log,
		socket:      sock,
		identity:    dataType.NewSourceIdentity(cfg.NodeName, cfg.FriendlyName),
		keys:        security.NewKeyManager(),
		handlers:    make(map[string]handlerFunc),
		pendingKeys: make(map[string]struct{}),
		timers:      make(map[*time.Timer]struct{}),
		ctx:         context.Background(),
	}
	t.log = log.With(zap.Stringer("node", t.identity.ID))
	t.drops = utils.NewSuppressor(t.log, dropLogLimit, dropLogInterval)

	key, err := tc.Key()
	if err != nil {
		return nil, err
	}
	if key != nil {
		err = t.keys.SetKey(key, false)
		clear(key)
		if err != nil {
			return nil, fmt.Errorf("security_key: %w", err)
		}
	}
	if tc.Encryption && !t.keys.HasKey() {
		return nil, security.ErrNoKey
	}
	t.cipher = security.NewHandler(t.keys, tc.Encryption)
	t.serializer = serializer.New(t.cipher, t.log)

	t.protector = replay.NewProtector(replay.Options{
		ReplayWindow:  tc.ReplayWindow,
		MaxFutureSkew: tc.MaxFutureSkew,
		IdleTimeout:   tc.ReplayIdleTimeout,
		AckBurst:      tc.AckBurst,
		AckRefill:     rate.Limit(tc.AckRefillPerSecond()),
	}, t.log)

	t.acks = ack.NewManager(ack.Options{
		AutoAck:          tc.AutoAck,
		RemoveOnFirstAck: tc.RemoveOnFirstAck,
	}, t.log)

	t.peers = peer.NewManager(peer.Options{
		Interval:   tc.HeartbeatInterval,
		LocalID:    t.identity.ID,
		DeviceName: cfg.NodeName,
		Metadata:   tc.Metadata,
	}, dataType.NewPeerTable(), t.sendHeartbeat, t.onHeartbeatTick, t.log)

	if tc.Ordering {
		t.gate = sequencing.New(sequencing.Options{
			GapTimeout: tc.GapTimeout,
			Capacity:   tc.MaxQueued,
			Logger:     t.log,
		}, t.deliverOrdered, nil)
	}

	laneCap := tc.MaxQueued / tc.DispatchLanes
	if laneCap < minLaneCapacity {
		laneCap = minLaneCapacity
	}
	t.lanes = make([]chan *dataType.Envelope, tc.DispatchLanes)
	for i := range t.lanes {
		t.lanes[i] = make(chan *dataType.Envelope, laneCap)
	}

	t.metrics = newMetrics(t.peers.Table().Len, func() (sequencing.Stats, bool) {
		if t.gate == nil {
			return sequencing.Stats{}, false
		}
		return t.gate.Stats(), true
	})
	return t, nil
}

func (t *Transport) Identity() dataType.SourceIdentity { return t.identity }

func (t *Transport) Metrics() *Metrics { return t.metrics }

func (t *Transport) Keys() *security.KeyManager { return t.keys }

func (t *Transport) Peers() []dataType.RemotePeer { return t.peers.Peers() }

// OnPeerEvent registers fn for peer discovery and eviction.
func (t *Transport) OnPeerEvent(fn func(peer.Event)) (unsubscribe func()) {
	return t.peers.Subscribe(fn)
}

// Start begins receiving. It fails if the transport was already started.
func (t *Transport) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	switch t.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrTransportStopped
	}

	if err := t.socket.StartReceiving(); err != nil {
		return fmt.Errorf("start receiving: %w", err)
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.state = stateRunning

	for _, ch := range t.lanes {
		t.laneWg.Add(1)
		go t.laneLoop(ch)
	}
	if t.gate != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.gate.Run(t.ctx); err != nil {
				t.log.Error("sequencing gate stopped", zap.Error(err))
			}
		}()
	}
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.protector.Run(t.ctx, cleanupInterval(t.cfg.Transport.ReplayIdleTimeout))
	}()
	go func() {
		defer t.wg.Done()
		t.receiveLoop(t.ctx)
	}()
	t.peers.Start(t.ctx)

	t.log.Info("transport started",
		zap.String("name", t.identity.Name),
		zap.Bool("ordering", t.gate != nil),
		zap.Bool("encryption", t.cipher.Enabled()),
		zap.Int("lanes", len(t.lanes)))
	return nil
}

func cleanupInterval(idle time.Duration) time.Duration {
	if d := idle / 2; d >= time.Second {
		return d
	}
	return time.Second
}

// Stop shuts everything down and waits at most timeout for the workers. A
// zero timeout uses the configured shutdown timeout. Key material is zeroed
// even when the transport never started. Stopping twice is a no-op.
func (t *Transport) Stop(timeout time.Duration) error {
	t.runMu.Lock()
	prev := t.state
	t.state = stateStopped
	t.runMu.Unlock()
	switch prev {
	case stateStopped:
		return nil
	case stateIdle:
		t.releaseResources()
		if err := t.socket.Close(); err != nil {
			return fmt.Errorf("close socket: %w", err)
		}
		return nil
	}

	if timeout <= 0 {
		timeout = t.cfg.Transport.ShutdownTimeout
	}
	deadline := time.Now().Add(timeout)

	t.cancel()
	var errs []error
	if err := t.socket.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close socket: %w", err))
	}
	timedOut := !t.peers.Stop(time.Until(deadline))

	if !waitGroupUntil(&t.wg, deadline) {
		timedOut = true
	}
	released, drained := t.drainArrivals(deadline)
	if !drained {
		timedOut = true
	}

	t.lanesMu.Lock()
	t.lanesClosed = true
	for _, ch := range t.lanes {
		close(ch)
	}
	t.lanesMu.Unlock()
	if !waitGroupUntil(&t.laneWg, deadline) {
		timedOut = true
	}

	t.releaseResources()

	t.log.Info("transport stopped", zap.Int("released_arrivals", released), zap.Bool("timed_out", timedOut))
	if timedOut {
		errs = append(errs, ErrShutdownTimeout)
	}
	return errors.Join(errs...)
}

func waitGroupUntil(wg *sync.WaitGroup, deadline time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// releaseResources stops timers, drops pending ack sessions and zeroes keys.
func (t *Transport) releaseResources() {
	t.stopTimers()
	t.acks.Close()
	t.keys.Close()
}

// drainArrivals releases buffers queued behind the receive loop until the
// socket closes its channel, so a read racing with Close is released too. It
// reports false if the channel was still open at the deadline.
func (t *Transport) drainArrivals(deadline time.Time) (int, bool) {
	n := 0
	ch := t.socket.Receive()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return n, true
			}
			if rec.Release() {
				n++
			}
		case <-timer.C:
			return n, false
		}
	}
}

func (t *Transport) receiveLoop(ctx context.Context) {
	ch := t.socket.Receive()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			t.HandleArrival(rec)
		}
	}
}

// Send broadcasts payload as msgType. With RequestAck set, the returned
// session completes when a peer acknowledges or the timeout passes.
func (t *Transport) Send(ctx context.Context, msgType string, payload any, opts SendOptions) (*ack.Session, error) {
	if dataType.IsControlType(msgType) {
		return nil, fmt.Errorf("%w: %q", ErrReservedType, msgType)
	}
	if msgType == "" {
		return nil, errors.New("empty message type")
	}
	env := t.newEnvelope(msgType, opts.RequestAck)

	var session *ack.Session
	if opts.RequestAck {
		timeout := opts.AckTimeout
		if timeout <= 0 {
			timeout = t.cfg.Transport.AckTimeout
		}
		session = t.acks.CreateSession(env.ID, timeout)
	}
	if err := t.write(ctx, env, payload); err != nil {
		if session != nil {
			t.acks.Cancel(env.ID)
		}
		return nil, err
	}
	return session, nil
}

func (t *Transport) newEnvelope(msgType string, ackRequested bool) *dataType.Envelope {
	return &dataType.Envelope{
		ID:             uuid.New(),
		Source:         t.identity,
		Type:           msgType,
		SenderSequence: t.senderSeq.Add(1),
		SendTicks:      dataType.TicksFromTime(time.Now()),
		AckRequested:   ackRequested,
	}
}

func (t *Transport) write(ctx context.Context, env *dataType.Envelope, payload any) error {
	data, err := t.serializer.Serialize(env, payload)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", env.Type, err)
	}
	if err := t.socket.Send(ctx, data); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	t.metrics.sent.Inc()
	return nil
}

func (t *Transport) sendHeartbeat(ctx context.Context, hb dataType.HeartbeatMessage) error {
	return t.write(ctx, t.newEnvelope(dataType.MessageTypeHeartbeat, false), hb)
}

func (t *Transport) onHeartbeatTick() {
	t.log.Debug("heartbeat tick",
		zap.Int("peers", t.peers.Table().Len()),
		zap.Int("pending_acks", t.acks.Pending()),
		zap.Int("tracked_sources", t.protector.TrackedSources()))
}

func (t *Transport) sendAck(env *dataType.Envelope) {
	msg := dataType.AckMessage{OriginalID: env.ID, Target: env.Source.ID}
	if err := t.write(t.runContext(), t.newEnvelope(dataType.MessageTypeAck, false), msg); err != nil {
		t.drops.Warn("ack_send", "failed to send ack", zap.Stringer("message_id", env.ID), zap.Error(err))
		return
	}
	t.metrics.acksSent.Inc()
}

func (t *Transport) runContext() context.Context {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.ctx
}

// after runs fn once d has passed unless the transport stops first.
func (t *Transport) after(d time.Duration, fn func()) {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	if t.timersClosed {
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		t.timersMu.Lock()
		_, live := t.timers[tm]
		delete(t.timers, tm)
		t.timersMu.Unlock()
		if live {
			fn()
		}
	})
	t.timers[tm] = struct{}{}
}

func (t *Transport) stopTimers() {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	t.timersClosed = true
	for tm := range t.timers {
		tm.Stop()
	}
	clear(t.timers)
}
