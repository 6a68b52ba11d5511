package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"meshcast/internal/codec"
	"meshcast/internal/config"
	"meshcast/internal/dataType"
	"meshcast/internal/peer"
	"meshcast/internal/security"
	"meshcast/internal/serializer"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	groupKey = bytes.Repeat([]byte{0x42}, 32)
	nextKey  = bytes.Repeat([]byte{0x17}, 32)
)

type chatMessage struct {
	Text string `json:"text"`
	N    int    `json:"n"`
	Slow bool   `json:"slow,omitempty"`
}

func testConfig(name string, encrypted bool) *config.MainConfig {
	cfg := config.DefaultConfig()
	cfg.NodeName = name
	cfg.Transport.HeartbeatInterval = 0
	cfg.Transport.GapTimeout = 100 * time.Millisecond
	cfg.Transport.RekeyGrace = 300 * time.Millisecond
	cfg.Transport.ShutdownTimeout = 2 * time.Second
	if encrypted {
		cfg.Transport.Encryption = true
		cfg.Transport.SecurityKey = hex.EncodeToString(groupKey)
	}
	return cfg
}

func newNode(t *testing.T, hub *memoryHub, cfg *config.MainConfig, log *zap.Logger) (*Transport, *memorySocket) {
	t.Helper()
	if hub == nil {
		hub = &memoryHub{}
	}
	sock := hub.join()
	tr, err := NewTransport(cfg, sock, log)
	require.NoError(t, err)
	return tr, sock
}

func startNode(t *testing.T, tr *Transport) {
	t.Helper()
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { _ = tr.Stop(2 * time.Second) })
}

// chatRecorder collects chat messages in handler order.
type chatRecorder struct {
	mu   sync.Mutex
	msgs []chatMessage
	envs []*dataType.Envelope
}

func (r *chatRecorder) handle(_ context.Context, env *dataType.Envelope, msg chatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.envs = append(r.envs, env)
	return nil
}

func (r *chatRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *chatRecorder) numbers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.N
	}
	return out
}

// packet frames a chat message from source as another node would.
func packet(t *testing.T, key []byte, source uuid.UUID, senderSeq uint32, msg chatMessage) []byte {
	t.Helper()
	return frame(t, key, source, senderSeq, "chat", msg)
}

func frame(t *testing.T, key []byte, source uuid.UUID, senderSeq uint32, msgType string, payload any) []byte {
	t.Helper()
	keys := security.NewKeyManager()
	if key != nil {
		require.NoError(t, keys.SetKey(key, false))
	}
	s := serializer.New(security.NewHandler(keys, key != nil), nil)
	env := &dataType.Envelope{
		ID:             uuid.New(),
		Source:         dataType.SourceIdentity{ID: source},
		Type:           msgType,
		SenderSequence: senderSeq,
		SendTicks:      dataType.TicksFromTime(time.Now()),
	}
	data, err := s.Serialize(env, payload)
	require.NoError(t, err)
	return data
}

func dropped(tr *Transport, reason string) float64 {
	return testutil.ToFloat64(tr.metrics.dropped.WithLabelValues(reason))
}

func TestTransport_DeliversBetweenNodes(t *testing.T) {
	hub := &memoryHub{}
	a, _ := newNode(t, hub, testConfig("a", true), nil)
	b, _ := newNode(t, hub, testConfig("b", true), nil)

	got := make(chan *dataType.Envelope, 1)
	var text string
	require.NoError(t, Handle(b, "chat", func(_ context.Context, env *dataType.Envelope, msg chatMessage) error {
		text = msg.Text
		got <- env
		return nil
	}))
	startNode(t, a)
	startNode(t, b)

	_, err := a.Send(context.Background(), "chat", chatMessage{Text: "hello"}, SendOptions{})
	require.NoError(t, err)

	select {
	case env := <-got:
		assert.Equal(t, "hello", text)
		assert.Equal(t, a.Identity().ID, env.Source.ID)
		assert.True(t, env.Encrypted)
		assert.Equal(t, uint32(1), env.SenderSequence)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestTransport_AckSessionCompletes(t *testing.T) {
	hub := &memoryHub{}
	a, _ := newNode(t, hub, testConfig("a", true), nil)
	b, _ := newNode(t, hub, testConfig("b", true), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, a)
	startNode(t, b)

	session, err := a.Send(context.Background(), "chat", chatMessage{Text: "ping"}, SendOptions{RequestAck: true})
	require.NoError(t, err)
	require.NotNil(t, session)

	require.True(t, session.Wait(2*time.Second))
	received := session.Received()
	require.Len(t, received, 1)
	assert.Equal(t, b.Identity().ID, received[0].ID)
}

func TestTransport_SendFailureCancelsSession(t *testing.T) {
	a, sock := newNode(t, nil, testConfig("a", false), nil)
	require.NoError(t, sock.Close())

	_, err := a.Send(context.Background(), "chat", chatMessage{}, SendOptions{RequestAck: true})
	require.ErrorIs(t, err, ErrSocketClosed)
	assert.Zero(t, a.acks.Pending())
}

func TestTransport_AutoAckIsRateLimited(t *testing.T) {
	hub := &memoryHub{}
	a, _ := newNode(t, hub, testConfig("a", false), nil)
	b, _ := newNode(t, hub, testConfig("b", false), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, a)
	startNode(t, b)

	for i := 1; i <= 11; i++ {
		_, err := a.Send(context.Background(), "chat", chatMessage{N: i}, SendOptions{RequestAck: true, AckTimeout: time.Minute})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return rec.len() == 11 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.acks.Pending() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 10.0, testutil.ToFloat64(b.metrics.acksSent))
}

func TestTransport_DuplicateFloodLogsBounded(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b, sock := newNode(t, nil, testConfig("b", false), zap.New(core))
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	data := packet(t, nil, uuid.New(), 1, chatMessage{Text: "once"})
	for range 100 {
		sock.injectNext(data)
	}

	require.Eventually(t, func() bool { return dropped(b, "duplicate") == 99 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, logs.Len(), 6)
	assert.Equal(t, 5, logs.FilterMessage("dropping replayed or stale message").Len())
}

func TestTransport_ReordersByArrival(t *testing.T) {
	b, sock := newNode(t, nil, testConfig("b", false), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	src := uuid.New()
	sock.inject(packet(t, nil, src, 3, chatMessage{N: 3}), 3)
	sock.inject(packet(t, nil, src, 1, chatMessage{N: 1}), 1)
	sock.inject(packet(t, nil, src, 2, chatMessage{N: 2}), 2)

	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, rec.numbers())
}

func TestTransport_GapTimeoutRecovers(t *testing.T) {
	b, sock := newNode(t, nil, testConfig("b", false), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	src := uuid.New()
	sock.inject(packet(t, nil, src, 1, chatMessage{N: 1}), 1)
	sock.inject(packet(t, nil, src, 3, chatMessage{N: 3}), 3)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 3}, rec.numbers())
}

func TestTransport_RejectedArrivalsDoNotStallGate(t *testing.T) {
	cfg := testConfig("b", false)
	cfg.Transport.GapTimeout = 10 * time.Second
	b, sock := newNode(t, nil, cfg, nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	src := uuid.New()
	sock.injectNext([]byte{codec.Magic, codec.Version, 0})
	sock.injectNext(packet(t, nil, src, 1, chatMessage{N: 1}))
	sock.injectNext(packet(t, nil, src, 1, chatMessage{N: 1}))
	sock.injectNext(packet(t, nil, src, 2, chatMessage{N: 2}))

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.numbers())
	assert.Equal(t, 1.0, dropped(b, "decode"))
	assert.Equal(t, 1.0, dropped(b, "duplicate"))
}

func TestTransport_SlowHandlerOnlyStallsItsLane(t *testing.T) {
	cfg := testConfig("b", false)
	cfg.Transport.Ordering = false
	b, sock := newNode(t, nil, cfg, nil)

	release := make(chan struct{})
	fast := make(chan int, 1)
	require.NoError(t, Handle(b, "chat", func(_ context.Context, _ *dataType.Envelope, msg chatMessage) error {
		if msg.Slow {
			<-release
			return nil
		}
		fast <- msg.N
		return nil
	}))
	startNode(t, b)
	t.Cleanup(func() { close(release) })

	slowSrc := uuid.New()
	fastSrc := uuid.New()
	for b.laneFor(&dataType.Envelope{Source: dataType.SourceIdentity{ID: fastSrc}}) ==
		b.laneFor(&dataType.Envelope{Source: dataType.SourceIdentity{ID: slowSrc}}) {
		fastSrc = uuid.New()
	}

	sock.injectNext(packet(t, nil, slowSrc, 1, chatMessage{Slow: true}))
	sock.injectNext(packet(t, nil, fastSrc, 1, chatMessage{N: 7}))

	select {
	case n := <-fast:
		assert.Equal(t, 7, n)
	case <-time.After(time.Second):
		t.Fatal("fast sender blocked behind slow handler")
	}
}

func TestTransport_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	b, sock := newNode(t, nil, testConfig("b", false), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", func(ctx context.Context, env *dataType.Envelope, msg chatMessage) error {
		if msg.N == 1 {
			panic("boom")
		}
		return rec.handle(ctx, env, msg)
	}))
	startNode(t, b)

	src := uuid.New()
	sock.injectNext(packet(t, nil, src, 1, chatMessage{N: 1}))
	sock.injectNext(packet(t, nil, src, 2, chatMessage{N: 2}))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, rec.numbers())
	assert.Equal(t, 1.0, dropped(b, "handler_error"))
}

func TestTransport_DropsUnencryptedWhenEncryptionOn(t *testing.T) {
	b, sock := newNode(t, nil, testConfig("b", true), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	src := uuid.New()
	sock.injectNext(packet(t, nil, src, 1, chatMessage{N: 1}))
	sock.injectNext(packet(t, groupKey, src, 2, chatMessage{N: 2}))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, rec.numbers())
	assert.Equal(t, 1.0, dropped(b, "unencrypted"))
}

func TestTransport_OwnMessages(t *testing.T) {
	for _, receiveOwn := range []bool{false, true} {
		cfg := testConfig("a", false)
		cfg.Transport.ReceiveOwn = receiveOwn
		a, sock := newNode(t, nil, cfg, nil)
		rec := &chatRecorder{}
		require.NoError(t, Handle(a, "chat", rec.handle))
		startNode(t, a)

		sock.injectNext(packet(t, nil, a.Identity().ID, 1, chatMessage{N: 1}))
		if receiveOwn {
			require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
			continue
		}
		require.Eventually(t, func() bool { return dropped(a, "loopback") == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, rec.len())
	}
}

func TestTransport_LegacyJSONIsDelivered(t *testing.T) {
	b, sock := newNode(t, nil, testConfig("b", false), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	env := &dataType.Envelope{
		ID:        uuid.New(),
		Source:    dataType.SourceIdentity{ID: uuid.New(), Name: "old-node"},
		Type:      "chat",
		SendTicks: dataType.TicksFromTime(time.Now()),
		Payload:   []byte(`{"text":"legacy","n":5}`),
	}
	data, err := codec.EncodeJSON(env)
	require.NoError(t, err)
	sock.injectNext(data)
	sock.injectNext(data)

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, rec.envs[0].Legacy)
	assert.Equal(t, []int{5, 5}, rec.numbers())
}

func TestTransport_KeyRotation(t *testing.T) {
	hub := &memoryHub{}
	a, _ := newNode(t, hub, testConfig("a", true), nil)
	b, bSock := newNode(t, hub, testConfig("b", true), nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, a)
	startNode(t, b)

	stale := packet(t, groupKey, uuid.New(), 1, chatMessage{N: 1})

	require.NoError(t, a.RotateKey(context.Background(), nextKey, 0))
	assert.True(t, a.Keys().IsCurrent(nextKey))
	require.Eventually(t, func() bool { return b.Keys().IsCurrent(nextKey) }, time.Second, 5*time.Millisecond)
	assert.True(t, b.Keys().HasPreviousKey())

	bSock.injectNext(stale)
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := a.Send(context.Background(), "chat", chatMessage{N: 2}, SendOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1, 2}, rec.numbers())

	require.Eventually(t, func() bool { return !b.Keys().HasPreviousKey() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !a.Keys().HasPreviousKey() }, 2*time.Second, 10*time.Millisecond)
}

func TestTransport_RotateKeyRequiresEncryption(t *testing.T) {
	a, _ := newNode(t, nil, testConfig("a", false), nil)
	assert.ErrorIs(t, a.RotateKey(context.Background(), nextKey, 0), ErrEncryptionDisabled)
}

func TestTransport_HeartbeatDiscoveryAndEviction(t *testing.T) {
	hub := &memoryHub{}
	cfgA := testConfig("a", true)
	cfgA.Transport.HeartbeatInterval = 50 * time.Millisecond
	cfgB := testConfig("b", true)
	cfgB.Transport.HeartbeatInterval = 50 * time.Millisecond
	a, _ := newNode(t, hub, cfgA, nil)
	b, _ := newNode(t, hub, cfgB, nil)

	var mu sync.Mutex
	var events []peer.Event
	b.OnPeerEvent(func(ev peer.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	kinds := func() []peer.EventKind {
		mu.Lock()
		defer mu.Unlock()
		out := make([]peer.EventKind, len(events))
		for i, ev := range events {
			out[i] = ev.Kind
		}
		return out
	}

	startNode(t, a)
	startNode(t, b)

	require.Eventually(t, func() bool { return len(b.Peers()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, a.Identity().ID.String(), b.Peers()[0].SourceID)
	assert.Equal(t, "a", b.Peers()[0].DeviceName)

	require.NoError(t, a.Stop(time.Second))
	require.Eventually(t, func() bool { return len(b.Peers()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []peer.EventKind{peer.PeerDiscovered, peer.PeerEvicted}, kinds())
}

func TestTransport_StopReleasesArrivals(t *testing.T) {
	b, sock := newNode(t, nil, testConfig("b", false), nil)
	require.NoError(t, b.HandleRaw("chat", func(context.Context, *dataType.Envelope) error { return nil }))
	require.NoError(t, b.Start(context.Background()))

	src := uuid.New()
	for i := uint32(1); i <= 200; i++ {
		sock.injectNext(packet(t, nil, src, i, chatMessage{N: int(i)}))
	}
	require.NoError(t, b.Stop(2*time.Second))

	assert.Equal(t, sock.rented.Load(), sock.released.Load())
	assert.NoError(t, b.Stop(time.Second))
}

func TestTransport_Lifecycle(t *testing.T) {
	b, _ := newNode(t, nil, testConfig("b", false), nil)

	assert.ErrorIs(t, b.HandleRaw("__secret", func(context.Context, *dataType.Envelope) error { return nil }), ErrReservedType)
	require.NoError(t, b.HandleRaw("chat", func(context.Context, *dataType.Envelope) error { return nil }))
	assert.Error(t, b.HandleRaw("chat", func(context.Context, *dataType.Envelope) error { return nil }))

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, b.HandleRaw("other", func(context.Context, *dataType.Envelope) error { return nil }), ErrAlreadyStarted)

	_, err := b.Send(context.Background(), dataType.MessageTypeAck, nil, SendOptions{})
	assert.ErrorIs(t, err, ErrReservedType)

	require.NoError(t, b.Stop(time.Second))
	assert.NoError(t, b.Stop(time.Second))
	assert.ErrorIs(t, b.Start(context.Background()), ErrTransportStopped)
}

func TestNewTransport_RejectsBadConfig(t *testing.T) {
	cfg := testConfig("b", false)
	cfg.Port = 0
	_, err := NewTransport(cfg, &memorySocket{}, nil)
	assert.Error(t, err)

	cfg = testConfig("b", false)
	cfg.Transport.Encryption = true
	_, err = NewTransport(cfg, &memorySocket{}, nil)
	assert.Error(t, err)

	_, err = NewTransport(testConfig("b", false), nil, nil)
	assert.Error(t, err)
}

func rekeyAnnouncement(t *testing.T, key []byte, effective time.Time) dataType.RekeyMessage {
	t.Helper()
	ks, err := security.NewKeySession(key)
	require.NoError(t, err)
	defer ks.Destroy()
	return dataType.RekeyMessage{
		Key:            bytes.Clone(key),
		EffectiveTicks: dataType.TicksFromTime(effective),
		Fingerprint:    ks.Fingerprint(),
	}
}

func TestTransport_OwnRekeyLoopbackKeepsGraceKey(t *testing.T) {
	cfg := testConfig("a", true)
	cfg.Transport.ReceiveOwn = true
	cfg.Transport.RekeyGrace = 5 * time.Second
	a, sock := newNode(t, nil, cfg, nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(a, "chat", rec.handle))
	startNode(t, a)

	require.NoError(t, a.RotateKey(context.Background(), nextKey, 100*time.Millisecond))
	announcement := sock.lastSent()
	require.NotNil(t, announcement)
	sock.injectNext(announcement)

	require.Eventually(t, func() bool { return a.Keys().IsCurrent(nextKey) }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.True(t, a.Keys().IsCurrent(nextKey))
	require.True(t, a.Keys().HasPreviousKey())

	sock.injectNext(packet(t, groupKey, uuid.New(), 1, chatMessage{N: 1}))
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, dropped(a, "decode"))
}

func TestTransport_SameRekeyFromTwoPeersInstallsOnce(t *testing.T) {
	cfg := testConfig("b", true)
	cfg.Transport.RekeyGrace = 5 * time.Second
	b, sock := newNode(t, nil, cfg, nil)
	rec := &chatRecorder{}
	require.NoError(t, Handle(b, "chat", rec.handle))
	startNode(t, b)

	effective := time.Now().Add(100 * time.Millisecond)
	sock.injectNext(frame(t, groupKey, uuid.New(), 1, dataType.MessageTypeRekey, rekeyAnnouncement(t, nextKey, effective)))
	sock.injectNext(frame(t, groupKey, uuid.New(), 1, dataType.MessageTypeRekey, rekeyAnnouncement(t, nextKey, effective.Add(20*time.Millisecond))))

	require.Eventually(t, func() bool { return b.Keys().IsCurrent(nextKey) }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.True(t, b.Keys().HasPreviousKey())

	sock.injectNext(packet(t, groupKey, uuid.New(), 1, chatMessage{N: 1}))
	sock.injectNext(packet(t, nextKey, uuid.New(), 1, chatMessage{N: 2}))
	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []int{1, 2}, rec.numbers())
	assert.Zero(t, dropped(b, "decode"))
}

func TestTransport_StopWithoutStartZeroesKeys(t *testing.T) {
	a, _ := newNode(t, nil, testConfig("a", true), nil)
	_, err := a.Send(context.Background(), "chat", chatMessage{}, SendOptions{RequestAck: true, AckTimeout: time.Minute})
	require.NoError(t, err)
	require.True(t, a.Keys().HasKey())

	require.NoError(t, a.Stop(time.Second))
	assert.False(t, a.Keys().HasKey())
	assert.Zero(t, a.acks.Pending())
	assert.NoError(t, a.Stop(time.Second))
	assert.ErrorIs(t, a.Start(context.Background()), ErrTransportStopped)
}

func TestTransport_StopReleasesArrivalAfterClose(t *testing.T) {
	sock := racingSocket{(&memoryHub{}).join()}
	b, err := NewTransport(testConfig("b", false), sock, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Stop(2*time.Second))
	assert.Equal(t, int64(1), sock.rented.Load())
	assert.Equal(t, sock.rented.Load(), sock.released.Load())
}
