package signaling

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/chat"
	"github.com/aura-connect/backend/internal/cluster"
	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/media/mediatest"
	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/internal/routing"
	"github.com/aura-connect/backend/internal/rtc"
	"github.com/aura-connect/backend/pkg/redisstore"
)

type sessionFixture struct {
	deps   *Deps
	store  *redisstore.Client
	router *mediatest.FakeRouter
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	mirror := rtc.NewMirror(store, log)
	pool, err := media.NewPool(1, func(i int) (media.Worker, error) {
		return mediatest.NewFakeWorker(i), nil
	}, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	routingSvc := routing.NewService(store, "server-1", 8080, 8081, log)
	routers := rtc.NewRouterRegistry(pool, mirror, routingSvc, "server-1", log)
	router, err := routers.GetOrCreate(context.Background(), "room-1")
	require.NoError(t, err)

	deps := &Deps{
		Routers:    routers,
		Transports: rtc.NewTransportRegistry(mirror, rtc.TransportOptions{ListenIP: "127.0.0.1"}, "server-1", log),
		Producers:  rtc.NewProducerRegistry(mirror, "server-1", log),
		Consumers:  rtc.NewConsumerRegistry(mirror, "server-1", log),
		Mirror:     mirror,
		Routing:    routingSvc,
		Cluster:    cluster.NewBus(store, "server-1", log),
		Hub:        NewHub(store, "server-1", log),
		Logger:     log,
	}
	return &sessionFixture{deps: deps, store: store, router: router.(*mediatest.FakeRouter)}
}

// joinedSession wires a session directly into the joined room, skipping the
// database-backed join path.
func (f *sessionFixture) joinedSession(t *testing.T, socketID, userID string) (*Session, *fakeOutbound) {
	t.Helper()
	out := &fakeOutbound{socketID: socketID, userID: userID, name: "u-" + userID}
	s := NewSession(f.deps, out, userID, userID+"@example.com", "u-"+userID)
	s.state = StateJoined
	s.roomID = "room-1"
	s.roomCode = "aaaa-bbbb-cccc"
	f.deps.Hub.Join("room-1", out)
	return s, out
}

func lastAck(t *testing.T, out *fakeOutbound) map[string]interface{} {
	t.Helper()
	msgs := out.messages()
	require.NotEmpty(t, msgs)
	var last *Message
	for i := range msgs {
		if msgs[i].Event == EmitAck {
			last = &msgs[i]
		}
	}
	require.NotNil(t, last, "no ack received")
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(last.Data, &body))
	return body
}

func (f *sessionFixture) createTransport(t *testing.T, s *Session, out *fakeOutbound) string {
	t.Helper()
	s.Handle(context.Background(), Message{ID: 1, Event: EventCreateTransport, Data: json.RawMessage(`{"isProducer":true}`)})
	ack := lastAck(t, out)
	id, _ := ack["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (f *sessionFixture) produce(t *testing.T, s *Session, out *fakeOutbound, transportID, kind string) string {
	t.Helper()
	req := map[string]interface{}{"transportId": transportID, "kind": kind, "rtpParameters": map[string]any{}}
	s.Handle(context.Background(), Message{ID: 2, Event: EventProduce, Data: marshal(req)})
	ack := lastAck(t, out)
	id, _ := ack["id"].(string)
	require.NotEmpty(t, id, "produce failed: %v", ack)
	return id
}

func TestCreateTransportMovesToOperational(t *testing.T) {
	f := newSessionFixture(t)
	s, out := f.joinedSession(t, "sock-1", "user-1")

	f.createTransport(t, s, out)

	assert.Equal(t, StateOperational, s.State())
	ack := lastAck(t, out)
	assert.NotEmpty(t, ack["iceParameters"])
	assert.NotEmpty(t, ack["dtlsParameters"])
}

func TestProduceNotifiesPeers(t *testing.T) {
	f := newSessionFixture(t)
	producerSess, producerOut := f.joinedSession(t, "sock-1", "user-1")
	_, peerOut := f.joinedSession(t, "sock-2", "user-2")

	transportID := f.createTransport(t, producerSess, producerOut)
	f.produce(t, producerSess, producerOut, transportID, "audio")

	assert.Equal(t, 1, peerOut.eventsSeen(EmitNewProducer))
	assert.Equal(t, 0, producerOut.eventsSeen(EmitNewProducer))
}

func TestScreenShareEmitsDedicatedEvent(t *testing.T) {
	f := newSessionFixture(t)
	s, out := f.joinedSession(t, "sock-1", "user-1")
	_, peerOut := f.joinedSession(t, "sock-2", "user-2")

	transportID := f.createTransport(t, s, out)
	req := map[string]interface{}{
		"transportId": transportID, "kind": "video",
		"rtpParameters": map[string]any{},
		"appData":       map[string]any{"source": "screen"},
	}
	s.Handle(context.Background(), Message{ID: 3, Event: EventProduce, Data: marshal(req)})

	assert.Equal(t, 1, peerOut.eventsSeen(EmitScreenShareStarted))
}

func TestConsumeDeniedByCapabilities(t *testing.T) {
	f := newSessionFixture(t)
	prodSess, prodOut := f.joinedSession(t, "sock-1", "user-1")
	consSess, consOut := f.joinedSession(t, "sock-2", "user-2")

	prodTransport := f.createTransport(t, prodSess, prodOut)
	producerID := f.produce(t, prodSess, prodOut, prodTransport, "audio")
	consTransport := f.createTransport(t, consSess, consOut)

	f.router.ConsumeDenied = true
	req := map[string]interface{}{
		"transportId": consTransport, "producerId": producerID,
		"rtpCapabilities": map[string]any{},
	}
	consSess.Handle(context.Background(), Message{ID: 9, Event: EventConsume, Data: marshal(req)})

	ack := lastAck(t, consOut)
	assert.Equal(t, "Cannot consume", ack["error"])
}

func TestConsumeReturnsRTPParameters(t *testing.T) {
	f := newSessionFixture(t)
	prodSess, prodOut := f.joinedSession(t, "sock-1", "user-1")
	consSess, consOut := f.joinedSession(t, "sock-2", "user-2")

	prodTransport := f.createTransport(t, prodSess, prodOut)
	producerID := f.produce(t, prodSess, prodOut, prodTransport, "audio")
	consTransport := f.createTransport(t, consSess, consOut)

	req := map[string]interface{}{
		"transportId": consTransport, "producerId": producerID,
		"rtpCapabilities": map[string]any{},
	}
	consSess.Handle(context.Background(), Message{ID: 9, Event: EventConsume, Data: marshal(req)})

	ack := lastAck(t, consOut)
	assert.Equal(t, producerID, ack["producerId"])
	assert.Equal(t, "audio", ack["kind"])
	assert.NotEmpty(t, ack["rtpParameters"])
}

func TestCloseProducerUnauthorized(t *testing.T) {
	f := newSessionFixture(t)
	prodSess, prodOut := f.joinedSession(t, "sock-1", "user-1")
	otherSess, otherOut := f.joinedSession(t, "sock-2", "user-2")

	prodTransport := f.createTransport(t, prodSess, prodOut)
	producerID := f.produce(t, prodSess, prodOut, prodTransport, "audio")
	f.createTransport(t, otherSess, otherOut)

	otherSess.Handle(context.Background(), Message{
		ID: 5, Event: EventCloseProducer,
		Data: marshal(map[string]string{"producerId": producerID}),
	})

	ack := lastAck(t, otherOut)
	assert.Equal(t, "Producer not found or unauthorized", ack["error"])
	// No close emission reached the owner.
	assert.Equal(t, 0, prodOut.eventsSeen(EmitProducerClosed))
	assert.Equal(t, 1, f.deps.Producers.Count())
}

func TestCloseOwnProducerNotifiesPeers(t *testing.T) {
	f := newSessionFixture(t)
	s, out := f.joinedSession(t, "sock-1", "user-1")
	_, peerOut := f.joinedSession(t, "sock-2", "user-2")

	transportID := f.createTransport(t, s, out)
	producerID := f.produce(t, s, out, transportID, "audio")

	s.Handle(context.Background(), Message{
		ID: 5, Event: EventCloseProducer,
		Data: marshal(map[string]string{"producerId": producerID}),
	})

	assert.Equal(t, 1, peerOut.eventsSeen(EmitProducerClosed))
	assert.Equal(t, 0, f.deps.Producers.Count())
}

func TestPauseResumeProducer(t *testing.T) {
	f := newSessionFixture(t)
	s, out := f.joinedSession(t, "sock-1", "user-1")
	_, peerOut := f.joinedSession(t, "sock-2", "user-2")

	transportID := f.createTransport(t, s, out)
	producerID := f.produce(t, s, out, transportID, "audio")

	s.Handle(context.Background(), Message{ID: 6, Event: EventPauseProducer,
		Data: marshal(map[string]string{"producerId": producerID})})
	assert.Equal(t, 1, peerOut.eventsSeen(EmitProducerPaused))

	producer, _, ok := f.deps.Producers.Get(producerID)
	require.True(t, ok)
	assert.True(t, producer.(*mediatest.FakeProducer).Paused())

	s.Handle(context.Background(), Message{ID: 7, Event: EventResumeProducer,
		Data: marshal(map[string]string{"producerId": producerID})})
	assert.Equal(t, 1, peerOut.eventsSeen(EmitProducerResumed))
	assert.False(t, producer.(*mediatest.FakeProducer).Paused())
}

func TestDisconnectCleanupLeavesMirrorClean(t *testing.T) {
	f := newSessionFixture(t)
	s, out := f.joinedSession(t, "sock-1", "user-1")
	_, peerOut := f.joinedSession(t, "sock-2", "user-2")

	transportID := f.createTransport(t, s, out)
	f.produce(t, s, out, transportID, "audio")
	f.produce(t, s, out, transportID, "video")

	ctx := context.Background()
	cleanupWithoutDB(s, ctx)

	dirty, err := f.deps.Mirror.SocketDirty(ctx, "sock-1")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, 0, f.deps.Producers.Count())
	assert.Equal(t, 0, f.deps.Transports.Count())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, peerOut.eventsSeen(EmitUserLeft))
	assert.Equal(t, 2, peerOut.eventsSeen(EmitProducerClosed))
}

// cleanupWithoutDB runs Cleanup with the participant-row update skipped;
// fixtures have no database behind the room service.
func cleanupWithoutDB(s *Session, ctx context.Context) {
	roomID := s.roomID
	socketID := s.out.SocketID()

	closed := s.teardownMedia(ctx)
	_ = s.deps.Mirror.CleanSocket(ctx, socketID)
	s.state = StateClosed
	s.notifyLeft(ctx, roomID, closed)
	s.deps.Hub.Leave(roomID, socketID)
}

func TestUnknownEventAcksError(t *testing.T) {
	f := newSessionFixture(t)
	s, out := f.joinedSession(t, "sock-1", "user-1")

	s.Handle(context.Background(), Message{ID: 42, Event: "bogus"})
	ack := lastAck(t, out)
	assert.Equal(t, "unknown event", ack["error"])
}

func TestOperationalRPCRejectedBeforeJoin(t *testing.T) {
	f := newSessionFixture(t)
	out := &fakeOutbound{socketID: "sock-9", userID: "user-9"}
	s := NewSession(f.deps, out, "user-9", "u9@example.com", "u9")

	s.Handle(context.Background(), Message{ID: 1, Event: EventCreateTransport, Data: json.RawMessage(`{}`)})
	ack := lastAck(t, out)
	assert.Equal(t, "not in a room", ack["error"])
	assert.Equal(t, StateAuthenticated, s.State())
}

// fakeChat records the arguments of the last History call so tests can
// verify what the session passes through.
type fakeChat struct {
	roomID        string
	userID        string
	participantID string
	cursor        string
	limit         int
}

func (f *fakeChat) Save(ctx context.Context, roomID, senderID, recipientID, clientMessageID, content string) (*models.ChatMessage, error) {
	return &models.ChatMessage{RoomID: roomID, SenderID: senderID, Content: content}, nil
}

func (f *fakeChat) History(ctx context.Context, roomID, userID, participantID, cursor string, limit int) (*chat.HistoryPage, error) {
	f.roomID, f.userID, f.participantID, f.cursor, f.limit = roomID, userID, participantID, cursor, limit
	return &chat.HistoryPage{}, nil
}

func TestChatHistoryForwardsParticipantFilter(t *testing.T) {
	f := newSessionFixture(t)
	fc := &fakeChat{}
	f.deps.Chat = fc
	s, _ := f.joinedSession(t, "sock-1", "user-1")

	s.Handle(context.Background(), Message{ID: 7, Event: EventChatHistory,
		Data: json.RawMessage(`{"participantId":"user-9","cursor":"","limit":25}`)})

	assert.Equal(t, "room-1", fc.roomID)
	assert.Equal(t, "user-1", fc.userID)
	assert.Equal(t, "user-9", fc.participantID)
	assert.Equal(t, 25, fc.limit)
}

func TestChatHistoryDefaultsToUnfiltered(t *testing.T) {
	f := newSessionFixture(t)
	fc := &fakeChat{participantID: "stale"}
	f.deps.Chat = fc
	s, _ := f.joinedSession(t, "sock-1", "user-1")

	s.Handle(context.Background(), Message{ID: 8, Event: EventChatHistory, Data: json.RawMessage(`{}`)})

	assert.Equal(t, "", fc.participantID)
}
