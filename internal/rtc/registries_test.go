package rtc

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/media/mediatest"
	"github.com/aura-connect/backend/pkg/redisstore"
)

const testServerID = "server-1"

type fixture struct {
	mirror     *Mirror
	store      *redisstore.Client
	router     *mediatest.FakeRouter
	routers    *RouterRegistry
	transports *TransportRegistry
	producers  *ProducerRegistry
	consumers  *ConsumerRegistry
}

type allowAll struct{}

func (allowAll) ShouldHandle(ctx context.Context, roomID string) (bool, error) { return true, nil }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	log := zap.NewNop()
	mirror := NewMirror(store, log)

	pool, err := media.NewPool(1, func(i int) (media.Worker, error) {
		return mediatest.NewFakeWorker(i), nil
	}, log)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	routers := NewRouterRegistry(pool, mirror, allowAll{}, testServerID, log)
	router, err := routers.GetOrCreate(context.Background(), "room-1")
	require.NoError(t, err)

	return &fixture{
		mirror:     mirror,
		store:      store,
		router:     router.(*mediatest.FakeRouter),
		routers:    routers,
		transports: NewTransportRegistry(mirror, TransportOptions{ListenIP: "127.0.0.1"}, testServerID, log),
		producers:  NewProducerRegistry(mirror, testServerID, log),
		consumers:  NewConsumerRegistry(mirror, testServerID, log),
	}
}

func (f *fixture) produce(t *testing.T, socketID string, kind media.Kind, appData media.AppData) (media.Producer, ProducerInfo) {
	t.Helper()
	ctx := context.Background()
	tr, err := f.transports.Create(ctx, f.router, socketID, "room-1", true)
	require.NoError(t, err)
	p, err := tr.Produce(ctx, kind, []byte(`{}`), appData)
	require.NoError(t, err)
	info := f.producers.Add(ctx, socketID, p, "room-1", "user-"+socketID)
	return p, info
}

func TestRouterRegistryGetOrCreateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.routers.GetOrCreate(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, f.router.ID(), again.ID())
	assert.Equal(t, 1, f.routers.Count())

	meta, err := f.mirror.GetRouter(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, f.router.ID(), meta.RouterID)
	assert.Equal(t, testServerID, meta.ServerID)
}

func TestRouterRegistryClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.routers.Close(ctx, "room-1")
	assert.Equal(t, 0, f.routers.Count())
	assert.True(t, f.router.Closed())

	meta, err := f.mirror.GetRouter(ctx, "room-1")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestTransportDTLSCloseTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.transports.Create(ctx, f.router, "sock-1", "room-1", true)
	require.NoError(t, err)
	require.Equal(t, 1, f.transports.Count())

	tr.(*mediatest.FakeTransport).FireDTLSState("closed")
	assert.Equal(t, 0, f.transports.Count())
	assert.True(t, tr.(*mediatest.FakeTransport).Closed())

	ids, err := f.mirror.SocketTransports(ctx, "sock-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTransportCloseAllCleansForeignMirrorEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.transports.Create(ctx, f.router, "sock-1", "room-1", true)
	require.NoError(t, err)
	// Entry mirrored by another node during a takeover window.
	f.mirror.SetTransport(ctx, "foreign-t", TransportMeta{
		SocketID: "sock-1", RoomID: "room-1", ServerID: "server-2",
	})

	f.transports.CloseAll(ctx, "sock-1")
	assert.Equal(t, 0, f.transports.Count())
	ids, err := f.mirror.SocketTransports(ctx, "sock-1")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestProducerSourceInference(t *testing.T) {
	f := newFixture(t)

	_, audio := f.produce(t, "sock-1", media.KindAudio, nil)
	assert.Equal(t, media.SourceMicrophone, audio.Source)

	_, screen := f.produce(t, "sock-1", media.KindVideo, media.AppData{"source": "screen"})
	assert.Equal(t, media.SourceScreen, screen.Source)

	_, video := f.produce(t, "sock-1", media.KindVideo, nil)
	assert.Equal(t, media.SourceCamera, video.Source)
}

func TestProducerCloseAlwaysCleansMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Producer mirrored by another node; close must still clean the mirror.
	f.mirror.SetProducer(ctx, "foreign-p", ProducerMeta{
		SocketID: "sock-9", RoomID: "room-1", ServerID: "server-2", Kind: media.KindAudio,
	})
	f.producers.Close(ctx, "sock-9", "foreign-p")

	meta, err := f.mirror.GetProducer(ctx, "foreign-p")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestProducerFindByIDForeign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mirror.SetProducer(ctx, "remote-p", ProducerMeta{
		SocketID: "sock-9", RoomID: "room-2", ServerID: "server-2", Kind: media.KindVideo,
	})

	p, info, foreign, err := f.producers.FindByID(ctx, "remote-p")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Nil(t, info)
	require.NotNil(t, foreign)
	assert.Equal(t, "server-2", foreign.ServerID)
	assert.Equal(t, "room-2", foreign.RoomID)
}

func TestProducerInRoomExcludesOwnSocket(t *testing.T) {
	f := newFixture(t)

	f.produce(t, "sock-1", media.KindAudio, nil)
	f.produce(t, "sock-2", media.KindVideo, nil)

	visible := f.producers.InRoom("room-1", "sock-2")
	require.Len(t, visible, 1)
	assert.Equal(t, "sock-1", visible[0].SocketID)
}

func TestProducerPauseResumeByKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	audio, _ := f.produce(t, "sock-1", media.KindAudio, nil)
	video, _ := f.produce(t, "sock-1", media.KindVideo, nil)

	paused := f.producers.PauseByKind(ctx, "sock-1", media.KindAudio)
	assert.Len(t, paused, 1)
	assert.True(t, audio.(*mediatest.FakeProducer).Paused())
	assert.False(t, video.(*mediatest.FakeProducer).Paused())

	resumed := f.producers.ResumeByKind(ctx, "sock-1", media.KindAudio)
	assert.Len(t, resumed, 1)
	assert.False(t, audio.(*mediatest.FakeProducer).Paused())
}

func TestConsumerClosedWhenProducerCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	producer, info := f.produce(t, "sock-1", media.KindAudio, nil)

	recvTr, err := f.transports.Create(ctx, f.router, "sock-2", "room-1", false)
	require.NoError(t, err)
	consumer, err := recvTr.Consume(ctx, info.ProducerID, []byte(`{}`), false)
	require.NoError(t, err)
	f.consumers.Add(ctx, "sock-2", consumer, info.ProducerID)
	require.Equal(t, 1, f.consumers.Count())

	require.NoError(t, producer.Close(ctx))

	assert.Equal(t, 0, f.consumers.Count())
	assert.True(t, consumer.(*mediatest.FakeConsumer).Closed())
	ids, err := f.mirror.SocketConsumers(ctx, "sock-2")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConsumerCloseAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, info := f.produce(t, "sock-1", media.KindAudio, nil)
	recvTr, err := f.transports.Create(ctx, f.router, "sock-2", "room-1", false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		c, err := recvTr.Consume(ctx, info.ProducerID, []byte(`{}`), false)
		require.NoError(t, err)
		f.consumers.Add(ctx, "sock-2", c, info.ProducerID)
	}
	require.Equal(t, 3, f.consumers.Count())

	f.consumers.CloseAll(ctx, "sock-2")
	assert.Equal(t, 0, f.consumers.Count())

	dirty, err := f.mirror.SocketDirty(ctx, "sock-2")
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestMirrorCleanSocket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, info := f.produce(t, "sock-1", media.KindAudio, nil)
	dirty, err := f.mirror.SocketDirty(ctx, "sock-1")
	require.NoError(t, err)
	require.True(t, dirty)

	require.NoError(t, f.mirror.CleanSocket(ctx, "sock-1"))

	dirty, err = f.mirror.SocketDirty(ctx, "sock-1")
	require.NoError(t, err)
	assert.False(t, dirty)

	meta, err := f.mirror.GetProducer(ctx, info.ProducerID)
	require.NoError(t, err)
	assert.Nil(t, meta)

	// Room producer index cleaned too.
	members, err := f.store.SMembers(ctx, redisstore.RoomProducersKey("room-1"))
	require.NoError(t, err)
	assert.Empty(t, members)
}
