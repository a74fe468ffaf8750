package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/config"
	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/media/mediatest"
	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/internal/rtc"
	"github.com/aura-connect/backend/pkg/redisstore"
)

// memStore keeps recording rows in memory; the orchestrator only needs the
// Store surface.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Recording
	assets   map[string]*models.RecordingAsset
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*models.Recording),
		assets:   make(map[string]*models.RecordingAsset),
	}
}

func (m *memStore) CreateSession(_ context.Context, rec *models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = fmt.Sprintf("rec-%d", m.nextID)
	cp := *rec
	m.sessions[rec.ID] = &cp
	return nil
}

func (m *memStore) UpdateStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		rec.Status = status
	}
	return nil
}

func (m *memStore) FinishSession(_ context.Context, id string, endedAt time.Time, duration int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		rec.Status = status
		rec.EndedAt = &endedAt
		rec.DurationSeconds = duration
	}
	return nil
}

func (m *memStore) CreateAsset(_ context.Context, asset *models.RecordingAsset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	asset.ID = asset.RecordingID + "-asset"
	cp := *asset
	m.assets[asset.RecordingID] = &cp
	return nil
}

func (m *memStore) UpdateAssetUpload(_ context.Context, assetID, bucket, key string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assets {
		if a.ID == assetID {
			a.S3Bucket, a.S3Key, a.FileSize, a.LocalPath = bucket, key, size, ""
		}
	}
	return nil
}

func (m *memStore) AssetForRecording(_ context.Context, recordingID string) (*models.RecordingAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *m.assets[recordingID]
	return &a, nil
}

func (m *memStore) ActiveForRoom(_ context.Context, roomID string) (*models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.sessions {
		if rec.RoomID == roomID && rec.Status != models.RecordingCompleted && rec.Status != models.RecordingFailed {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) status(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		return rec.Status
	}
	return ""
}

type fixedRouter struct{ router media.Router }

func (f fixedRouter) GetOrCreate(context.Context, string) (media.Router, error) {
	return f.router, nil
}

type fakeProducerSource struct {
	mu    sync.Mutex
	items []struct {
		p    media.Producer
		info rtc.ProducerInfo
	}
}

func (f *fakeProducerSource) add(p media.Producer, info rtc.ProducerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, struct {
		p    media.Producer
		info rtc.ProducerInfo
	}{p, info})
}

func (f *fakeProducerSource) InRoom(roomID, exclude string) []rtc.ProducerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rtc.ProducerInfo
	for _, it := range f.items {
		if it.info.RoomID == roomID && it.info.SocketID != exclude {
			out = append(out, it.info)
		}
	}
	return out
}

func (f *fakeProducerSource) Get(producerID string) (media.Producer, *rtc.ProducerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.info.ProducerID == producerID {
			info := it.info
			return it.p, &info, true
		}
	}
	return nil, nil, false
}

type orchFixture struct {
	orch      *Orchestrator
	router    media.Router
	transport media.Transport
	producers *fakeProducerSource
	repo      *memStore
	store     *redisstore.Client
}

// fakeFFmpeg writes an executable that ignores its arguments and runs body.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newOrchFixture(t *testing.T, ffmpegBody string) *orchFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	worker := mediatest.NewFakeWorker(0)
	router, err := worker.CreateRouter(context.Background())
	require.NoError(t, err)
	transport, err := router.CreateWebRTCTransport(context.Background(), media.WebRTCTransportOptions{})
	require.NoError(t, err)

	producers := &fakeProducerSource{}
	repo := newMemStore()
	cfg := config.RecordingConfig{
		Enabled:    true,
		TmpDir:     t.TempDir(),
		FFmpegPath: fakeFFmpeg(t, ffmpegBody),
		Layout:     "pip",
		BindIP:     "127.0.0.1",
		PortMin:    50000,
		PortMax:    50010,
	}
	orch := NewOrchestrator(cfg, fixedRouter{router}, producers, repo, store, nil, nil, nil, zap.NewNop())
	return &orchFixture{
		orch:      orch,
		router:    router,
		transport: transport,
		producers: producers,
		repo:      repo,
		store:     store,
	}
}

func (f *orchFixture) produce(t *testing.T, kind media.Kind, source media.Source, userID string) rtc.ProducerInfo {
	t.Helper()
	p, err := f.transport.Produce(context.Background(), kind, nil, media.AppData{"source": string(source)})
	require.NoError(t, err)
	info := rtc.ProducerInfo{
		ProducerID: p.ID(),
		SocketID:   "sock-" + userID,
		RoomID:     "room-1",
		UserID:     userID,
		Kind:       kind,
		Source:     source,
	}
	f.producers.add(p, info)
	return info
}

func (f *orchFixture) activeSession(t *testing.T) *session {
	t.Helper()
	f.orch.mu.Lock()
	defer f.orch.mu.Unlock()
	sess := f.orch.sessions["room-1"]
	require.NotNil(t, sess)
	return sess
}

func TestStartAttachesExistingProducers(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	f.produce(t, media.KindAudio, media.SourceMicrophone, "alice")
	f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	rec, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingRecording, rec.Status)
	assert.Equal(t, models.RecordingRecording, f.repo.status(rec.ID))

	sess := f.activeSession(t)
	sess.mu.Lock()
	assert.Len(t, sess.attached, 2)
	assert.NotNil(t, sess.cmd)
	sess.mu.Unlock()

	ok, err := f.store.Exists(context.Background(), redisstore.RecordingKey("room-1"))
	require.NoError(t, err)
	assert.True(t, ok, "mirror entry must exist while recording")

	_, err = f.orch.Stop(context.Background(), "room-1")
	require.NoError(t, err)
}

func TestSecondStartConflicts(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	_, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)
	_, err = f.orch.Start(context.Background(), "room-1", "alice")
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	_, err = f.orch.Stop(context.Background(), "room-1")
	require.NoError(t, err)
}

func TestStartDisabled(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	f.orch.cfg.Enabled = false
	_, err := f.orch.Start(context.Background(), "room-1", "alice")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestScreenShareTakesPrimary(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	camera := f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	_, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)

	sess := f.activeSession(t)
	sess.mu.Lock()
	assert.Equal(t, RolePrimary, sess.attached[camera.ProducerID].role)
	sess.mu.Unlock()

	screen := f.produce(t, media.KindVideo, media.SourceScreen, "bob")
	p, info, ok := f.producers.Get(screen.ProducerID)
	require.True(t, ok)
	f.orch.ProducerAdded("room-1", p, *info)

	sess.mu.Lock()
	assert.Equal(t, RolePrimary, sess.attached[screen.ProducerID].role)
	assert.Equal(t, RolePip, sess.attached[camera.ProducerID].role)
	assert.Equal(t, screen.ProducerID, sess.primaryID)
	sess.mu.Unlock()

	_, err = f.orch.Stop(context.Background(), "room-1")
	require.NoError(t, err)
}

func TestProducerRemovedClosesConsumer(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	video := f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	_, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)

	sess := f.activeSession(t)
	sess.mu.Lock()
	consumer := sess.attached[video.ProducerID].consumer.(*mediatest.FakeConsumer)
	sess.mu.Unlock()
	assert.False(t, consumer.Paused(), "consumer resumes once the composite is up")

	f.orch.ProducerRemoved("room-1", video.ProducerID)

	assert.True(t, consumer.Closed())
	sess.mu.Lock()
	assert.Empty(t, sess.attached)
	sess.mu.Unlock()

	_, err = f.orch.Stop(context.Background(), "room-1")
	require.NoError(t, err)
}

func TestStopCompletesLocalOnly(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	rec, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)

	sess := f.activeSession(t)
	require.NoError(t, os.WriteFile(sess.outputPath, []byte("mp4-bytes"), 0o640))

	stopped, err := f.orch.Stop(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, models.RecordingCompleted, stopped.Status)
	assert.NotNil(t, stopped.EndedAt)
	assert.Equal(t, models.RecordingCompleted, f.repo.status(rec.ID))

	asset, err := f.repo.AssetForRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssetComposite, asset.AssetType)
	assert.Equal(t, "mp4", asset.Format)
	assert.Greater(t, asset.FileSize, int64(0))
	assert.Equal(t, sess.outputPath, asset.LocalPath, "no bucket configured keeps the file local")

	ok, err := f.store.Exists(context.Background(), redisstore.RecordingKey("room-1"))
	require.NoError(t, err)
	assert.False(t, ok, "mirror entry is removed on stop")

	// Both port pairs must be free again.
	_, _, err = f.orch.ports.AllocatePair()
	require.NoError(t, err)
}

func TestStopWithoutSession(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	_, err := f.orch.Stop(context.Background(), "room-1")
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestCompositeCrashFailsSession(t *testing.T) {
	f := newOrchFixture(t, "exit 1")
	f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	rec, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)

	// The crash handler stops the session and marks it failed.
	require.Eventually(t, func() bool {
		return f.repo.status(rec.ID) == models.RecordingFailed
	}, 5*time.Second, 20*time.Millisecond)

	f.orch.mu.Lock()
	_, active := f.orch.sessions["room-1"]
	f.orch.mu.Unlock()
	assert.False(t, active)
}

func TestNoAttachAfterFailure(t *testing.T) {
	f := newOrchFixture(t, "exec sleep 60")
	f.produce(t, media.KindVideo, media.SourceCamera, "alice")

	_, err := f.orch.Start(context.Background(), "room-1", "alice")
	require.NoError(t, err)

	sess := f.activeSession(t)
	sess.mu.Lock()
	sess.status = models.RecordingFailed
	sess.mu.Unlock()

	late := f.produce(t, media.KindVideo, media.SourceCamera, "bob")
	p, info, ok := f.producers.Get(late.ProducerID)
	require.True(t, ok)
	f.orch.ProducerAdded("room-1", p, *info)

	sess.mu.Lock()
	_, attached := sess.attached[late.ProducerID]
	sess.mu.Unlock()
	assert.False(t, attached)

	_, err = f.orch.Stop(context.Background(), "room-1")
	require.NoError(t, err)
}
