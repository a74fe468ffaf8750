package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/config"
	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/internal/rtc"
	"github.com/aura-connect/backend/pkg/metrics"
	"github.com/aura-connect/backend/pkg/queue"
	"github.com/aura-connect/backend/pkg/redisstore"
	"github.com/aura-connect/backend/pkg/storage"
)

const (
	mirrorTTL     = 15 * time.Minute
	mirrorRefresh = 5 * time.Minute
)

var (
	ErrDisabled         = errors.New("recording: disabled by configuration")
	ErrAlreadyRecording = errors.New("recording: room already has an active session")
	ErrNotRecording     = errors.New("recording: no active session for room")
)

// RouterSource resolves the room's local router. Implemented by the router
// registry.
type RouterSource interface {
	GetOrCreate(ctx context.Context, roomID string) (media.Router, error)
}

// ProducerSource lists and resolves the room's live producers. Implemented by
// the producer registry.
type ProducerSource interface {
	InRoom(roomID, excludeSocketID string) []rtc.ProducerInfo
	Get(producerID string) (media.Producer, *rtc.ProducerInfo, bool)
}

type attachedConsumer struct {
	consumer media.Consumer
	kind     media.Kind
	source   media.Source
	role     string
}

type session struct {
	id         string
	roomID     string
	hostUserID string
	startedAt  time.Time
	router     media.Router

	audioPort int
	videoPort int
	audioTr   media.PlainTransport
	videoTr   media.PlainTransport

	sdpPath    string
	outputPath string
	logPath    string

	mu            sync.Mutex
	status        string
	stopRequested bool
	attached      map[string]*attachedConsumer
	primaryID     string
	cmd           *exec.Cmd
	logFile       *os.File
	procDone      chan error
	refreshStop   chan struct{}
}

func (s *session) videoCount() int {
	n := 0
	for _, a := range s.attached {
		if a.kind == media.KindVideo {
			n++
		}
	}
	return n
}

// Orchestrator runs at most one composite recording per room: plain
// transports into the room router, paused consumers per producer, an external
// ffmpeg process fed by a generated SDP, and artifact upload on stop.
type Orchestrator struct {
	cfg       config.RecordingConfig
	routers   RouterSource
	producers ProducerSource
	repo      Store
	store     *redisstore.Client
	s3        *storage.S3
	uploads   *queue.Queue
	metrics   *metrics.Metrics
	ports     *PortAllocator
	logger    *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewOrchestrator wires the recording orchestrator. s3 and uploads may be nil
// when no bucket is configured; artifacts then stay local.
func NewOrchestrator(cfg config.RecordingConfig, routers RouterSource, producers ProducerSource,
	repo Store, store *redisstore.Client, s3 *storage.S3, uploads *queue.Queue,
	m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		routers:   routers,
		producers: producers,
		repo:      repo,
		store:     store,
		s3:        s3,
		uploads:   uploads,
		metrics:   m,
		ports:     NewPortAllocator(cfg.PortMin, cfg.PortMax),
		logger:    logger,
		sessions:  make(map[string]*session),
	}
}

// Active returns the in-memory session state for a room, if any.
func (o *Orchestrator) Active(roomID string) (*models.Recording, bool) {
	o.mu.Lock()
	sess, ok := o.sessions[roomID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	return o.snapshot(sess), true
}

// Start begins a recording session for the room: ports, plain transports,
// the durable row, the mirror entry, and consumers for every producer already
// live in the room. The composite process launches once the first video
// consumer attaches.
func (o *Orchestrator) Start(ctx context.Context, roomID, hostUserID string) (*models.Recording, error) {
	if !o.cfg.Enabled {
		return nil, ErrDisabled
	}
	o.mu.Lock()
	if _, busy := o.sessions[roomID]; busy {
		o.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	// Reserve the slot before any slow work so two starts cannot race.
	o.sessions[roomID] = nil
	o.mu.Unlock()

	sess, err := o.openSession(ctx, roomID, hostUserID)
	if err != nil {
		o.mu.Lock()
		delete(o.sessions, roomID)
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Lock()
	o.sessions[roomID] = sess
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.Recordings.Inc()
	}
	o.logger.Info("recording started",
		zap.String("room_id", roomID), zap.String("recording_id", sess.id),
		zap.Int("audio_port", sess.audioPort), zap.Int("video_port", sess.videoPort))

	// Producers already live in the room attach immediately.
	for _, info := range o.producers.InRoom(roomID, "") {
		if producer, pInfo, ok := o.producers.Get(info.ProducerID); ok {
			o.attach(ctx, sess, producer, *pInfo)
		}
	}
	return o.snapshot(sess), nil
}

func (o *Orchestrator) openSession(ctx context.Context, roomID, hostUserID string) (*session, error) {
	audioPort, videoPort, err := o.ports.AllocatePair()
	if err != nil {
		return nil, err
	}

	router, err := o.routers.GetOrCreate(ctx, roomID)
	if err != nil {
		o.ports.Release(audioPort, videoPort)
		return nil, fmt.Errorf("room router: %w", err)
	}

	sess := &session{
		roomID:     roomID,
		hostUserID: hostUserID,
		startedAt:  time.Now(),
		router:     router,
		audioPort:  audioPort,
		videoPort:  videoPort,
		status:     models.RecordingStarting,
		attached:   make(map[string]*attachedConsumer),
	}

	opts := media.PlainTransportOptions{ListenIP: o.cfg.BindIP, RTCPMux: true}
	if sess.audioTr, err = router.CreatePlainTransport(ctx, opts); err == nil {
		err = sess.audioTr.Connect(ctx, o.cfg.BindIP, audioPort)
	}
	if err == nil {
		if sess.videoTr, err = router.CreatePlainTransport(ctx, opts); err == nil {
			err = sess.videoTr.Connect(ctx, o.cfg.BindIP, videoPort)
		}
	}
	if err != nil {
		o.rollbackStart(ctx, sess)
		return nil, fmt.Errorf("plain transport: %w", err)
	}

	rec := &models.Recording{
		RoomID:     roomID,
		HostUserID: hostUserID,
		Status:     models.RecordingStarting,
		StartedAt:  sess.startedAt,
	}
	if err := o.repo.CreateSession(ctx, rec); err != nil {
		o.rollbackStart(ctx, sess)
		return nil, fmt.Errorf("persist session: %w", err)
	}
	sess.id = rec.ID

	dir := o.tmpDir()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		o.rollbackStart(ctx, sess)
		_ = o.repo.UpdateStatus(ctx, sess.id, models.RecordingFailed)
		return nil, fmt.Errorf("recording dir: %w", err)
	}
	sess.sdpPath = filepath.Join(dir, sess.id+".sdp")
	sess.outputPath = filepath.Join(dir, sess.id+".mp4")
	sess.logPath = filepath.Join(dir, sess.id+".log")

	o.writeMirror(ctx, sess)
	sess.refreshStop = make(chan struct{})
	go o.refreshMirror(sess)
	return sess, nil
}

func (o *Orchestrator) tmpDir() string {
	if o.cfg.TmpDir != "" {
		return o.cfg.TmpDir
	}
	return filepath.Join(os.TempDir(), "connect-recordings")
}

// rollbackStart tears down whatever a failed start managed to build.
func (o *Orchestrator) rollbackStart(ctx context.Context, sess *session) {
	if sess.audioTr != nil {
		_ = sess.audioTr.Close(ctx)
	}
	if sess.videoTr != nil {
		_ = sess.videoTr.Close(ctx)
	}
	o.ports.Release(sess.audioPort, sess.videoPort)
	if sess.id != "" {
		_ = o.store.Delete(ctx, redisstore.RecordingKey(sess.roomID))
	}
}

// ProducerAdded attaches a consumer for a new producer in a recorded room.
// Part of the signaling notifier contract; rooms without a session are a
// no-op.
func (o *Orchestrator) ProducerAdded(roomID string, producer media.Producer, info rtc.ProducerInfo) {
	o.mu.Lock()
	sess := o.sessions[roomID]
	o.mu.Unlock()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.attach(ctx, sess, producer, info)
}

// ProducerRemoved detaches and closes the producer's recording consumer.
func (o *Orchestrator) ProducerRemoved(roomID, producerID string) {
	o.mu.Lock()
	sess := o.sessions[roomID]
	o.mu.Unlock()
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess.mu.Lock()
	a, ok := sess.attached[producerID]
	if ok {
		delete(sess.attached, producerID)
		if sess.primaryID == producerID {
			sess.primaryID = ""
		}
	}
	sess.mu.Unlock()
	if ok {
		_ = a.consumer.Close(ctx)
		o.logger.Debug("recording consumer detached",
			zap.String("room_id", roomID), zap.String("producer_id", producerID))
	}
}

func (o *Orchestrator) attach(ctx context.Context, sess *session, producer media.Producer, info rtc.ProducerInfo) {
	if info.Kind != media.KindAudio && info.Kind != media.KindVideo {
		return
	}

	sess.mu.Lock()
	if sess.stopRequested || sess.status == models.RecordingFailed {
		sess.mu.Unlock()
		return
	}
	if _, dup := sess.attached[info.ProducerID]; dup {
		sess.mu.Unlock()
		return
	}
	tr := sess.audioTr
	if info.Kind == media.KindVideo {
		tr = sess.videoTr
	}
	sess.mu.Unlock()

	consumer, err := tr.Consume(ctx, info.ProducerID, sess.router.RTPCapabilities(), true)
	if err != nil {
		o.logger.Warn("recording consumer failed",
			zap.String("room_id", sess.roomID), zap.String("producer_id", info.ProducerID), zap.Error(err))
		return
	}

	sess.mu.Lock()
	a := &attachedConsumer{consumer: consumer, kind: info.Kind, source: info.Source}
	if info.Kind == media.KindVideo {
		switch {
		case info.Source == media.SourceScreen:
			// Screen share always takes the full frame, demoting the
			// current primary to pip.
			if cur, ok := sess.attached[sess.primaryID]; ok {
				cur.role = RolePip
			}
			a.role = RolePrimary
			sess.primaryID = info.ProducerID
		case sess.primaryID == "":
			a.role = RolePrimary
			sess.primaryID = info.ProducerID
		default:
			a.role = RolePip
		}
	}
	sess.attached[info.ProducerID] = a

	startErr := error(nil)
	if sess.cmd == nil && sess.videoCount() >= 1 {
		startErr = o.startCompositeLocked(ctx, sess)
	}
	sess.mu.Unlock()

	if startErr != nil {
		o.logger.Error("composite start failed",
			zap.String("room_id", sess.roomID), zap.Error(startErr))
		return
	}
	if err := consumer.Resume(ctx); err != nil {
		o.logger.Warn("recording consumer resume failed",
			zap.String("producer_id", info.ProducerID), zap.Error(err))
	}
	o.logger.Debug("recording consumer attached",
		zap.String("room_id", sess.roomID), zap.String("producer_id", info.ProducerID),
		zap.String("role", a.role))
}

// startCompositeLocked writes the SDP and launches ffmpeg. Caller holds
// sess.mu.
func (o *Orchestrator) startCompositeLocked(ctx context.Context, sess *session) error {
	var audio []rtpCodec
	var primary, pip []rtpCodec
	for _, a := range sess.attached {
		codecs := codecsFrom(a.kind, a.consumer.RTPParameters())
		switch {
		case a.kind == media.KindAudio:
			audio = appendCodecs(audio, codecs)
		case a.role == RolePrimary:
			primary = appendCodecs(primary, codecs)
		default:
			pip = appendCodecs(pip, codecs)
		}
	}
	video := appendCodecs(primary, pip)

	sdp := buildSDP(o.cfg.BindIP, sess.audioPort, sess.videoPort, audio, video)
	if err := os.WriteFile(sess.sdpPath, []byte(sdp), 0o640); err != nil {
		return fmt.Errorf("write sdp: %w", err)
	}

	args := compositeArgs(sess.sdpPath, sess.outputPath, sess.videoCount(), o.cfg.Layout)
	cmd, logFile, done, err := startProcess(o.cfg.FFmpegPath, args, sess.logPath)
	if err != nil {
		return err
	}
	sess.cmd = cmd
	sess.logFile = logFile
	sess.procDone = done
	sess.status = models.RecordingRecording
	go o.watchProcess(sess)

	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.repo.UpdateStatus(dbCtx, sess.id, models.RecordingRecording); err != nil {
		o.logger.Warn("recording status update failed",
			zap.String("recording_id", sess.id), zap.Error(err))
	}
	o.pushMirror(ctx, mirrorSnapshot{
		RecordingID: sess.id,
		RoomID:      sess.roomID,
		Status:      sess.status,
		StartedAtMs: sess.startedAt.UnixMilli(),
	})
	o.logger.Info("composite process started",
		zap.String("room_id", sess.roomID), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// appendCodecs merges codec lists without duplicating payload types.
func appendCodecs(dst, src []rtpCodec) []rtpCodec {
	for _, c := range src {
		seen := false
		for _, d := range dst {
			if d.PayloadType == c.PayloadType {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, c)
		}
	}
	return dst
}

// watchProcess reacts to the composite exiting on its own. A non-zero exit
// without a stop request marks the session failed; either way the stop flow
// runs so resources are reclaimed.
func (o *Orchestrator) watchProcess(sess *session) {
	err := <-sess.procDone
	sess.procDone <- err

	sess.mu.Lock()
	stopping := sess.stopRequested
	if !stopping && err != nil {
		sess.status = models.RecordingFailed
	}
	sess.mu.Unlock()
	if stopping {
		return
	}
	o.logger.Warn("composite process exited unexpectedly",
		zap.String("room_id", sess.roomID), zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, stopErr := o.Stop(ctx, sess.roomID); stopErr != nil && !errors.Is(stopErr, ErrNotRecording) {
		o.logger.Error("stop after composite exit failed",
			zap.String("room_id", sess.roomID), zap.Error(stopErr))
	}
}

// Stop ends the room's recording: consumers, process, transports and ports
// are released in that order, then the artifact is persisted and uploaded.
func (o *Orchestrator) Stop(ctx context.Context, roomID string) (*models.Recording, error) {
	o.mu.Lock()
	sess, ok := o.sessions[roomID]
	if ok {
		delete(o.sessions, roomID)
	}
	o.mu.Unlock()
	if !ok || sess == nil {
		return nil, ErrNotRecording
	}

	sess.mu.Lock()
	sess.stopRequested = true
	consumers := make([]media.Consumer, 0, len(sess.attached))
	for _, a := range sess.attached {
		consumers = append(consumers, a.consumer)
	}
	sess.attached = make(map[string]*attachedConsumer)
	cmd, done, logFile := sess.cmd, sess.procDone, sess.logFile
	failed := sess.status == models.RecordingFailed
	sess.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close(ctx)
	}
	stopProcess(cmd, done)
	if logFile != nil {
		_ = logFile.Close()
	}
	_ = sess.audioTr.Close(ctx)
	_ = sess.videoTr.Close(ctx)
	o.ports.Release(sess.audioPort, sess.videoPort)

	if sess.refreshStop != nil {
		close(sess.refreshStop)
	}
	_ = o.store.Delete(ctx, redisstore.RecordingKey(roomID))
	_ = os.Remove(sess.sdpPath)
	if o.metrics != nil {
		o.metrics.Recordings.Dec()
	}

	endedAt := time.Now()
	duration := int(endedAt.Sub(sess.startedAt).Seconds())

	if failed {
		sess.mu.Lock()
		sess.status = models.RecordingFailed
		sess.mu.Unlock()
		if err := o.repo.FinishSession(ctx, sess.id, endedAt, duration, models.RecordingFailed); err != nil {
			o.logger.Warn("finish failed session", zap.String("recording_id", sess.id), zap.Error(err))
		}
		o.logger.Info("recording stopped as failed", zap.String("room_id", roomID))
		return o.snapshotAt(sess, models.RecordingFailed, endedAt, duration), nil
	}

	sess.mu.Lock()
	sess.status = models.RecordingUploading
	sess.mu.Unlock()
	if err := o.repo.UpdateStatus(ctx, sess.id, models.RecordingUploading); err != nil {
		o.logger.Warn("mark uploading failed", zap.String("recording_id", sess.id), zap.Error(err))
	}

	final := o.publishArtifact(ctx, sess)
	if err := o.repo.FinishSession(ctx, sess.id, endedAt, duration, final); err != nil {
		o.logger.Warn("finish session", zap.String("recording_id", sess.id), zap.Error(err))
	}
	o.logger.Info("recording stopped",
		zap.String("room_id", roomID), zap.String("recording_id", sess.id),
		zap.String("status", final), zap.Int("duration_s", duration))
	return o.snapshotAt(sess, final, endedAt, duration), nil
}

// publishArtifact persists the asset row and pushes the file to object
// storage when a bucket is configured. Returns the final session status.
func (o *Orchestrator) publishArtifact(ctx context.Context, sess *session) string {
	info, err := os.Stat(sess.outputPath)
	if err != nil {
		o.logger.Error("composite output missing",
			zap.String("recording_id", sess.id), zap.Error(err))
		return models.RecordingFailed
	}

	asset := &models.RecordingAsset{
		RecordingID: sess.id,
		AssetType:   models.AssetComposite,
		Format:      "mp4",
		FileSize:    info.Size(),
		LocalPath:   sess.outputPath,
	}
	if err := o.repo.CreateAsset(ctx, asset); err != nil {
		o.logger.Error("persist asset failed",
			zap.String("recording_id", sess.id), zap.Error(err))
		return models.RecordingFailed
	}

	if o.s3 == nil || o.cfg.S3Bucket == "" {
		// Local-only deployment keeps the file on disk.
		return models.RecordingCompleted
	}

	key := o.s3.ArtifactKey(sess.roomID, sess.id)
	f, err := os.Open(sess.outputPath)
	if err == nil {
		err = o.s3.Upload(ctx, key, "video/mp4", f, info.Size())
		_ = f.Close()
	}
	if err != nil {
		o.logger.Error("artifact upload failed, queueing retry",
			zap.String("recording_id", sess.id), zap.Error(err))
		if o.uploads != nil {
			_ = o.uploads.EnqueueUpload(ctx, queue.UploadPayload{
				RecordingID: sess.id,
				RoomID:      sess.roomID,
				LocalPath:   sess.outputPath,
			})
		}
		return models.RecordingFailed
	}

	if err := o.repo.UpdateAssetUpload(ctx, asset.ID, o.s3.Bucket(), key, info.Size()); err != nil {
		o.logger.Warn("asset upload row update failed",
			zap.String("asset_id", asset.ID), zap.Error(err))
	}
	_ = os.Remove(sess.outputPath)
	return models.RecordingCompleted
}

type mirrorSnapshot struct {
	RecordingID string `json:"recordingId"`
	RoomID      string `json:"roomId"`
	Status      string `json:"status"`
	StartedAtMs int64  `json:"startedAtMs"`
}

func (o *Orchestrator) writeMirror(ctx context.Context, sess *session) {
	sess.mu.Lock()
	snap := mirrorSnapshot{
		RecordingID: sess.id,
		RoomID:      sess.roomID,
		Status:      sess.status,
		StartedAtMs: sess.startedAt.UnixMilli(),
	}
	sess.mu.Unlock()
	o.pushMirror(ctx, snap)
}

func (o *Orchestrator) pushMirror(ctx context.Context, snap mirrorSnapshot) {
	raw, _ := json.Marshal(snap)
	if err := o.store.SetWithTTL(ctx, redisstore.RecordingKey(snap.RoomID), raw, mirrorTTL); err != nil {
		o.logger.Warn("recording mirror write failed",
			zap.String("room_id", snap.RoomID), zap.Error(err))
	}
}

func (o *Orchestrator) refreshMirror(sess *session) {
	ticker := time.NewTicker(mirrorRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-sess.refreshStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			o.writeMirror(ctx, sess)
			cancel()
		}
	}
}

func (o *Orchestrator) snapshot(sess *session) *models.Recording {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &models.Recording{
		ID:         sess.id,
		RoomID:     sess.roomID,
		HostUserID: sess.hostUserID,
		Status:     sess.status,
		StartedAt:  sess.startedAt,
	}
}

func (o *Orchestrator) snapshotAt(sess *session, status string, endedAt time.Time, duration int) *models.Recording {
	rec := o.snapshot(sess)
	rec.Status = status
	rec.EndedAt = &endedAt
	rec.DurationSeconds = duration
	return rec
}
