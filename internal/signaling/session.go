package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-connect/backend/internal/chat"
	"github.com/aura-connect/backend/internal/cluster"
	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/models"
	"github.com/aura-connect/backend/internal/mute"
	"github.com/aura-connect/backend/internal/rooms"
	"github.com/aura-connect/backend/internal/routing"
	"github.com/aura-connect/backend/internal/rtc"
	"github.com/aura-connect/backend/pkg/database"
	"github.com/aura-connect/backend/pkg/metrics"
)

// State is the session lifecycle position.
type State int

const (
	StateNew State = iota
	StateAuthenticated
	StateJoined
	StateOperational
	StateLeaving
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateJoined:
		return "JOINED"
	case StateOperational:
		return "OPERATIONAL"
	case StateLeaving:
		return "LEAVING"
	case StateFaulted:
		return "FAULTED"
	default:
		return "CLOSED"
	}
}

// RecordingNotifier receives producer lifecycle events for rooms that may be
// recording. Implemented by the recording orchestrator; nil disables it.
type RecordingNotifier interface {
	ProducerAdded(roomID string, producer media.Producer, info rtc.ProducerInfo)
	ProducerRemoved(roomID, producerID string)
}

// ChatStore persists room chat and serves paged history. Implemented by
// chat.Repository; faked in tests.
type ChatStore interface {
	Save(ctx context.Context, roomID, senderID, recipientID, clientMessageID, content string) (*models.ChatMessage, error)
	History(ctx context.Context, roomID, userID, participantID, cursor string, limit int) (*chat.HistoryPage, error)
}

// Deps bundles everything a session touches.
type Deps struct {
	Rooms      *rooms.Service
	Chat       ChatStore
	Mute       *mute.Service
	Routers    *rtc.RouterRegistry
	Transports *rtc.TransportRegistry
	Producers  *rtc.ProducerRegistry
	Consumers  *rtc.ConsumerRegistry
	Mirror     *rtc.Mirror
	Routing    *routing.Service
	Cluster    *cluster.Bus
	Hub        *Hub
	Recorder   RecordingNotifier
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Session is the per-connection state machine. Events from one socket are
// handled strictly in order by the read pump, so no internal locking is
// needed beyond what the registries provide.
type Session struct {
	deps *Deps
	out  Outbound

	state    State
	userID   string
	name     string
	email    string
	picture  string
	roomID   string
	roomCode string
	room     *models.Room
}

// NewSession creates an authenticated session for a connection.
func NewSession(deps *Deps, out Outbound, userID, email, name string) *Session {
	return &Session{
		deps:   deps,
		out:    out,
		state:  StateAuthenticated,
		userID: userID,
		email:  email,
		name:   name,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// RoomID returns the joined room id, if any.
func (s *Session) RoomID() string { return s.roomID }

func (s *Session) ack(id int64, payload interface{}) {
	if id == 0 {
		return
	}
	s.out.Enqueue(Message{ID: id, Event: EmitAck, Data: marshal(payload)})
}

func (s *Session) ackErr(id int64, message string) {
	s.ack(id, ackError{Success: false, Error: message})
}

// Handle processes one inbound message and sends exactly one ack for it.
func (s *Session) Handle(ctx context.Context, msg Message) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SignalingEvents.WithLabelValues(msg.Event).Inc()
	}

	payload, err := s.dispatch(ctx, msg)
	if err != nil {
		s.deps.Logger.Debug("signaling event failed",
			zap.String("event", msg.Event), zap.String("socket_id", s.out.SocketID()),
			zap.String("state", s.state.String()), zap.Error(err))
		s.ackErr(msg.ID, err.Error())
		return
	}
	s.ack(msg.ID, payload)
}

var (
	errNotJoined       = errors.New("not in a room")
	errAlreadyJoined   = errors.New("already in a room")
	errUnknownEvent    = errors.New("unknown event")
	errProducerMissing = errors.New("Producer not found or unauthorized")
)

func (s *Session) dispatch(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Event {
	case EventJoinRoom:
		return s.handleJoinRoom(ctx, msg.Data)
	case EventLeaveRoom:
		return s.handleLeaveRoom(ctx)
	case EventCreateTransport:
		return s.handleCreateTransport(ctx, msg.Data)
	case EventConnectTransport:
		return s.handleConnectTransport(ctx, msg.Data)
	case EventProduce:
		return s.handleProduce(ctx, msg.Data)
	case EventConsume:
		return s.handleConsume(ctx, msg.Data)
	case EventCloseProducer:
		return s.handleProducerControl(ctx, msg.Data, cluster.OpCloseProducer)
	case EventPauseProducer:
		return s.handleProducerControl(ctx, msg.Data, cluster.OpPauseProducer)
	case EventResumeProducer:
		return s.handleProducerControl(ctx, msg.Data, cluster.OpResumeProducer)
	case EventReplaceTrack:
		return s.handleReplaceTrack(ctx, msg.Data)
	case EventChatSend:
		return s.handleChatSend(ctx, msg.Data)
	case EventChatHistory:
		return s.handleChatHistory(ctx, msg.Data)
	case EventAudioMute:
		return s.handleMute(ctx, msg.Data, mute.KindAudio)
	case EventVideoMute:
		return s.handleMute(ctx, msg.Data, mute.KindVideo)
	default:
		return nil, errUnknownEvent
	}
}

// --- joinRoom -------------------------------------------------------------

type joinRoomRequest struct {
	RoomCode string `json:"roomCode"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Picture  string `json:"picture"`
}

// remoteProducer is the shape every remote-producer emission carries.
type remoteProducer struct {
	ProducerID string        `json:"producerId"`
	UserID     string        `json:"userId"`
	Kind       media.Kind    `json:"kind"`
	Source     media.Source  `json:"source"`
	Name       string        `json:"name"`
	AppData    media.AppData `json:"appData,omitempty"`
}

type joinRoomAck struct {
	Success              bool              `json:"success"`
	RTPCapabilities      json.RawMessage   `json:"rtpCapabilities"`
	OtherProducers       []remoteProducer  `json:"otherProducers"`
	ExistingParticipants []ParticipantInfo `json:"existingParticipants"`
	AssignedServer       string            `json:"assignedServer,omitempty"`
}

func (s *Session) handleJoinRoom(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateAuthenticated {
		return nil, errAlreadyJoined
	}
	var req joinRoomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad joinRoom payload: %w", err)
	}
	if req.Name != "" {
		s.name = req.Name
	}
	if req.Email != "" {
		s.email = req.Email
	}
	s.picture = req.Picture

	room, _, err := s.deps.Rooms.Join(ctx, s.userID, req.RoomCode)
	if err != nil {
		switch {
		case errors.Is(err, rooms.ErrInvalidCode):
			return nil, errors.New("invalid room code")
		case errors.Is(err, database.ErrNotFound):
			return nil, errors.New("room not found")
		case errors.Is(err, rooms.ErrRoomClosed):
			return nil, errors.New("room is closed")
		case errors.Is(err, rooms.ErrApprovalRequired):
			return nil, errors.New("join approval required")
		default:
			return nil, fmt.Errorf("join failed: %w", err)
		}
	}

	// Resolve ownership; a mismatch is served locally with a hint so the
	// client can reconnect to its assigned node.
	assigned, err := s.deps.Routing.GetOrAssign(ctx, room.ID)
	if err == nil && assigned != s.deps.Routing.ServerID() {
		s.deps.Logger.Warn("serving room assigned elsewhere",
			zap.String("room_id", room.ID), zap.String("assigned", assigned))
	}

	router, err := s.deps.Routers.GetOrCreate(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("router unavailable: %w", err)
	}

	s.room = room
	s.roomID = room.ID
	s.roomCode = room.Code
	s.state = StateJoined

	existing := s.deps.Hub.ParticipantsIn(room.ID, s.out.SocketID())
	s.deps.Hub.Join(room.ID, s.out)
	s.deps.Hub.Broadcast(ctx, room.ID, EmitUserJoined, map[string]string{
		"userId":   s.userID,
		"socketId": s.out.SocketID(),
		"name":     s.name,
		"picture":  s.picture,
	}, s.out.SocketID())

	others := []remoteProducer{}
	for _, info := range s.deps.Producers.InRoom(room.ID, s.out.SocketID()) {
		others = append(others, s.remoteProducerFor(info))
	}

	ack := joinRoomAck{
		Success:              true,
		RTPCapabilities:      json.RawMessage(router.RTPCapabilities()),
		OtherProducers:       others,
		ExistingParticipants: existing,
	}
	if assigned != "" && assigned != s.deps.Routing.ServerID() {
		ack.AssignedServer = assigned
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Rooms.Set(float64(s.deps.Routers.Count()))
	}
	return ack, nil
}

func (s *Session) remoteProducerFor(info rtc.ProducerInfo) remoteProducer {
	name := ""
	for _, p := range s.deps.Hub.ParticipantsIn(info.RoomID, "") {
		if p.UserID == info.UserID {
			name = p.Name
			break
		}
	}
	rp := remoteProducer{
		ProducerID: info.ProducerID,
		UserID:     info.UserID,
		Kind:       info.Kind,
		Source:     info.Source,
		Name:       name,
	}
	if p, _, ok := s.deps.Producers.Get(info.ProducerID); ok {
		rp.AppData = p.AppData()
	}
	return rp
}

// --- leaveRoom ------------------------------------------------------------

func (s *Session) handleLeaveRoom(ctx context.Context) (interface{}, error) {
	if s.state != StateJoined && s.state != StateOperational {
		return nil, errNotJoined
	}
	s.state = StateLeaving
	roomID := s.roomID

	closed := s.teardownMedia(ctx)
	if err := s.deps.Mirror.CleanSocket(ctx, s.out.SocketID()); err != nil {
		s.deps.Logger.Warn("mirror clean on leave failed",
			zap.String("socket_id", s.out.SocketID()), zap.Error(err))
	}
	if err := s.deps.Rooms.Leave(ctx, roomID, s.userID); err != nil {
		s.deps.Logger.Warn("participant row update failed",
			zap.String("room_id", roomID), zap.Error(err))
	}

	s.notifyLeft(ctx, roomID, closed)
	s.deps.Hub.Leave(roomID, s.out.SocketID())

	s.room = nil
	s.roomID, s.roomCode = "", ""
	s.state = StateAuthenticated
	return map[string]bool{"success": true}, nil
}

// notifyLeft tells peers the user left and which producers died with them.
func (s *Session) notifyLeft(ctx context.Context, roomID string, closed []rtc.ProducerInfo) {
	for _, info := range closed {
		event := EmitProducerClosed
		if info.Source == media.SourceScreen {
			event = EmitScreenShareStopped
		}
		s.deps.Hub.Broadcast(ctx, roomID, event, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, s.out.SocketID())
	}
	s.deps.Hub.Broadcast(ctx, roomID, EmitUserLeft, map[string]string{
		"userId":   s.userID,
		"socketId": s.out.SocketID(),
	}, s.out.SocketID())
}

// --- transports -----------------------------------------------------------

type createTransportRequest struct {
	IsProducer bool `json:"isProducer"`
}

type createTransportAck struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

func (s *Session) handleCreateTransport(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateJoined && s.state != StateOperational {
		return nil, errNotJoined
	}
	var req createTransportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad createTransport payload: %w", err)
	}
	router, ok := s.deps.Routers.Get(s.roomID)
	if !ok {
		return nil, errors.New("room router missing")
	}
	transport, err := s.deps.Transports.Create(ctx, router, s.out.SocketID(), s.roomID, req.IsProducer)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	s.state = StateOperational
	if s.deps.Metrics != nil {
		s.deps.Metrics.Transports.Set(float64(s.deps.Transports.Count()))
	}
	return createTransportAck{
		ID:             transport.ID(),
		ICEParameters:  json.RawMessage(transport.ICEParameters()),
		ICECandidates:  json.RawMessage(transport.ICECandidates()),
		DTLSParameters: json.RawMessage(transport.DTLSParameters()),
	}, nil
}

type connectTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

func (s *Session) handleConnectTransport(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateOperational {
		return nil, errNotJoined
	}
	var req connectTransportRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad connectTransport payload: %w", err)
	}
	transport, ok := s.deps.Transports.Get(req.TransportID)
	if !ok {
		return nil, errors.New("transport not found")
	}
	if owner, _ := s.deps.Transports.Owner(req.TransportID); owner != s.out.SocketID() {
		return nil, errors.New("transport not found")
	}
	if err := transport.Connect(ctx, media.DTLSParameters(req.DTLSParameters)); err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}
	return map[string]bool{"success": true}, nil
}

// --- produce / consume ----------------------------------------------------

type produceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          media.Kind      `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	AppData       media.AppData   `json:"appData"`
}

func (s *Session) handleProduce(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateOperational {
		return nil, errNotJoined
	}
	var req produceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad produce payload: %w", err)
	}
	if req.Kind != media.KindAudio && req.Kind != media.KindVideo {
		return nil, errors.New("unknown media kind")
	}
	transport, ok := s.deps.Transports.Get(req.TransportID)
	if !ok {
		return nil, errors.New("transport not found")
	}
	if owner, _ := s.deps.Transports.Owner(req.TransportID); owner != s.out.SocketID() {
		return nil, errors.New("transport not found")
	}

	producer, err := transport.Produce(ctx, req.Kind, media.RTPParameters(req.RTPParameters), req.AppData)
	if err != nil {
		return nil, fmt.Errorf("produce: %w", err)
	}
	info := s.deps.Producers.Add(ctx, s.out.SocketID(), producer, s.roomID, s.userID)

	// The new-producer emission strictly follows the owner's ack, which is
	// queued before these broadcasts reach any local socket.
	s.deps.Hub.Broadcast(ctx, s.roomID, EmitNewProducer, s.remoteProducerFor(info), s.out.SocketID())
	if info.Source == media.SourceScreen {
		s.deps.Hub.Broadcast(ctx, s.roomID, EmitScreenShareStarted, map[string]string{
			"producerId": info.ProducerID,
			"userId":     s.userID,
			"name":       s.name,
		}, s.out.SocketID())
	}
	if s.deps.Recorder != nil {
		s.deps.Recorder.ProducerAdded(s.roomID, producer, info)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Producers.Set(float64(s.deps.Producers.Count()))
	}
	return map[string]string{"id": info.ProducerID}, nil
}

type consumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type consumeAck struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          media.Kind      `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

func (s *Session) handleConsume(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateOperational {
		return nil, errNotJoined
	}
	var req consumeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad consume payload: %w", err)
	}
	router, ok := s.deps.Routers.Get(s.roomID)
	if !ok {
		return nil, errors.New("room router missing")
	}
	if !router.CanConsume(req.ProducerID, media.RTPCapabilities(req.RTPCapabilities)) {
		return nil, errors.New("Cannot consume")
	}
	transport, ok := s.deps.Transports.Get(req.TransportID)
	if !ok {
		return nil, errors.New("transport not found")
	}
	if owner, _ := s.deps.Transports.Owner(req.TransportID); owner != s.out.SocketID() {
		return nil, errors.New("transport not found")
	}

	consumer, err := transport.Consume(ctx, req.ProducerID, media.RTPCapabilities(req.RTPCapabilities), false)
	if err != nil {
		return nil, errors.New("Cannot consume")
	}
	s.deps.Consumers.Add(ctx, s.out.SocketID(), consumer, req.ProducerID)
	if s.deps.Metrics != nil {
		s.deps.Metrics.Consumers.Set(float64(s.deps.Consumers.Count()))
	}
	return consumeAck{
		ID:            consumer.ID(),
		ProducerID:    req.ProducerID,
		Kind:          consumer.Kind(),
		RTPParameters: json.RawMessage(consumer.RTPParameters()),
	}, nil
}

// --- producer control -----------------------------------------------------

type producerControlRequest struct {
	ProducerID string `json:"producerId"`
}

func (s *Session) handleProducerControl(ctx context.Context, data json.RawMessage, op string) (interface{}, error) {
	if s.state != StateOperational && s.state != StateJoined {
		return nil, errNotJoined
	}
	var req producerControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad producer control payload: %w", err)
	}

	producer, info, foreign, err := s.deps.Producers.FindByID(ctx, req.ProducerID)
	if err != nil {
		return nil, fmt.Errorf("producer lookup: %w", err)
	}
	switch {
	case producer != nil:
		if info.SocketID != s.out.SocketID() {
			return nil, errProducerMissing
		}
		return s.applyProducerOp(ctx, op, producer, *info)
	case foreign != nil:
		// Our own producer stranded on another node (takeover window):
		// delegate. Anyone else's producer stays untouchable.
		if foreign.SocketID != s.out.SocketID() {
			return nil, errProducerMissing
		}
		if err := s.deps.Cluster.Delegate(ctx, foreign.ServerID, cluster.Command{
			Op: op, ProducerID: foreign.ProducerID,
			SocketID: foreign.SocketID, RoomID: foreign.RoomID,
		}); err != nil {
			return nil, fmt.Errorf("delegate %s: %w", op, err)
		}
		return map[string]bool{"success": true}, nil
	default:
		return nil, errProducerMissing
	}
}

func (s *Session) applyProducerOp(ctx context.Context, op string, producer media.Producer, info rtc.ProducerInfo) (interface{}, error) {
	switch op {
	case cluster.OpCloseProducer:
		s.deps.Producers.Close(ctx, info.SocketID, info.ProducerID)
		event := EmitProducerClosed
		if info.Source == media.SourceScreen {
			event = EmitScreenShareStopped
		}
		s.deps.Hub.Broadcast(ctx, info.RoomID, event, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, s.out.SocketID())
		if s.deps.Recorder != nil {
			s.deps.Recorder.ProducerRemoved(info.RoomID, info.ProducerID)
		}
	case cluster.OpPauseProducer:
		if err := producer.Pause(ctx); err != nil {
			return nil, fmt.Errorf("pause: %w", err)
		}
		s.deps.Hub.Broadcast(ctx, info.RoomID, EmitProducerPaused, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, s.out.SocketID())
	case cluster.OpResumeProducer:
		if err := producer.Resume(ctx); err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		s.deps.Hub.Broadcast(ctx, info.RoomID, EmitProducerResumed, map[string]string{
			"producerId": info.ProducerID,
			"userId":     info.UserID,
		}, s.out.SocketID())
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Producers.Set(float64(s.deps.Producers.Count()))
	}
	return map[string]bool{"success": true}, nil
}

func (s *Session) handleReplaceTrack(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateOperational {
		return nil, errNotJoined
	}
	var req producerControlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad replaceTrack payload: %w", err)
	}
	_, info, ok := s.deps.Producers.Get(req.ProducerID)
	if !ok || info.SocketID != s.out.SocketID() {
		return nil, errProducerMissing
	}
	s.deps.Hub.Broadcast(ctx, info.RoomID, EmitTrackReplaced, map[string]string{
		"producerId": info.ProducerID,
		"userId":     info.UserID,
	}, s.out.SocketID())
	return map[string]bool{"success": true}, nil
}

// --- chat -----------------------------------------------------------------

type chatSendRequest struct {
	Content         string `json:"content"`
	RecipientID     string `json:"recipientId"`
	ClientMessageID string `json:"clientMessageId"`
}

func (s *Session) handleChatSend(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateJoined && s.state != StateOperational {
		return nil, errNotJoined
	}
	var req chatSendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad chat payload: %w", err)
	}
	if s.room != nil && s.room.ChatMuted && s.room.CreatedBy != s.userID {
		return nil, errors.New("chat is muted in this room")
	}
	if req.RecipientID != "" {
		found := false
		for _, p := range s.deps.Hub.ParticipantsIn(s.roomID, "") {
			if p.UserID == req.RecipientID {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("no such recipient")
		}
	}

	saved, err := s.deps.Chat.Save(ctx, s.roomID, s.userID, req.RecipientID, req.ClientMessageID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			return nil, errors.New("empty message")
		case errors.Is(err, chat.ErrMessageTooLong):
			return nil, errors.New("message too long")
		default:
			return nil, fmt.Errorf("chat save: %w", err)
		}
	}

	emission := map[string]interface{}{
		"message":    saved,
		"senderName": s.name,
	}
	if req.RecipientID != "" {
		s.deps.Hub.SendToUser(ctx, s.roomID, req.RecipientID, EmitChatMessage, emission)
	} else {
		s.deps.Hub.Broadcast(ctx, s.roomID, EmitChatMessage, emission, s.out.SocketID())
	}
	return map[string]interface{}{"success": true, "message": saved}, nil
}

type chatHistoryRequest struct {
	Limit         int    `json:"limit"`
	Cursor        string `json:"cursor"`
	ParticipantID string `json:"participantId"`
}

func (s *Session) handleChatHistory(ctx context.Context, data json.RawMessage) (interface{}, error) {
	if s.state != StateJoined && s.state != StateOperational {
		return nil, errNotJoined
	}
	var req chatHistoryRequest
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("bad history payload: %w", err)
		}
	}
	page, err := s.deps.Chat.History(ctx, s.roomID, s.userID, req.ParticipantID, req.Cursor, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	return page, nil
}

// --- mute -----------------------------------------------------------------

type muteRequest struct {
	IsAudioMuted *bool  `json:"isAudioMuted"`
	IsVideoMuted *bool  `json:"isVideoMuted"`
	UID          string `json:"uid"`
}

func (s *Session) handleMute(ctx context.Context, data json.RawMessage, kind string) (interface{}, error) {
	if s.state != StateJoined && s.state != StateOperational {
		return nil, errNotJoined
	}
	var req muteRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("bad mute payload: %w", err)
	}
	muted := false
	switch kind {
	case mute.KindAudio:
		if req.IsAudioMuted == nil {
			return nil, errors.New("isAudioMuted required")
		}
		muted = *req.IsAudioMuted
	case mute.KindVideo:
		if req.IsVideoMuted == nil {
			return nil, errors.New("isVideoMuted required")
		}
		muted = *req.IsVideoMuted
	}

	targetUserID := s.userID
	forced := false
	if req.UID != "" && req.UID != s.userID {
		// Host-forced mute of another participant.
		if s.room == nil || s.room.CreatedBy != s.userID {
			return nil, errors.New("host only")
		}
		targetUserID = req.UID
		forced = true
	}

	state, err := s.deps.Mute.Set(ctx, s.roomID, s.roomCode, targetUserID, kind, muted, forced)
	if err != nil {
		return nil, fmt.Errorf("mute persist: %w", err)
	}

	if forced && muted {
		s.forcePauseUserProducers(ctx, targetUserID, media.Kind(kind))
	}

	event := EmitAudioMuted
	if kind == mute.KindVideo {
		event = EmitVideoMuted
	}
	s.deps.Hub.Broadcast(ctx, s.roomID, event, map[string]interface{}{
		"userId": targetUserID,
		"muted":  muted,
		"forced": forced,
		"state":  state,
	}, "")
	return map[string]bool{"success": true}, nil
}

// forcePauseUserProducers pauses every local producer of the kind owned by
// any of the target user's sockets in this room.
func (s *Session) forcePauseUserProducers(ctx context.Context, userID string, kind media.Kind) {
	seen := map[string]struct{}{}
	for _, info := range s.deps.Producers.InRoom(s.roomID, "") {
		if info.UserID != userID || info.Kind != kind {
			continue
		}
		if _, dup := seen[info.SocketID]; dup {
			continue
		}
		seen[info.SocketID] = struct{}{}
		s.deps.Producers.PauseByKind(ctx, info.SocketID, kind)
	}
}

// --- media teardown shared by leave and disconnect ------------------------

// teardownMedia closes the socket's consumers, producers and transports in
// parallel and returns the producer infos for peer notification.
func (s *Session) teardownMedia(ctx context.Context) []rtc.ProducerInfo {
	socketID := s.out.SocketID()
	var infos []rtc.ProducerInfo
	var g errgroup.Group
	g.Go(func() error { infos = s.deps.Producers.CloseAll(ctx, socketID); return nil })
	g.Go(func() error { s.deps.Consumers.CloseAll(ctx, socketID); return nil })
	g.Go(func() error { s.deps.Transports.CloseAll(ctx, socketID); return nil })
	_ = g.Wait()
	for _, info := range infos {
		if s.deps.Recorder != nil {
			s.deps.Recorder.ProducerRemoved(info.RoomID, info.ProducerID)
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Producers.Set(float64(s.deps.Producers.Count()))
		s.deps.Metrics.Consumers.Set(float64(s.deps.Consumers.Count()))
		s.deps.Metrics.Transports.Set(float64(s.deps.Transports.Count()))
	}
	return infos
}
