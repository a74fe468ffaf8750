package rtc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
)

// RoomOwnership answers whether this node should host a room. Implemented by
// the routing service.
type RoomOwnership interface {
	ShouldHandle(ctx context.Context, roomID string) (bool, error)
}

type routerEntry struct {
	router      media.Router
	workerIndex int
}

// RouterRegistry maps room -> router on this node (one router per room per
// node) and mirrors room -> (router, server) for cross-node discovery.
type RouterRegistry struct {
	pool      *media.Pool
	mirror    *Mirror
	ownership RoomOwnership
	serverID  string
	logger    *zap.Logger

	mu      sync.Mutex
	routers map[string]*routerEntry
}

// NewRouterRegistry creates the per-node router table.
func NewRouterRegistry(pool *media.Pool, mirror *Mirror, ownership RoomOwnership, serverID string, logger *zap.Logger) *RouterRegistry {
	return &RouterRegistry{
		pool:      pool,
		mirror:    mirror,
		ownership: ownership,
		serverID:  serverID,
		logger:    logger,
		routers:   make(map[string]*routerEntry),
	}
}

// GetOrCreate returns the room's local router, creating it on a pool worker
// if needed. When routing says another node owns the room we still proceed
// (failover case) but log it.
func (r *RouterRegistry) GetOrCreate(ctx context.Context, roomID string) (media.Router, error) {
	r.mu.Lock()
	if e, ok := r.routers[roomID]; ok {
		r.mu.Unlock()
		return e.router, nil
	}
	r.mu.Unlock()

	if r.ownership != nil {
		ok, err := r.ownership.ShouldHandle(ctx, roomID)
		if err != nil {
			r.logger.Warn("room ownership check failed, proceeding locally",
				zap.String("room_id", roomID), zap.Error(err))
		} else if !ok {
			r.logger.Warn("creating router for room assigned elsewhere",
				zap.String("room_id", roomID))
		}
	}

	worker, err := r.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire media worker: %w", err)
	}
	router, err := worker.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("create router for room %s: %w", roomID, err)
	}

	r.mu.Lock()
	if existing, ok := r.routers[roomID]; ok {
		// Lost the race; keep the first router.
		r.mu.Unlock()
		_ = router.Close(ctx)
		return existing.router, nil
	}
	r.routers[roomID] = &routerEntry{router: router, workerIndex: worker.Index()}
	r.mu.Unlock()

	r.pool.RegisterRouter(worker.Index())
	r.mirror.SetRouter(ctx, roomID, RouterMeta{RouterID: router.ID(), ServerID: r.serverID})
	r.logger.Info("router created",
		zap.String("room_id", roomID), zap.String("router_id", router.ID()),
		zap.Int("worker", worker.Index()))
	return router, nil
}

// Get returns the local router for a room, if any.
func (r *RouterRegistry) Get(roomID string) (media.Router, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.routers[roomID]
	if !ok {
		return nil, false
	}
	return e.router, true
}

// Close tears down the room's local router and removes the mirror entry.
func (r *RouterRegistry) Close(ctx context.Context, roomID string) {
	r.mu.Lock()
	e, ok := r.routers[roomID]
	delete(r.routers, roomID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := e.router.Close(ctx); err != nil {
		r.logger.Warn("router close failed", zap.String("room_id", roomID), zap.Error(err))
	}
	r.pool.UnregisterRouter(e.workerIndex)
	r.mirror.DeleteRouter(ctx, roomID)
	r.logger.Info("router closed", zap.String("room_id", roomID))
}

// CloseAll tears down every local router. Used during shutdown.
func (r *RouterRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.routers))
	for roomID := range r.routers {
		rooms = append(rooms, roomID)
	}
	r.mu.Unlock()
	for _, roomID := range rooms {
		r.Close(ctx, roomID)
	}
}

// Count returns the number of local routers.
func (r *RouterRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routers)
}
