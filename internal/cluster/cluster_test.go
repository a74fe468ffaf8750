package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/pkg/redisstore"
)

type recordingHandler struct {
	mu   sync.Mutex
	cmds []Command
}

func (h *recordingHandler) HandleClusterCommand(ctx context.Context, cmd Command) {
	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	h.mu.Unlock()
}

func (h *recordingHandler) commands() []Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Command{}, h.cmds...)
}

func TestDelegateReachesOwningNode(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	owner := NewBus(store, "server-1", zap.NewNop())
	peer := NewBus(store, "server-2", zap.NewNop())
	handler := &recordingHandler{}
	require.NoError(t, owner.Listen(handler))
	t.Cleanup(owner.Close)

	err := peer.Delegate(context.Background(), "server-1", Command{
		Op:         OpPauseProducer,
		ProducerID: "prod-1",
		SocketID:   "sock-1",
		RoomID:     "room-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(handler.commands()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cmd := handler.commands()[0]
	assert.Equal(t, OpPauseProducer, cmd.Op)
	assert.Equal(t, "prod-1", cmd.ProducerID)
	assert.Equal(t, "server-2", cmd.Origin)
}

func TestOwnCommandsIgnored(t *testing.T) {
	mr := miniredis.RunT(t)
	store := redisstore.NewClientFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = store.Close() })

	bus := NewBus(store, "server-1", zap.NewNop())
	handler := &recordingHandler{}
	require.NoError(t, bus.Listen(handler))
	t.Cleanup(bus.Close)

	// A command looped back to its own origin must not be re-applied.
	err := bus.Delegate(context.Background(), "server-1", Command{
		Op: OpCloseProducer, ProducerID: "prod-1",
	})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, handler.commands())
}
