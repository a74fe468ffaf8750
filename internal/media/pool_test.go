package media_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-connect/backend/internal/media"
	"github.com/aura-connect/backend/internal/media/mediatest"
)

type spawner struct {
	mu      sync.Mutex
	workers map[int][]*mediatest.FakeWorker
}

func newSpawner() *spawner {
	return &spawner{workers: make(map[int][]*mediatest.FakeWorker)}
}

func (s *spawner) spawn(index int) (media.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := mediatest.NewFakeWorker(index)
	s.workers[index] = append(s.workers[index], w)
	return w, nil
}

func (s *spawner) spawnCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers[index])
}

func (s *spawner) current(index int) *mediatest.FakeWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.workers[index]
	return ws[len(ws)-1]
}

func TestPoolRoundRobin(t *testing.T) {
	s := newSpawner()
	pool, err := media.NewPool(3, s.spawn, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	seen := make(map[int]int)
	for i := 0; i < 6; i++ {
		w, err := pool.Acquire()
		require.NoError(t, err)
		seen[w.Index()]++
	}
	assert.Equal(t, map[int]int{0: 2, 1: 2, 2: 2}, seen)
}

func TestPoolSkipsDeadWorkerAndRestarts(t *testing.T) {
	s := newSpawner()
	pool, err := media.NewPool(2, s.spawn, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	s.current(0).Kill()

	// Acquire never returns the dead worker.
	for i := 0; i < 4; i++ {
		w, err := pool.Acquire()
		require.NoError(t, err)
		assert.True(t, w.Alive())
	}

	// Death watcher respawns slot 0.
	require.Eventually(t, func() bool {
		return s.spawnCount(0) == 2 && pool.LiveCount() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPoolAllDead(t *testing.T) {
	s := newSpawner()
	pool, err := media.NewPool(1, s.spawn, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	w := s.current(0)
	w.Kill()

	// The probe path may observe the death before the watcher does.
	_, acquireErr := pool.Acquire()
	if acquireErr == nil {
		// Restart already happened; kill again and drain.
		require.Eventually(t, func() bool {
			s.current(0).Kill()
			_, err := pool.Acquire()
			return err != nil
		}, time.Second, 5*time.Millisecond)
	}
}

func TestPoolRouterAccounting(t *testing.T) {
	s := newSpawner()
	pool, err := media.NewPool(2, s.spawn, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	pool.RegisterRouter(0)
	pool.RegisterRouter(0)
	pool.RegisterRouter(1)
	assert.Equal(t, 3, pool.RouterCount())

	pool.UnregisterRouter(0)
	assert.Equal(t, 2, pool.RouterCount())

	// Counter never goes negative.
	pool.UnregisterRouter(1)
	pool.UnregisterRouter(1)
	assert.Equal(t, 1, pool.RouterCount())
}

func TestPoolRouterCounterResetOnDeath(t *testing.T) {
	s := newSpawner()
	pool, err := media.NewPool(1, s.spawn, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	pool.RegisterRouter(0)
	pool.RegisterRouter(0)
	s.current(0).Kill()

	require.Eventually(t, func() bool {
		return pool.LiveCount() == 1 && pool.RouterCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestPoolNotifyLiveTracksDeathAndRestart(t *testing.T) {
	s := newSpawner()
	pool, err := media.NewPool(2, s.spawn, zap.NewNop())
	require.NoError(t, err)
	defer pool.Close()

	var mu sync.Mutex
	var counts []int
	pool.NotifyLive(func(live int) {
		mu.Lock()
		counts = append(counts, live)
		mu.Unlock()
	})

	mu.Lock()
	require.Equal(t, []int{2}, counts, "registration reports the current count")
	mu.Unlock()

	s.current(0).Kill()

	// Death drops the count, restart brings it back.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		sawDrop := false
		for _, n := range counts {
			if n == 1 {
				sawDrop = true
			}
		}
		return sawDrop && counts[len(counts)-1] == 2
	}, time.Second, 5*time.Millisecond)
}
