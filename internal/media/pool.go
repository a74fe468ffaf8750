package media

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoWorkers is returned by Acquire when every worker is dead.
var ErrNoWorkers = errors.New("no live media workers")

// SpawnFunc creates the worker for a pool slot.
type SpawnFunc func(index int) (Worker, error)

// PoolSpawner returns a SpawnFunc that spawns real worker processes, slicing
// the RTP port range so each slot gets a disjoint span.
func PoolSpawner(cfg WorkerSettings, numWorkers int, log *zap.Logger) SpawnFunc {
	span := (cfg.RTCMaxPort - cfg.RTCMinPort + 1) / numWorkers
	return func(index int) (Worker, error) {
		s := cfg
		s.RTCMinPort = cfg.RTCMinPort + index*span
		s.RTCMaxPort = s.RTCMinPort + span - 1
		return SpawnWorker(index, s, log)
	}
}

type slot struct {
	worker  Worker
	live    bool
	routers int
}

// Pool owns N media workers with round-robin dispatch, death detection and
// serialized restart.
type Pool struct {
	spawn SpawnFunc
	log   *zap.Logger

	mu         sync.Mutex
	slots      []*slot
	next       int
	restarting bool
	closed     bool
	onLive     func(live int)
}

// NewPool spawns n workers. Startup fails unless at least one worker is live
// (fatal-global per the error taxonomy; the caller exits non-zero).
func NewPool(n int, spawn SpawnFunc, log *zap.Logger) (*Pool, error) {
	if n < 1 {
		n = 1
	}
	p := &Pool{spawn: spawn, log: log, slots: make([]*slot, n)}
	live := 0
	for i := 0; i < n; i++ {
		w, err := spawn(i)
		if err != nil {
			log.Error("spawn media worker failed", zap.Int("worker", i), zap.Error(err))
			p.slots[i] = &slot{}
			continue
		}
		p.slots[i] = &slot{worker: w, live: true}
		go p.watch(i, w)
		live++
	}
	if live == 0 {
		return nil, fmt.Errorf("media worker pool: %w", ErrNoWorkers)
	}
	log.Info("media worker pool ready", zap.Int("workers", live), zap.Int("requested", n))
	return p, nil
}

// NotifyLive registers fn to receive the live worker count, immediately and
// then after every death or restart. Register during wiring, before workers
// start dying. fn runs without the pool lock held.
func (p *Pool) NotifyLive(fn func(live int)) {
	p.mu.Lock()
	p.onLive = fn
	p.mu.Unlock()
	p.notifyLive()
}

func (p *Pool) notifyLive() {
	p.mu.Lock()
	fn := p.onLive
	n := 0
	for _, s := range p.slots {
		if s.live {
			n++
		}
	}
	p.mu.Unlock()
	if fn != nil {
		fn(n)
	}
}

func (p *Pool) watch(index int, w Worker) {
	<-w.Died()
	p.handleDeath(index, w)
}

func (p *Pool) handleDeath(index int, w Worker) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	s := p.slots[index]
	if s.worker != w {
		// Slot was already respawned; stale watcher.
		p.mu.Unlock()
		return
	}
	s.live = false
	// Routers on a dead worker are lost, not migratable. Affected rooms
	// recover by reconnecting and creating a fresh router.
	lost := s.routers
	s.routers = 0
	alreadyRestarting := p.restarting
	p.restarting = true
	p.mu.Unlock()

	p.log.Warn("media worker died",
		zap.Int("worker", index), zap.Int("routers_lost", lost))
	p.notifyLive()

	if !alreadyRestarting {
		go p.restartDead()
	}
}

// restartDead respawns dead slots one at a time. At most one restart runs
// across the pool.
func (p *Pool) restartDead() {
	for {
		p.mu.Lock()
		if p.closed {
			p.restarting = false
			p.mu.Unlock()
			return
		}
		index := -1
		for i, s := range p.slots {
			if !s.live {
				index = i
				break
			}
		}
		if index == -1 {
			p.restarting = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		w, err := p.spawn(index)
		if err != nil {
			p.log.Error("media worker restart failed", zap.Int("worker", index), zap.Error(err))
			p.mu.Lock()
			p.restarting = false
			p.mu.Unlock()
			return
		}

		p.mu.Lock()
		p.slots[index] = &slot{worker: w, live: true}
		p.mu.Unlock()
		go p.watch(index, w)
		p.notifyLive()
		p.log.Info("media worker restarted", zap.Int("worker", index))
	}
}

// Acquire returns the next live worker round-robin, rotating past dead
// entries. Observing a dead entry triggers an async restart.
func (p *Pool) Acquire() (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNoWorkers
	}
	n := len(p.slots)
	var sawDead bool
	for i := 0; i < n; i++ {
		s := p.slots[(p.next+i)%n]
		if s.live && s.worker != nil && s.worker.Alive() {
			p.next = (p.next + i + 1) % n
			if sawDead && !p.restarting {
				p.restarting = true
				go p.restartDead()
			}
			return s.worker, nil
		}
		if s.live {
			// Probe says dead but no exit event yet.
			s.live = false
		}
		sawDead = true
	}
	if sawDead && !p.restarting {
		p.restarting = true
		go p.restartDead()
	}
	return nil, ErrNoWorkers
}

// RegisterRouter bumps the advisory router counter for a worker slot.
func (p *Pool) RegisterRouter(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index >= 0 && index < len(p.slots) {
		p.slots[index].routers++
	}
}

// UnregisterRouter decrements the advisory router counter.
func (p *Pool) UnregisterRouter(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index >= 0 && index < len(p.slots) && p.slots[index].routers > 0 {
		p.slots[index].routers--
	}
}

// LiveCount returns the number of live workers.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.live {
			n++
		}
	}
	return n
}

// RouterCount returns the advisory total router count across workers.
func (p *Pool) RouterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		n += s.routers
	}
	return n
}

// Close terminates every worker. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := p.slots
	p.mu.Unlock()
	for _, s := range slots {
		if s.worker != nil {
			s.worker.Close()
		}
	}
}
