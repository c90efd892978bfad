package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type workerMeta struct {
	id        int
	ch        chan Job
	lastUsed  time.Time
	enqueued  bool // is in the idle queue
	discarded bool // is targeted as delete
}

type jobChannelPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	closing  bool
	logger   zerolog.Logger

	workers   sync.WaitGroup
	quit      chan struct{}
	purgeDone chan struct{}
}

const defaultWorkerIdle = 30 * time.Second

func newJobChannelPool(minWorkers, maxWorkers int, idle time.Duration, logger zerolog.Logger) *jobChannelPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &jobChannelPool{
		metadata:  make(map[chan Job]*workerMeta),
		min:       minWorkers,
		max:       maxWorkers,
		expiry:    idle,
		logger:    logger,
		quit:      make(chan struct{}),
		purgeDone: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.purgeStaleWorkers()
	return p
}

// spawnWorker adds a worker unless the pool is at max.
func (p *jobChannelPool) spawnWorker() {
	p.mu.Lock()
	if p.running >= p.max || p.closing {
		p.mu.Unlock()
		return
	}
	w := p.newWorkerLocked()
	p.mu.Unlock()
	w.start()
}

// newWorkerLocked registers a worker; the caller starts it after unlocking.
func (p *jobChannelPool) newWorkerLocked() *worker {
	p.nextID++
	w := newWorker(p)
	p.metadata[w.jobs] = &workerMeta{id: p.nextID, ch: w.jobs}
	p.running++
	p.workers.Add(1)
	return w
}

// acquire returns an idle worker's channel, spawning one when under max and
// blocking otherwise.
func (p *jobChannelPool) acquire() chan Job {
	for {
		p.mu.Lock()
		if meta := p.popIdleLocked(); meta != nil {
			p.mu.Unlock()
			return meta.ch
		}
		if p.running < p.max {
			w := p.newWorkerLocked()
			p.mu.Unlock()
			w.start()
			continue
		}
		p.cond.Wait()
		p.mu.Unlock()
	}
}

func (p *jobChannelPool) workerID(ch chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if meta, ok := p.metadata[ch]; ok {
		return meta.id
	}
	return 0
}

// release puts a worker back in the idle queue. It reports false when the
// pool is shutting down and the worker should exit instead.
func (p *jobChannelPool) release(ch chan Job) bool {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || meta.discarded || p.closing {
		p.mu.Unlock()
		return false
	}
	if meta.enqueued {
		p.mu.Unlock()
		return true
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// retire deletes a worker.
func (p *jobChannelPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// popIdleLocked takes the oldest idle worker, skipping discarded ones.
func (p *jobChannelPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *jobChannelPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// purgeStaleWorkers calls shutdownExpired every expiry period until close.
func (p *jobChannelPool) purgeStaleWorkers() {
	defer close(p.purgeDone)
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.shutdownExpired()
		case <-p.quit:
			return
		}
	}
}

// shutdownExpired retires idle workers unused for longer than expiry, never
// going below min.
func (p *jobChannelPool) shutdownExpired() {
	var stale []*workerMeta
	now := time.Now()

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		meta.ch <- Job{stop: true}
	}
	if len(stale) > 0 {
		p.logger.Debug().Int("retired", len(stale)).Msg("idle workers retired")
	}
}

// close stops the purge loop, tells idle workers to exit and waits for busy
// ones to finish their current job. Callers must not acquire afterwards.
func (p *jobChannelPool) close() {
	close(p.quit)
	<-p.purgeDone

	p.mu.Lock()
	p.closing = true
	idle := p.idle
	p.idle = nil
	for _, meta := range idle {
		meta.discarded = true
		meta.enqueued = false
	}
	p.mu.Unlock()

	for _, meta := range idle {
		meta.ch <- Job{stop: true}
	}
	p.workers.Wait()
}
