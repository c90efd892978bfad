package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrDispatcherBusy is returned by Submit when the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue is full")
	// ErrDispatcherClosed is returned by Submit after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job is one unit of work. Jobs sharing a Key are run in submission order and
// take turns with jobs of other keys.
type Job struct {
	Key  string
	Run  func()
	stop bool
}

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type keyQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher feeds jobs to an elastic worker pool, round-robin across keys
// so that one busy key cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	jobQueue chan Job // intake for Submit
	logger   zerolog.Logger

	mu        sync.Mutex
	queues    map[string]*keyQueue // pending jobs per key
	ready     *list.List           // keys with pending jobs, next to serve at the front
	positions map[string]*list.Element
	pending   int
	capacity  int

	submitMu sync.RWMutex
	closed   bool
	quit     chan struct{}
	done     chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	logger = logger.With().Str("component", "dispatcher").Logger()
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout, logger),
		jobQueue:  make(chan Job, cfg.QueueSize),
		capacity:  cfg.QueueSize,
		logger:    logger,
		queues:    make(map[string]*keyQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues run under key without blocking.
func (d *Dispatcher) Submit(key string, run func()) error {
	d.submitMu.RLock()
	defer d.submitMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.jobQueue <- Job{Key: key, Run: run}:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

// Close stops intake, runs every job accepted so far, then stops the workers.
func (d *Dispatcher) Close() {
	d.submitMu.Lock()
	if d.closed {
		d.submitMu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.submitMu.Unlock()

	close(d.quit)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		d.drainIntake()
		if d.dispatchOne() {
			continue
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			for {
				d.drainIntake()
				if !d.dispatchOne() && len(d.jobQueue) == 0 {
					break
				}
			}
			d.pool.close()
			return
		}
	}
}

// drainIntake moves waiting jobs from the intake channel into their key
// queues, leaving them in the channel once the key queues are at capacity so
// that Submit reports back-pressure.
func (d *Dispatcher) drainIntake() {
	for {
		d.mu.Lock()
		full := d.pending >= d.capacity
		d.mu.Unlock()
		if full {
			return
		}
		select {
		case job := <-d.jobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.Key]
	if q == nil {
		q = &keyQueue{}
		d.queues[job.Key] = q
	}
	q.jobs = append(q.jobs, job)
	d.pending++
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.Key] = d.ready.PushBack(job.Key)
}

// dispatchOne waits for a free worker, then hands it the next job of the
// front key. Intake is drained again once the worker is free so that keys
// which arrived meanwhile take their turn. It reports false when nothing is
// pending.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	idle := d.pending == 0
	d.mu.Unlock()
	if idle {
		return false
	}

	workerChan := d.pool.acquire()
	d.drainIntake()

	d.mu.Lock()
	elem := d.ready.Front()
	key := elem.Value.(string)
	q := d.queues[key]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.pending--
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, key)
		delete(d.queues, key)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	d.logger.Debug().Str("key", key).Int("worker", d.pool.workerID(workerChan)).Msg("assign job")
	workerChan <- job
	return true
}
