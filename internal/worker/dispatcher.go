package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDispatcherBusy is returned by Submit when the queue is full.
var ErrDispatcherBusy = errors.New("dispatcher busy")

var errDispatcherClosed = errors.New("dispatcher closed")

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// DispatcherConfig sizes the worker pool and the job queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Dispatcher hands queued jobs to workers, taking one job per user in turn so
// a user with many jobs cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job
	logger   logrus.FieldLogger

	mu        sync.Mutex
	queues    map[int64]*userQueue // job queue for each user
	ready     *list.List           // LRU queue storing user IDs
	positions map[int64]*list.Element
	pending   int
	limit     int
	closed    bool
	quit      chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, handler jobHandler, logger logrus.FieldLogger) *Dispatcher {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	pool := newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.IdleTimeout, handler, logger)

	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		pool:      pool,
		JobQueue:  make(chan Job, cfg.QueueSize),
		logger:    logger,
		limit:     cfg.QueueSize,
		quit:      make(chan struct{}),
	}

	// warm up
	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking. It fails with ErrDispatcherBusy when
// queue_size jobs are already waiting for a worker.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDispatcherClosed
	}
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.pending++
	d.mu.Unlock()

	select {
	case d.JobQueue <- job:
		return nil
	default:
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
}

// Pending reports jobs accepted but not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Dispatcher) run() {
	for {
		d.drain()
		// dispatch one job of user in the front of LRU queue
		if d.dispatchOne() {
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		}
	}
}

// drain moves every submitted job into the per-user queues so the next
// dispatch sees all waiting users.
func (d *Dispatcher) drain() {
	for {
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		default:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(userID)
	d.positions[userID] = elem
}

// dispatchOne takes the next job of the user at the front of the ready list.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(int64)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan, ok := d.pool.acquire()
	if !ok {
		return false
	}
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
	d.logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"user_id":    userID,
		"session_id": job.SessionID,
		"worker":     d.pool.workerID(workerChan),
	}).Debug("job assigned")
	workerChan <- job
	return true
}

// Close stops accepting jobs and lets idle workers exit. Jobs already running
// are not interrupted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()
	d.pool.close()
}

// Wait blocks until every worker has exited or timeout elapses.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
