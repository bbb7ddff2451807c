// Package workqueue accepts fire-and-forget asynchronous jobs (e.g. AI
// response generation) and executes them on a bounded worker pool. Delivery
// is at-most-once in process; downstream consumers are assumed to tolerate
// at-least-once overall.
package workqueue

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sessionhub/internal/eventbus"
	"sessionhub/internal/events"
	logx "sessionhub/pkg/logx"
)

// Handler executes one job. Handler errors are logged, never propagated:
// a failed job must not crash unrelated work.
type Handler func(ctx context.Context, job Job) error

type Job struct {
	ID         string
	Type       string
	Payload    any
	EnqueuedAt time.Time
}

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int
}

// Service executes jobs from a queue using a worker pool.
//
// It is panic-safe (worker goroutines recover), and cooperates with shutdown
// via Start/Stop.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	handlers map[string]Handler

	queue     chan Job
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// Lifetime counters for operator diagnostics.
	dropped  uint64
	executed uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, handlers: map[string]Handler{}}
}

// Register binds a handler to a job type. Call before Start.
func (s *Service) Register(jobType string, h Handler) {
	s.mu.Lock()
	s.handlers[jobType] = h
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	s.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.Int("workers", cur.Workers), logx.Int("queue_size", cur.QueueSize))

	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	qs := s.cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan Job, qs)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in workqueue worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.log.Info("service started", logx.Int("workers", workers), logx.Int("queue_size", qs))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

// Enqueue submits a job for execution.
//
// It is non-blocking: if the queue is full it returns ErrQueueFull and drops
// the job. Callers on the message-receipt path must treat any error here as
// log-and-continue.
func (s *Service) Enqueue(jobType string, payload any) error {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	_, known := s.handlers[jobType]
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	if !known {
		return ErrNoHandler
	}

	job := Job{ID: uuid.NewString(), Type: jobType, Payload: payload, EnqueuedAt: time.Now()}
	select {
	case q <- job:
		return nil
	default:
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("workqueue full; dropping job", logx.String("type", jobType), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: events.JobDropped, Data: events.JobPayload{JobType: jobType, Reason: "queue_full"}})
		}
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan Job, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case job := <-queue:
			s.execOne(ctx, job)
		}
	}
}

func (s *Service) execOne(ctx context.Context, job Job) {
	s.mu.Lock()
	h := s.handlers[job.Type]
	s.mu.Unlock()
	if h == nil {
		s.log.Warn("job handler vanished", logx.String("type", job.Type), logx.String("job", job.ID))
		return
	}

	start := time.Now()
	err := h(ctx, job)
	atomic.AddUint64(&s.executed, 1)
	if err != nil {
		s.log.Warn("job failed", logx.String("type", job.Type), logx.String("job", job.ID), logx.Err(err), logx.Duration("dur", time.Since(start)))
		return
	}
	s.log.Debug("job done", logx.String("type", job.Type), logx.String("job", job.ID), logx.Duration("dur", time.Since(start)))
}

type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	Dropped  uint64
	Executed uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Workers: s.cfg.Workers}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	s.mu.Unlock()
	if snap.Workers <= 0 {
		snap.Workers = 2
	}
	snap.Dropped = atomic.LoadUint64(&s.dropped)
	snap.Executed = atomic.LoadUint64(&s.executed)
	return snap
}
