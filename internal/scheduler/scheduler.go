package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultPoolSize bounds concurrently running ad-hoc jobs.
const DefaultPoolSize = 10

var (
	ErrStopped    = errors.New("scheduler stopped")
	ErrUnknownJob = errors.New("unknown job")
)

// Job is a unit of background work. ctx is cancelled on shutdown.
type Job func(ctx context.Context) error

type scheduled struct {
	name string
	fn   Job
}

// Scheduler runs cron-triggered jobs one at a time on a single worker,
// and ad-hoc jobs on a bounded pool.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	started bool
	named   map[string]Job
	pending map[string]bool // queued or running scheduled jobs
	queue   chan scheduled
	adhoc   chan scheduled

	workers sync.WaitGroup
}

func New(logger *zap.SugaredLogger, loc *time.Location, poolSize int) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if loc == nil {
		loc = time.Local
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		named:   map[string]Job{},
		pending: map[string]bool{},
		queue:   make(chan scheduled, 16),
		adhoc:   make(chan scheduled, 256),
	}
	s.workers.Add(2)
	go s.runQueue()
	go s.runPool(poolSize)
	return s
}

// Every registers fn to run every d.
func (s *Scheduler) Every(name string, d time.Duration, fn Job) error {
	if d < time.Second {
		return fmt.Errorf("job %s: interval %v too short", name, d)
	}
	return s.add(name, "@every "+d.String(), fn)
}

// Daily registers fn to run every day at hour:minute in the scheduler's location.
func (s *Scheduler) Daily(name string, hour, minute int, fn Job) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("job %s: invalid time %02d:%02d", name, hour, minute)
	}
	return s.add(name, fmt.Sprintf("%d %d * * *", minute, hour), fn)
}

func (s *Scheduler) add(name, expr string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, dup := s.named[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	if _, err := s.cron.AddFunc(expr, func() { s.Trigger(name) }); err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	s.named[name] = fn
	s.logger.Debugw("job scheduled", "job", name, "expr", expr)
	return nil
}

// Start begins firing cron triggers.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Trigger queues the named scheduled job now. A job that is already queued
// or running is not queued twice.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	fn, ok := s.named[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if s.pending[name] {
		s.logger.Debugw("job already pending", "job", name)
		return nil
	}
	select {
	case s.queue <- scheduled{name: name, fn: fn}:
		s.pending[name] = true
	default:
		s.logger.Warnw("scheduled queue full; trigger dropped", "job", name)
	}
	return nil
}

// Submit runs fn as soon as a pool slot is free.
func (s *Scheduler) Submit(name string, fn Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.adhoc <- scheduled{name: name, fn: fn}:
		return nil
	default:
		return fmt.Errorf("job %s: ad-hoc queue full", name)
	}
}

func (s *Scheduler) runQueue() {
	defer s.workers.Done()
	for j := range s.queue {
		s.run(j)
		s.mu.Lock()
		delete(s.pending, j.name)
		s.mu.Unlock()
	}
}

// runPool is the only goroutine touching the errgroup.
func (s *Scheduler) runPool(size int) {
	defer s.workers.Done()
	var g errgroup.Group
	g.SetLimit(size)
	for j := range s.adhoc {
		g.Go(func() error {
			s.run(j)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) run(j scheduled) {
	if s.ctx.Err() != nil {
		s.logger.Debugw("job skipped during shutdown", "job", j.name)
		return
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			s.logger.Errorw("job panic", "job", j.name, "panic", p, "stack", string(debug.Stack()))
		}
	}()
	if err := j.fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Errorw("job failed", "job", j.name, "err", err, "duration", time.Since(start))
		return
	}
	s.logger.Debugw("job done", "job", j.name, "duration", time.Since(start))
}

// Stop cancels running jobs and waits for the workers to exit, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.cancel()
	close(s.queue)
	close(s.adhoc)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
