// Package worker provides the execution contexts used by sessions: an ordered
// serial queue for latency-sensitive work and a bounded pool for slow work.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/peersync/internal/errs"
)

// Task is a unit of work. A returned error is logged by the executor.
type Task func(ctx context.Context) error

// Executor runs tasks outside the caller's goroutine.
type Executor interface {
	Submit(name string, t Task) error
}

// Inline runs every task on the calling goroutine. Tests use it to make
// handler side effects synchronous.
type Inline struct {
	Log *zap.Logger
}

// Submit runs t immediately.
func (i Inline) Submit(name string, t Task) error {
	run(context.Background(), i.Log, name, t)
	return nil
}

func run(ctx context.Context, log *zap.Logger, name string, t Task) {
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("task panic", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	if err := t(ctx); err != nil && log != nil {
		log.Warn("task failed", zap.String("task", name), zap.Error(err))
	}
}

type job struct {
	name string
	task Task
}

// Serial runs tasks one at a time in submission order.
type Serial struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan job
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewSerial starts a serial executor with a queue of the given depth.
func NewSerial(log *zap.Logger, depth int) *Serial {
	if log == nil {
		log = zap.NewNop()
	}
	if depth <= 0 {
		depth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serial{
		log:    log.Named("serial"),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan job, depth),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Serial) loop() {
	defer close(s.done)
	for j := range s.queue {
		run(s.ctx, s.log, j.name, j.task)
	}
}

// Submit enqueues t. It blocks while the queue is full.
func (s *Serial) Submit(name string, t Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("serial submit %s: %w", name, errs.ErrClosed)
	}
	s.queue <- job{name: name, task: t}
	return nil
}

// Close stops accepting tasks, drains the queue and waits for the last task.
func (s *Serial) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
	s.cancel()
}

// Pool runs tasks concurrently with at most n in flight.
type Pool struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewPool constructs a bounded pool of n workers.
func NewPool(log *zap.Logger, n int) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{log: log.Named("pool"), ctx: ctx, cancel: cancel}
	p.g.SetLimit(n)
	return p
}

// Submit schedules t, blocking while all workers are busy.
func (p *Pool) Submit(name string, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("pool submit %s: %w", name, errs.ErrClosed)
	}
	p.g.Go(func() error {
		run(p.ctx, p.log, name, t)
		return nil
	})
	return nil
}

// Close waits for in-flight tasks. Tasks observe cancellation only after they finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	_ = p.g.Wait()
	p.cancel()
}
