package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/liamcoop/tariffrules/rules"
)

// job is one chunk handed to a pool worker. run evaluates the chunk with the
// worker's evaluator; fail reports every item of the chunk that run has not
// emitted yet as failed; abort ends the whole batch when the worker cannot
// build an evaluator.
type job struct {
	ctx   context.Context
	model *rules.DecisionModel
	run   func(ev Evaluator)
	fail  func(err error)
	abort func(err error)
}

// Pool is a fixed set of long-lived workers reading from a bounded queue.
// Each worker owns its evaluator and rebuilds it only when a job carries a
// different decision model. The pool is created at startup, passed to the
// Dispatcher, and closed at shutdown.
type Pool struct {
	size     int
	jobs     chan *job
	done     chan struct{}
	factory  EngineFactory
	observer Observer

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts size workers. queueDepth bounds the number of chunks
// waiting for a worker; 0 means size.
func NewPool(size, queueDepth int, factory EngineFactory, observer Observer) (*Pool, error) {
	if size <= 0 {
		return nil, invalidConfig("pool size must be positive, got %d", size)
	}
	if queueDepth < 0 {
		return nil, invalidConfig("queue depth cannot be negative, got %d", queueDepth)
	}
	if queueDepth == 0 {
		queueDepth = size
	}
	if factory == nil {
		factory = NewRulesEngine
	}
	if observer == nil {
		observer = nopObserver{}
	}

	p := &Pool{
		size:     size,
		jobs:     make(chan *job, queueDepth),
		done:     make(chan struct{}),
		factory:  factory,
		observer: observer,
	}

	p.wg.Add(size)
	for range size {
		go p.work()
	}
	return p, nil
}

// Size returns the number of workers
func (p *Pool) Size() int {
	return p.size
}

// Closed reports whether Close has been called
func (p *Pool) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close stops the workers, waits for in-flight chunks to finish, and fails
// every chunk still queued.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case j := <-p.jobs:
				j.fail(ErrPoolClosed)
			default:
				return
			}
		}
	})
}

func (p *Pool) submit(ctx context.Context, j *job) error {
	if p.Closed() {
		return &PoolError{Op: "submit", Err: ErrPoolClosed}
	}

	select {
	case p.jobs <- j:
		return nil
	case <-p.done:
		return &PoolError{Op: "submit", Err: ErrPoolClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()

	w := &worker{pool: p}
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			w.handle(j)
		}
	}
}

type worker struct {
	pool  *Pool
	model *rules.DecisionModel
	ev    Evaluator
}

func (w *worker) handle(j *job) {
	defer func() {
		if r := recover(); r != nil {
			// the worker survives; only this chunk is lost
			w.model, w.ev = nil, nil
			j.fail(fmt.Errorf("worker crashed: %v", r))
		}
	}()

	if j.ctx.Err() != nil {
		return
	}

	ev, err := w.evaluatorFor(j.model)
	if err != nil {
		j.abort(err)
		return
	}
	j.run(ev)
}

func (w *worker) evaluatorFor(model *rules.DecisionModel) (Evaluator, error) {
	if w.ev != nil && w.model == model {
		return w.ev, nil
	}

	ev, err := w.pool.factory(model)
	if err != nil {
		return nil, err
	}
	w.pool.observer.EngineBuilt(ModeIsolated)
	w.model, w.ev = model, ev
	return ev, nil
}
