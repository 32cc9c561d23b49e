// Package batch evaluates many independent requests against one decision
// model. The Dispatcher fans chunks out under a bounded concurrency limit,
// recovers every per-item error into a failure outcome, and returns exactly
// one outcome per request; Aggregate turns those into a response ordered by
// input position.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/tariffrules/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// Mode selects the scheduling model used for a batch
type Mode string

const (
	// ModeSequential evaluates items one by one in input order
	ModeSequential Mode = "sequential"
	// ModeShared runs chunks concurrently against one shared evaluator
	ModeShared Mode = "shared"
	// ModeIsolated runs chunks on the Pool, each worker with its own evaluator
	ModeIsolated Mode = "isolated"
)

// ParseMode converts a configuration string to a Mode
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSequential, ModeShared, ModeIsolated:
		return m, nil
	}
	return "", invalidConfig("unknown dispatch mode %q", s)
}

const (
	msgTimeout    = "timeout"
	msgCancelled  = "cancelled"
	msgPoolClosed = "worker pool closed"
)

// Options controls one call to Evaluate
type Options struct {
	Mode Mode

	// Concurrency caps simultaneous engine calls in ModeShared.
	// ModeIsolated is capped by the pool size instead.
	Concurrency int

	// ChunkSize is the number of items per unit of work. Ignored by ModeSequential.
	ChunkSize int

	// Timeout bounds the whole batch; 0 means no limit beyond ctx.
	Timeout time.Duration
}

func (o Options) validate() error {
	if o.Timeout < 0 {
		return invalidConfig("timeout cannot be negative, got %s", o.Timeout)
	}
	switch o.Mode {
	case ModeSequential:
		return nil
	case ModeShared:
		if o.Concurrency <= 0 {
			return invalidConfig("concurrency limit must be positive, got %d", o.Concurrency)
		}
	case ModeIsolated:
	default:
		return invalidConfig("unknown dispatch mode %q", o.Mode)
	}
	if o.ChunkSize <= 0 {
		return invalidConfig("chunk size must be positive, got %d", o.ChunkSize)
	}
	return nil
}

// Report describes how a batch was executed
type Report struct {
	Mode     Mode
	Chunks   int
	TimedOut int
	Elapsed  time.Duration
}

// Dispatcher runs batches. It is safe for concurrent use.
type Dispatcher struct {
	pool     *Pool
	factory  EngineFactory
	observer Observer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithEngineFactory overrides how shared and sequential evaluators are built
func WithEngineFactory(f EngineFactory) Option {
	return func(d *Dispatcher) { d.factory = f }
}

// WithObserver registers an Observer for dispatcher events
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a dispatcher. pool may be nil if ModeIsolated is
// never requested.
func NewDispatcher(pool *Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:     pool,
		factory:  PreparedRulesEngine,
		observer: nopObserver{},
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/liamcoop/tariffrules/batch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Evaluate runs every request against model and returns one outcome per
// request, indexed by input position. Item errors never surface as the
// returned error; only invalid options (ErrInvalidConfiguration) and
// dispatch failures (*PoolError) do, and in that case no outcomes are
// produced.
func (d *Dispatcher) Evaluate(ctx context.Context, model *rules.DecisionModel, requests []Request, opts Options) ([]Outcome, Report, error) {
	report := Report{Mode: opts.Mode}
	if err := opts.validate(); err != nil {
		return nil, report, err
	}

	ctx, span := d.tracer.Start(ctx, "batch.evaluate", trace.WithAttributes(
		attribute.String("batch.mode", string(opts.Mode)),
		attribute.Int("batch.size", len(requests)),
	))
	defer span.End()

	// ending the batch stops chunks still queued or running
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.Timeout)
		defer cancelTimeout()
	}

	start := time.Now()

	chunkSize := opts.ChunkSize
	if opts.Mode == ModeSequential {
		chunkSize = max(len(requests), 1)
	}
	chunks, err := chunksOf(requests, chunkSize)
	if err != nil {
		return nil, report, err
	}
	report.Chunks = len(chunks)

	// buffered for every item so a worker finishing after the collector
	// has given up never blocks
	results := make(chan Outcome, len(requests))
	// first engine construction failure reported by a pool worker
	fatal := make(chan error, 1)

	var poolDone <-chan struct{}
	switch opts.Mode {
	case ModeSequential, ModeShared:
		err = d.startShared(ctx, model, chunks, opts, results)
	case ModeIsolated:
		err = d.startIsolated(ctx, model, chunks, results, fatal)
		if err == nil {
			poolDone = d.pool.done
		}
	}
	if err != nil {
		return nil, report, d.dispatchFailed(ctx, span, opts, len(requests), err)
	}

	outcomes, timedOut, err := collect(ctx, requests, results, poolDone, fatal)
	if err != nil {
		err = &PoolError{Op: "build engine", Err: err}
		return nil, report, d.dispatchFailed(ctx, span, opts, len(requests), err)
	}
	report.TimedOut = timedOut
	report.Elapsed = time.Since(start)

	summary := Summary{TotalRequests: len(outcomes), ChunksProcessed: len(chunks)}
	for _, o := range outcomes {
		if o.Failed() {
			summary.Failed++
		} else {
			summary.Succeeded++
		}
	}
	d.observer.BatchFinished(opts.Mode, summary, timedOut, report.Elapsed)

	span.SetAttributes(
		attribute.Int("batch.chunks", len(chunks)),
		attribute.Int("batch.succeeded", summary.Succeeded),
		attribute.Int("batch.failed", summary.Failed),
		attribute.Int("batch.timed_out", timedOut),
	)

	if timedOut > 0 {
		d.logger.WarnContext(ctx, "batch deadline reached before all items finished",
			"mode", opts.Mode, "requests", len(requests), "timed_out", timedOut)
	}
	d.logger.InfoContext(ctx, "batch completed",
		"mode", opts.Mode,
		"requests", summary.TotalRequests,
		"chunks", len(chunks),
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", report.Elapsed.String())

	return outcomes, report, nil
}

func (d *Dispatcher) dispatchFailed(ctx context.Context, span trace.Span, opts Options, n int, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "dispatch failed")
	d.logger.ErrorContext(ctx, "batch dispatch failed",
		"mode", opts.Mode, "requests", n, "error", err)
	return err
}

// startShared builds one evaluator and runs chunks on goroutines gated by a
// weighted semaphore. Each chunk evaluates its items one at a time, so the
// number of engine calls in flight never exceeds the semaphore weight.
func (d *Dispatcher) startShared(ctx context.Context, model *rules.DecisionModel, chunks []chunk, opts Options, results chan<- Outcome) error {
	ev, err := d.factory(model)
	if err != nil {
		return &PoolError{Op: "build engine", Err: err}
	}
	d.observer.EngineBuilt(opts.Mode)

	limit := int64(opts.Concurrency)
	if opts.Mode == ModeSequential {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	go func() {
		for _, c := range chunks {
			if err := sem.Acquire(ctx, 1); err != nil {
				// deadline hit; the collector fails what is left
				return
			}
			go func(c chunk) {
				defer sem.Release(1)
				d.safeRun(ctx, ev, c, results)
			}(c)
		}
	}()
	return nil
}

// safeRun evaluates a chunk on the current goroutine. A crash outside item
// evaluation fails every item of the chunk not yet emitted.
func (d *Dispatcher) safeRun(ctx context.Context, ev Evaluator, c chunk, results chan<- Outcome) {
	next := 0
	defer func() {
		if r := recover(); r != nil {
			d.failRemaining(c, &next, fmt.Errorf("worker crashed: %v", r), results)
		}
	}()
	d.runChunk(ctx, ev, c, &next, results)
}

func (d *Dispatcher) startIsolated(ctx context.Context, model *rules.DecisionModel, chunks []chunk, results chan<- Outcome, fatal chan<- error) error {
	if d.pool == nil {
		return &PoolError{Op: "dispatch", Err: errors.New("no worker pool configured")}
	}
	if d.pool.Closed() {
		return &PoolError{Op: "dispatch", Err: ErrPoolClosed}
	}

	go func() {
		for _, c := range chunks {
			next := 0
			j := &job{
				ctx:   ctx,
				model: model,
				run: func(ev Evaluator) {
					d.runChunk(ctx, ev, c, &next, results)
				},
				fail: func(err error) {
					d.failRemaining(c, &next, err, results)
				},
				abort: func(err error) {
					select {
					case fatal <- err:
					default:
					}
				},
			}
			if err := d.pool.submit(ctx, j); err != nil {
				// deadline or shutdown; the collector fails what is left
				return
			}
		}
	}()
	return nil
}

// runChunk evaluates c from position *next onward, advancing *next after
// each emitted outcome. It stops early once ctx is done.
func (d *Dispatcher) runChunk(ctx context.Context, ev Evaluator, c chunk, next *int, results chan<- Outcome) {
	for *next < len(c.items) {
		if ctx.Err() != nil {
			return
		}
		results <- d.evaluateItem(ctx, ev, c.start+*next, c.items[*next])
		*next++
	}
}

func (d *Dispatcher) failRemaining(c chunk, next *int, err error, results chan<- Outcome) {
	msg := "worker failed: " + err.Error()
	if errors.Is(err, ErrPoolClosed) {
		msg = msgPoolClosed
	}
	for ; *next < len(c.items); *next++ {
		results <- Failure(c.start+*next, c.items[*next], msg)
	}
}

// evaluateItem runs one request. Every error and panic becomes a failure
// outcome for this item alone.
func (d *Dispatcher) evaluateItem(ctx context.Context, ev Evaluator, index int, req Request) (out Outcome) {
	d.observer.EngineCallStarted()
	defer d.observer.EngineCallFinished()

	defer func() {
		if r := recover(); r != nil {
			out = Failure(index, req, fmt.Sprintf("evaluation panicked: %v", r))
		}
	}()

	res, err := ev.Evaluate(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Failure(index, req, interruptedMessage(ctxErr))
		}
		return Failure(index, req, err.Error())
	}
	return Success(index, res)
}

// collect is the only writer of the outcome slice. It returns once every
// index is filled, or once ctx is done or the pool closes, in which case
// the missing indexes are failed. The second result counts items failed
// that way. An error received on fatal ends the batch with no outcomes.
func collect(ctx context.Context, requests []Request, results <-chan Outcome, poolDone <-chan struct{}, fatal <-chan error) ([]Outcome, int, error) {
	outcomes := make([]Outcome, len(requests))
	filled := make([]bool, len(requests))
	remaining := len(requests)

	record := func(o Outcome) {
		if o.Index < 0 || o.Index >= len(outcomes) || filled[o.Index] {
			return
		}
		outcomes[o.Index] = o
		filled[o.Index] = true
		remaining--
	}

	fillRest := func(msg string) int {
		// keep whatever already finished
		for drained := false; !drained; {
			select {
			case o := <-results:
				record(o)
			default:
				drained = true
			}
		}
		n := 0
		for i := range outcomes {
			if !filled[i] {
				outcomes[i] = Failure(i, requests[i], msg)
				filled[i] = true
				n++
			}
		}
		remaining = 0
		return n
	}

	for remaining > 0 {
		select {
		case o := <-results:
			record(o)
		case <-ctx.Done():
			return outcomes, fillRest(interruptedMessage(ctx.Err())), nil
		case <-poolDone:
			return outcomes, fillRest(msgPoolClosed), nil
		case err := <-fatal:
			return nil, 0, err
		}
	}
	return outcomes, 0, nil
}

func interruptedMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return msgTimeout
	}
	return msgCancelled
}
