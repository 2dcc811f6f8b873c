// Package pool applies actions concurrently across several remote sessions.
//
// A single dispatcher goroutine owns the task queue and the worker
// bookkeeping. Workers each own one session, and only communicate with the
// dispatcher over channels: the dispatcher hands a worker one task at a time,
// and the worker reports back whether it succeeded.
package pool

import (
	"context"
	goErrors "errors"
	"fmt"
	goSync "sync"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/session"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

// ErrTaskAbandoned is returned by WaitForAllTasks when a task failed more
// times than allowed.
var ErrTaskAbandoned = goErrors.New("task failed too many times")

// AbandonedError describes a task that was given up on. It matches
// ErrTaskAbandoned with errors.Is.
type AbandonedError struct {
	Task sync.ActionRecord

	// Err is the error from the task's final attempt.
	Err error
}

func (err AbandonedError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", err.Task.Action, err.Task.Record.Path, ErrTaskAbandoned, err.Err)
}

// Is implements error matching for ErrTaskAbandoned.
func (err AbandonedError) Is(target error) bool {
	return target == ErrTaskAbandoned
}

func (err AbandonedError) Unwrap() error {
	return err.Err
}

// Applier applies a single action using a worker's session.
type Applier interface {
	ApplyAction(ctx context.Context, record sync.Record, action sync.Action) error
}

// Config configures a Pool.
type Config struct {
	// Size is the number of workers, and therefore sessions.
	Size int

	// Session is the configuration used to open each worker's session.
	Session session.Config

	// NewApplier creates the Applier that a worker uses to run its tasks.
	NewApplier func(*session.Handle) Applier

	// MaxTaskFailures is the number of times a task may fail before it's
	// abandoned. Zero means tasks are requeued forever.
	MaxTaskFailures int

	Log log.FieldLogger
}

// Stats is a snapshot of the dispatcher's state.
type Stats struct {
	Idle   int
	Busy   int
	Size   int
	Queued int
	Active int
}

// Pool is a fixed-size set of workers. Its methods are safe to call from
// multiple goroutines.
type Pool struct {
	cfg Config

	addCh   chan []sync.ActionRecord
	reports chan report
	waitCh  chan chan error
	statsCh chan chan Stats
	stopCh  chan struct{}

	// quit is closed when the dispatcher exits so that workers don't block
	// trying to report to it.
	quit chan struct{}

	// running tracks the dispatcher and worker goroutines.
	running goSync.WaitGroup
	stop    goSync.Once
}

type report struct {
	worker *worker
	task   sync.ActionRecord
	err    error
}

// dispatcher is the state owned by the dispatcher goroutine.
type dispatcher struct {
	// ctx is passed to workers that are started after Start returns.
	ctx context.Context

	queue    []sync.ActionRecord
	idle     []*worker
	busy     map[*worker]struct{}
	active   int
	failures map[string]int

	// abandoned is the error of the most recently abandoned task. It's
	// returned to the next waiter.
	abandoned error
	waiters   []chan error
	nextID    int
}

// New creates a pool. Call Start before adding tasks.
func New(cfg Config) *Pool {
	if cfg.Log == nil {
		cfg.Log = log.StandardLogger()
	}
	return &Pool{
		cfg:     cfg,
		addCh:   make(chan []sync.ActionRecord),
		reports: make(chan report),
		waitCh:  make(chan chan error),
		statsCh: make(chan chan Stats),
		stopCh:  make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// Start connects every worker's session and starts dispatching. If any
// session fails to connect, the sessions that did connect are closed and the
// error is returned.
func (p *Pool) Start(ctx context.Context) error {
	d := &dispatcher{
		ctx:      ctx,
		busy:     map[*worker]struct{}{},
		failures: map[string]int{},
	}

	for i := 0; i < p.cfg.Size; i++ {
		d.idle = append(d.idle, p.newWorker(d))
	}

	type result struct {
		worker *worker
		err    error
	}
	results := make(chan result, len(d.idle))
	for _, w := range d.idle {
		go func(w *worker) {
			results <- result{w, w.handle.Connect(ctx)}
		}(w)
	}

	var connectErr error
	for range d.idle {
		res := <-results
		if res.err != nil && connectErr == nil {
			connectErr = errors.WithContext(res.err, "start worker")
		}
	}

	if connectErr != nil {
		for _, w := range d.idle {
			if err := w.handle.Close(); err != nil {
				p.cfg.Log.WithError(err).Debug("Failed to close worker session")
			}
		}
		return connectErr
	}

	for _, w := range d.idle {
		p.runWorker(ctx, w)
	}
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		p.dispatch(d)
	}()
	return nil
}

// AddTasks queues `action` for each of `records`.
func (p *Pool) AddTasks(records []sync.Record, action sync.Action) {
	tasks := make([]sync.ActionRecord, 0, len(records))
	for _, record := range records {
		tasks = append(tasks, sync.NewActionRecord(record, action))
	}

	select {
	case p.addCh <- tasks:
	case <-p.quit:
	}
}

// WaitForAllTasks blocks until the queue is empty and no tasks are in
// flight. If a task was abandoned since the last call, an error wrapping
// ErrTaskAbandoned is returned.
func (p *Pool) WaitForAllTasks(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case p.waitCh <- done:
	case <-p.quit:
		return errors.New("pool stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-p.quit:
		return errors.New("pool stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool's state.
func (p *Pool) Stats() Stats {
	resp := make(chan Stats, 1)
	select {
	case p.statsCh <- resp:
		return <-resp
	case <-p.quit:
		return Stats{Size: p.cfg.Size}
	}
}

// Stop tells every worker to exit, and waits for them to close their
// sessions. Tasks that haven't run yet are dropped.
func (p *Pool) Stop() {
	p.stop.Do(func() {
		close(p.stopCh)
	})
	p.running.Wait()
}

func (p *Pool) dispatch(d *dispatcher) {
	defer close(p.quit)

	for {
		select {
		case tasks := <-p.addCh:
			d.queue = append(d.queue, tasks...)
			d.active += len(tasks)
			p.assign(d)
		case r := <-p.reports:
			p.handleReport(d, r)
			p.assign(d)
			d.notifyWaiters()
		case waiter := <-p.waitCh:
			d.waiters = append(d.waiters, waiter)
			d.notifyWaiters()
		case resp := <-p.statsCh:
			resp <- Stats{
				Idle:   len(d.idle),
				Busy:   len(d.busy),
				Size:   p.cfg.Size,
				Queued: len(d.queue),
				Active: d.active,
			}
		case <-p.stopCh:
			for _, w := range d.idle {
				close(w.tasks)
			}
			for w := range d.busy {
				close(w.tasks)
			}
			return
		}
	}
}

// assign hands queued tasks to idle workers in FIFO order.
func (p *Pool) assign(d *dispatcher) {
	for len(d.queue) != 0 && len(d.idle) != 0 {
		task := d.queue[0]
		d.queue = d.queue[1:]

		w := d.idle[0]
		d.idle = d.idle[1:]
		d.busy[w] = struct{}{}

		w.tasks <- task
	}
}

func (p *Pool) handleReport(d *dispatcher, r report) {
	delete(d.busy, r.worker)
	d.active--

	if r.err == nil {
		delete(d.failures, r.task.ID)
		d.idle = append(d.idle, r.worker)
		return
	}

	// The failed worker has closed its session and exited. Replace it so
	// that the pool keeps its capacity.
	close(r.worker.tasks)
	replacement := p.newWorker(d)
	d.idle = append(d.idle, replacement)
	p.runWorker(d.ctx, replacement)

	d.failures[r.task.ID]++
	failures := d.failures[r.task.ID]
	logger := p.cfg.Log.WithError(r.err).
		WithField("task", r.task.ID).
		WithField("path", r.task.Record.Path).
		WithField("action", r.task.Action).
		WithField("failures", failures)

	if p.cfg.MaxTaskFailures > 0 && failures >= p.cfg.MaxTaskFailures {
		logger.Error("Task failed too many times. Abandoning it.")
		delete(d.failures, r.task.ID)
		d.abandoned = AbandonedError{Task: r.task, Err: r.err}
		return
	}

	logger.Warn("Task failed. Requeueing it.")
	d.queue = append(d.queue, r.task)
	d.active++
}

func (d *dispatcher) notifyWaiters() {
	if d.active != 0 || len(d.queue) != 0 || len(d.waiters) == 0 {
		return
	}

	for _, waiter := range d.waiters {
		waiter <- d.abandoned
	}
	d.waiters = nil
	d.abandoned = nil
}
