package pool

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/ftp-deploy/pkg/remote"
	"github.com/sidkik/ftp-deploy/pkg/session"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

// worker runs tasks one at a time on its own session. Only the worker's
// goroutine touches the session.
type worker struct {
	tasks   chan sync.ActionRecord
	handle  *session.Handle
	applier Applier
	log     log.FieldLogger
}

func (p *Pool) newWorker(d *dispatcher) *worker {
	d.nextID++
	logger := p.cfg.Log.WithField("worker", d.nextID)

	sessionCfg := p.cfg.Session
	sessionCfg.Log = logger
	handle := session.New(sessionCfg)

	return &worker{
		tasks:   make(chan sync.ActionRecord, 1),
		handle:  handle,
		applier: p.cfg.NewApplier(handle),
		log:     logger,
	}
}

func (p *Pool) runWorker(ctx context.Context, w *worker) {
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		w.run(ctx, p.reports, p.quit)
	}()
}

// run executes tasks until its task channel is closed, or until a task
// fails. A worker whose task failed closes its session before reporting and
// exits, since the session's state can no longer be trusted.
func (w *worker) run(ctx context.Context, reports chan<- report, quit <-chan struct{}) {
	defer w.closeSession()

	for task := range w.tasks {
		select {
		case <-quit:
			return
		default:
		}

		err := w.execute(ctx, task)
		if err != nil {
			w.closeSession()
		}

		select {
		case reports <- report{worker: w, task: task, err: err}:
		case <-quit:
			return
		}

		if err != nil {
			return
		}
	}
}

func (w *worker) closeSession() {
	if err := w.handle.Close(); err != nil {
		w.log.WithError(err).Debug("Failed to close session")
	}
}

func (w *worker) execute(ctx context.Context, task sync.ActionRecord) error {
	logger := w.log.WithField("task", task.ID)

	if _, err := w.handle.RefreshIfStale(ctx); err != nil {
		return err
	}

	if !w.handle.IsOpen() {
		logger.Debug("Connecting")
		if err := w.handle.Connect(ctx); err != nil {
			return err
		}
	}

	err := w.applier.ApplyAction(ctx, task.Record, task.Action)
	if err == nil || !remote.IsNotConnected(err) {
		return err
	}

	logger.WithError(err).Info("Session was disconnected. Reconnecting and retrying once.")
	if refreshErr := w.handle.Refresh(ctx); refreshErr != nil {
		return err
	}
	return w.applier.ApplyAction(ctx, task.Record, task.Action)
}
