package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrWorkerClosed is returned by Do once Close has been called.
var ErrWorkerClosed = errors.New("db: writer closed")

// DefaultQueueSize bounds how many write transactions may wait behind the
// one in progress before Do blocks.
const DefaultQueueSize = 256

// TxFn runs inside a write transaction. Returning an error rolls it back.
type TxFn func(ctx context.Context, tx *sql.Tx) error

type writeJob struct {
	ctx    context.Context
	fn     TxFn
	result chan error
}

// Worker funnels every write through one goroutine so SQLite sees a single
// writer no matter how many stores share the connection.
type Worker struct {
	db    *sql.DB
	queue chan writeJob

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

type WorkerOption func(*Worker)

func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan writeJob, n)
		}
	}
}

func NewWorker(db *sql.DB, opts ...WorkerOption) *Worker {
	w := &Worker{
		db:      db,
		queue:   make(chan writeJob, DefaultQueueSize),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.loop()
	return w
}

// Close stops accepting writes, finishes the queued ones and waits for the
// loop to exit. It is safe to call more than once.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.stopped
}

// Do runs fn in its own transaction on the writer goroutine and returns its
// result. If ctx ends first Do returns ctx.Err(); a transaction already
// started still runs to completion.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	job := writeJob{ctx: ctx, fn: fn, result: make(chan error, 1)}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkerClosed
	}
	select {
	case w.queue <- job:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.stopped)
	for job := range w.queue {
		job.result <- w.run(job)
	}
}

func (w *Worker) run(job writeJob) (err error) {
	if err := job.ctx.Err(); err != nil {
		return err
	}

	tx, err := w.db.BeginTx(job.ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("write transaction panicked: %v", r)
		}
	}()

	if err := job.fn(job.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
