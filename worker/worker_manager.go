package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/fornellas/slogxt/log"
)

type worker struct {
	name  string
	errCh chan error
}

// WorkerManager runs a group of workers sharing one context. When any of them returns, the
// context is canceled, so the others are asked to stop as well.
type WorkerManager struct {
	workers    []worker
	ctx        context.Context
	cancelFunc context.CancelFunc
}

func NewWorkerManager(ctx context.Context) *WorkerManager {
	ctx, cancelFunc := context.WithCancel(ctx)
	return &WorkerManager{
		ctx:        ctx,
		cancelFunc: cancelFunc,
	}
}

// StartWorker runs fn on its own goroutine with the manager's context. A panic in fn is recovered
// and reported by Wait as an error.
func (m *WorkerManager) StartWorker(name string, fn func(context.Context) error) {
	errCh := make(chan error, 1)
	go func() {
		ctx, logger := log.MustWithGroup(m.ctx, name)
		var err error
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic", "recovered", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("worker: %s: panic: %v", name, r)
			}
			logger.Debug("Finished", "err", err)
			errCh <- err
			m.cancelFunc()
		}()
		logger.Debug("Starting")
		err = fn(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("worker: %s: %w", name, err)
		}
	}()
	m.workers = append(m.workers, worker{name: name, errCh: errCh})
}

// Cancel asks all workers to stop.
func (m *WorkerManager) Cancel() {
	m.cancelFunc()
}

// Wait blocks until all workers have returned, and returns their errors joined.
func (m *WorkerManager) Wait() (err error) {
	logger := log.MustLogger(m.ctx)
	logger.Debug("Waiting for workers")
	for _, worker := range m.workers {
		err = errors.Join(err, <-worker.errCh)
	}
	logger.Debug("All workers finished", "err", err)
	m.workers = nil
	m.cancelFunc()
	return
}
