package orchestrator

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TaskError reports a failed detached task.
type TaskError struct {
	Name string
	Err  error
}

// Tasks runs fire-and-forget work off the caller's path. Failures are
// delivered on Errors instead of being lost; when nobody drains the channel
// and it is full, further failures are only logged.
type Tasks struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan TaskError
	log    zerolog.Logger
}

func NewTasks(buffer int, log zerolog.Logger) *Tasks {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tasks{
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan TaskError, buffer),
		log:    log,
	}
}

// Go submits fn and returns immediately.
func (t *Tasks) Go(name string, fn func(context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := fn(t.ctx); err != nil {
			select {
			case t.errs <- TaskError{Name: name, Err: err}:
			default:
				t.log.Error().Err(err).Str("task", name).Msg("detached task failed, error channel full")
			}
		}
	}()
}

func (t *Tasks) Errors() <-chan TaskError { return t.errs }

// Wait blocks until every submitted task has returned.
func (t *Tasks) Wait() { t.wg.Wait() }

// Close cancels running tasks and waits for them.
func (t *Tasks) Close() {
	t.cancel()
	t.wg.Wait()
}
