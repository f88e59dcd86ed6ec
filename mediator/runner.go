package mediator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	berr "github.com/next-trace/scg-mediator/contract/errors"
)

// Runner hosts a Launcher in the background for a process lifecycle.
type Runner struct {
	launcher *Launcher
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	err     error
	done    chan struct{}
}

// NewRunner wraps l.
func NewRunner(l *Launcher) *Runner {
	return &Runner{launcher: l, logger: l.logger, done: make(chan struct{})}
}

// Start runs the launcher in the background until ctx is cancelled or Stop is called.
// Run failures are reported by Err and Stop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return berr.ErrAlreadyStarted
	}

	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.InfoContext(ctx, "starting mediator")

	go func() {
		defer close(r.done)

		err := r.launcher.Run(runCtx)

		r.mu.Lock()
		r.err = err
		r.mu.Unlock()

		if err != nil {
			r.logger.ErrorContext(runCtx, "mediator run failed", "err", err)
		}
	}()

	return nil
}

// Stop cancels the run and waits for it up to timeout. It returns the run error, or
// ErrStopTimeout when the run is still draining after timeout.
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	started, cancel := r.started, r.cancel
	r.mu.Unlock()

	if !started {
		return nil
	}

	r.logger.Info("stopping mediator", "timeout", timeout)
	cancel()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-r.done:
		return r.Err()
	case <-t.C:
		r.logger.Warn("mediator did not stop in time", "timeout", timeout)
		return berr.ErrStopTimeout
	}
}

// Done is closed once the run has finished.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Err returns the run error once Done is closed, nil before.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}
