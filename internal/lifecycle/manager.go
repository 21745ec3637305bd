package lifecycle

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
)

type job struct {
	name string
	fn   func(context.Context) error
}

// Manager runs the process's long-lived jobs until the first failure or a
// shutdown signal, then runs the cleanup jobs in registration order.
type Manager struct {
	mu       sync.Mutex
	runners  []job
	cleanups []job
}

func NewManager() *Manager {
	return &Manager{}
}

// AddRun registers a blocking job. It should return when its context is
// cancelled; a non-nil error from any run job stops all of them.
func (m *Manager) AddRun(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.runners = append(m.runners, job{name: name, fn: fn})
	m.mu.Unlock()
}

// AddShutdown registers a cleanup job executed after all run jobs have
// returned, regardless of how they ended.
func (m *Manager) AddShutdown(name string, fn func(context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.cleanups = append(m.cleanups, job{name: name, fn: fn})
	m.mu.Unlock()
}

// StartAndWait launches every run job, blocks until the parent context is
// cancelled, a listed signal arrives, or a job fails, then drains the run
// jobs and executes the cleanups. Context cancellation is not an error.
func (m *Manager) StartAndWait(parent context.Context, sig ...os.Signal) error {
	ctx := parent
	if len(sig) > 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(parent, sig...)
		defer stop()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	runners := append([]job(nil), m.runners...)
	cleanups := append([]job(nil), m.cleanups...)
	m.mu.Unlock()

	errCh := make(chan error, len(runners))
	var wg sync.WaitGroup
	for _, j := range runners {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			if err := j.fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				cancel()
			}
		}(j)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		cancel()
	case runErr = <-errCh:
		cancel()
	case <-allDone:
	}
	<-allDone

	var cleanupErr error
	for _, j := range cleanups {
		if err := j.fn(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			cleanupErr = errors.Join(cleanupErr, err)
		}
	}
	return errors.Join(runErr, cleanupErr)
}
