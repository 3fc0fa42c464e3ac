// Package extension supervises the auxiliary tasks a worker spawns to run
// user-defined logic. Tasks are launched through a Backend (local processes
// or docker containers) and are always reaped before the worker exits.
package extension

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"acsui/pkg/model"
)

// ErrClosed is returned by Start once termination has begun.
var ErrClosed = errors.New("extension runtime: terminating")

const defaultGrace = 5 * time.Second

// Task is a running extension.
type Task interface {
	ID() string
	// Stop asks the task to exit.
	Stop() error
	// Kill forces the task to exit.
	Kill() error
	// Done is closed once the task has exited.
	Done() <-chan struct{}
}

// Backend launches tasks.
type Backend interface {
	Launch(ctx context.Context, spec model.TaskSpec) (Task, error)
}

// LogSink receives output captured from finished tasks.
type LogSink interface {
	SaveTaskLog(ctx context.Context, taskID string, logs string) error
}

type tracked struct {
	task     Task
	name     string
	stopOnce sync.Once
	killOnce sync.Once
	stopErr  error
	killErr  error
}

func (t *tracked) stop() error {
	t.stopOnce.Do(func() { t.stopErr = t.task.Stop() })
	return t.stopErr
}

func (t *tracked) kill() error {
	t.killOnce.Do(func() { t.killErr = t.task.Kill() })
	return t.killErr
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithGrace sets how long TerminateAll waits after asking tasks to stop
// before killing them.
func WithGrace(d time.Duration) Option {
	return func(r *Runtime) { r.grace = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithLogSink stores the captured output of finished tasks that expose it.
func WithLogSink(s LogSink) Option {
	return func(r *Runtime) { r.sink = s }
}

// outputter is implemented by tasks that capture their output.
type outputter interface {
	Output() string
}

// Runtime tracks every task started through it until the task exits.
type Runtime struct {
	backend Backend
	grace   time.Duration
	logger  *zap.Logger
	sink    LogSink

	mu      sync.Mutex
	tasks   map[string]*tracked
	closing bool
}

func NewRuntime(backend Backend, opts ...Option) *Runtime {
	r := &Runtime{
		backend: backend,
		grace:   defaultGrace,
		logger:  zap.NewNop(),
		tasks:   make(map[string]*tracked),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.Named("extension")
	return r
}

// Start launches spec and tracks the task until it exits.
func (r *Runtime) Start(ctx context.Context, spec model.TaskSpec) (Task, error) {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	task, err := r.backend.Launch(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("launch extension %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	if r.closing {
		// lost the race against TerminateAll; do not leave it running
		r.mu.Unlock()
		_ = task.Kill()
		return nil, ErrClosed
	}
	r.tasks[task.ID()] = &tracked{task: task, name: spec.Name}
	r.mu.Unlock()

	r.logger.Info("extension started", zap.String("task", task.ID()), zap.String("name", spec.Name))

	go func() {
		<-task.Done()
		r.mu.Lock()
		delete(r.tasks, task.ID())
		r.mu.Unlock()
		r.logger.Debug("extension exited", zap.String("task", task.ID()))
		r.saveOutput(task)
	}()

	return task, nil
}

func (r *Runtime) saveOutput(task Task) {
	o, ok := task.(outputter)
	if !ok || r.sink == nil {
		return
	}
	out := o.Output()
	if out == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sink.SaveTaskLog(ctx, task.ID(), out); err != nil {
		r.logger.Warn("failed to save extension output", zap.String("task", task.ID()), zap.Error(err))
	}
}

// Len reports how many tasks are still tracked.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Runtime) snapshot() []*tracked {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closing = true
	out := make([]*tracked, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// TerminateAll asks every tracked task to stop, kills those still running
// after the grace period and returns once all of them exited. When ctx has
// a deadline the kill comes early enough to leave a fifth of the remaining
// time for the tasks to die. Concurrent callers share the same tasks: each
// task gets at most one stop and one kill, and every caller waits on the
// same exit.
func (r *Runtime) TerminateAll(ctx context.Context) error {
	tasks := r.snapshot()
	if len(tasks) == 0 {
		return nil
	}
	grace := r.grace
	if deadline, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(deadline)*4/5)
	}
	r.logger.Info("terminating extensions", zap.Int("count", len(tasks)), zap.Duration("grace", grace))

	return r.each(tasks, func(t *tracked) error {
		var errs error
		if err := t.stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", t.task.ID(), err))
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-t.task.Done():
			return errs
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		case <-timer.C:
		}

		r.logger.Warn("extension did not stop in time, killing", zap.String("task", t.task.ID()), zap.String("name", t.name))
		if err := t.kill(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kill %s: %w", t.task.ID(), err))
		}

		select {
		case <-t.task.Done():
			return errs
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	})
}

// KillAll kills every tracked task without a grace period and waits for
// them to exit, bounded by ctx.
func (r *Runtime) KillAll(ctx context.Context) error {
	tasks := r.snapshot()
	if len(tasks) == 0 {
		return nil
	}
	r.logger.Warn("killing extensions", zap.Int("count", len(tasks)))

	return r.each(tasks, func(t *tracked) error {
		killed := make(chan error, 1)
		go func() { killed <- t.kill() }()

		var errs error
		select {
		case err := <-killed:
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("kill %s: %w", t.task.ID(), err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-t.task.Done():
			return errs
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		}
	})
}

func (r *Runtime) each(tasks []*tracked, fn func(*tracked) error) error {
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(t); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}
