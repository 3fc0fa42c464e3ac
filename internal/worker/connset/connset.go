// Package connset groups the backing connections a worker needs before it
// can serve: they are connected together and released together.
package connset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrConnect is matched by every ConnectAll failure.
var ErrConnect = errors.New("connect failure")

// Member is one named backing handle.
type Member interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Pinger is implemented by members that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectError names the member that failed first.
type ConnectError struct {
	Member string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect failure: %s: %v", e.Member, e.Err)
}

func (e *ConnectError) Unwrap() []error { return []error{ErrConnect, e.Err} }

type slot struct {
	member Member

	mu       sync.Mutex
	released bool
}

// Set is a fixed list of members.
type Set struct {
	slots  []*slot
	logger *zap.Logger
}

// New builds a set over members. The list cannot change afterwards.
func New(logger *zap.Logger, members ...Member) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{logger: logger.Named("connset")}
	for _, m := range members {
		s.slots = append(s.slots, &slot{member: m})
	}
	return s
}

// Names lists member names in declaration order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.slots))
	for _, sl := range s.slots {
		names = append(names, sl.member.Name())
	}
	return names
}

// ConnectAll connects every member concurrently. It succeeds only if all of
// them do; otherwise it returns the first *ConnectError after releasing the
// members that did connect, so the set is never left half connected.
func (s *Set) ConnectAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	connected := make([]bool, len(s.slots))

	for i, sl := range s.slots {
		g.Go(func() error {
			if err := sl.member.Connect(gctx); err != nil {
				return &ConnectError{Member: sl.member.Name(), Err: err}
			}
			connected[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.rollback(ctx, connected)
		return err
	}

	for _, sl := range s.slots {
		sl.mu.Lock()
		sl.released = false
		sl.mu.Unlock()
	}
	s.logger.Info("all connections established", zap.Strings("members", s.Names()))
	return nil
}

func (s *Set) rollback(ctx context.Context, connected []bool) {
	var wg sync.WaitGroup
	for i, sl := range s.slots {
		if !connected[i] {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sl.member.Disconnect(ctx); err != nil {
				s.logger.Warn("rollback disconnect failed", zap.String("member", sl.member.Name()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// DisconnectAll releases every member concurrently. A failure does not stop
// the others from being attempted; all errors are combined. A member that
// already reported a successful release is skipped on later calls.
func (s *Set) DisconnectAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)

	for _, sl := range s.slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sl.release(ctx); err != nil {
				s.logger.Error("disconnect failed", zap.String("member", sl.member.Name()), zap.Error(err))
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("disconnect %s: %w", sl.member.Name(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

func (sl *slot) release(ctx context.Context) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.released {
		return nil
	}
	if err := sl.member.Disconnect(ctx); err != nil {
		return err
	}
	sl.released = true
	return nil
}

// Ping probes every member that implements Pinger. Members without a probe
// are reported with a nil error.
func (s *Set) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(s.slots))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, sl := range s.slots {
		name := sl.member.Name()
		p, ok := sl.member.(Pinger)
		if !ok {
			mu.Lock()
			out[name] = nil
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Ping(ctx)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}
