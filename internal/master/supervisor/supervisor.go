// Package supervisor runs the cluster: it spawns one process per worker,
// respawns the ones that die and stops them all on request.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"acsui/internal/ipc"
	"acsui/pkg/model"
)

// Exit codes of Run.
const (
	ExitGraceful = 0
	ExitFailure  = 1 // startup failure or crash loop
	ExitForced   = 2 // workers had to be killed at the stop timeout
)

const (
	defaultStopTimeout  = 10 * time.Second
	defaultRespawnDelay = 2 * time.Second
	defaultCrashWindow  = time.Minute
	defaultCrashLimit   = 5
)

// ErrStopTimeout is returned by Stop when workers had to be killed.
var ErrStopTimeout = errors.New("supervisor: workers killed after stop timeout")

// Process is a running worker as seen by the supervisor.
type Process interface {
	PID() int
	Send(m ipc.Message) error
	Messages() <-chan ipc.Message
	// Done is closed once the process exited.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() model.ExitStatus
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(slot string) (Process, error)
}

type Config struct {
	Topology model.Topology

	StopTimeout  time.Duration
	RespawnDelay time.Duration
	CrashWindow  time.Duration
	CrashLimit   int
}

func (c *Config) setDefaults() {
	if c.Topology.WorkerCount <= 0 {
		c.Topology.WorkerCount = max(2, runtime.NumCPU())
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaultStopTimeout
	}
	if c.RespawnDelay <= 0 {
		c.RespawnDelay = defaultRespawnDelay
	}
	if c.CrashWindow <= 0 {
		c.CrashWindow = defaultCrashWindow
	}
	if c.CrashLimit <= 0 {
		c.CrashLimit = defaultCrashLimit
	}
}

type Supervisor struct {
	cfg     Config
	spawner Spawner
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.Mutex
	workers   map[string]Process
	stopping  bool
	lastSpawn time.Time
	crashes   crashCounter

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	abort     chan struct{}
	abortOnce sync.Once
}

func New(cfg Config, spawner Spawner, logger *zap.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		spawner: spawner,
		logger:  logger.Named("supervisor"),
		now:     time.Now,
		workers: make(map[string]Process),
		crashes: crashCounter{window: cfg.CrashWindow, limit: cfg.CrashLimit},
		stopCh:  make(chan struct{}),
		abort:   make(chan struct{}),
	}
}

// WorkerCount is the number of worker slots, after defaults.
func (s *Supervisor) WorkerCount() int { return s.cfg.Topology.WorkerCount }

// Live returns how many worker processes are currently running.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Aborted is closed when a crash loop was detected.
func (s *Supervisor) Aborted() <-chan struct{} { return s.abort }

// Start spawns every worker slot. If one cannot be spawned, those already
// started are killed.
func (s *Supervisor) Start(ctx context.Context) error {
	t := s.cfg.Topology
	s.logger.Info("starting cluster",
		zap.Int("workers", t.WorkerCount),
		zap.String("addr", t.ListenAddr()),
		zap.Bool("tls", t.TLS != nil))

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i <= t.WorkerCount; i++ {
		if err := ctx.Err(); err != nil {
			s.killAllLocked()
			return err
		}
		slot := fmt.Sprintf("worker-%d", i)
		if err := s.spawnLocked(slot); err != nil {
			s.killAllLocked()
			return fmt.Errorf("spawn %s: %w", slot, err)
		}
	}
	return nil
}

func (s *Supervisor) spawnLocked(slot string) error {
	p, err := s.spawner.Spawn(slot)
	if err != nil {
		return err
	}
	s.workers[slot] = p
	s.lastSpawn = s.now()
	s.logger.Debug("worker spawned", zap.String("slot", slot), zap.Int("pid", p.PID()))

	s.wg.Add(1)
	go s.monitor(slot, p)
	return nil
}

// monitor follows one process until it exits.
func (s *Supervisor) monitor(slot string, p Process) {
	defer s.wg.Done()

	msgsDone := make(chan struct{})
	go func() {
		defer close(msgsDone)
		for m := range p.Messages() {
			s.handleMessage(slot, m)
		}
	}()

	<-p.Done()
	select {
	case <-msgsDone:
	case <-time.After(100 * time.Millisecond):
	}
	st := p.ExitStatus()

	s.mu.Lock()
	if s.workers[slot] == p {
		delete(s.workers, slot)
	}
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		s.logger.Info("worker exited", zap.String("slot", slot), zap.Int("pid", p.PID()), zap.Int("code", st.Code))
		return
	}

	s.logger.Warn("worker died",
		zap.String("slot", slot),
		zap.Int("pid", p.PID()),
		zap.Int("code", st.Code),
		zap.String("signal", st.Signal))
	if s.recordCrash() {
		return
	}
	s.wg.Add(1)
	go s.respawn(slot)
}

func (s *Supervisor) handleMessage(slot string, m ipc.Message) {
	switch m.Type {
	case ipc.MsgListening:
		t := s.cfg.Topology
		if m.Address == t.Address && (t.Port == 0 || m.Port == t.Port) {
			s.logger.Info("worker listening", zap.String("slot", slot), zap.Int("pid", m.PID), zap.Int("port", m.Port))
		} else {
			s.logger.Warn("worker listening on unexpected address",
				zap.String("slot", slot), zap.String("address", m.Address), zap.Int("port", m.Port))
		}
	case ipc.MsgDisconnecting:
		s.logger.Debug("worker disconnecting", zap.String("slot", slot), zap.Int("pid", m.PID))
	default:
		s.logger.Debug("unexpected message", zap.String("slot", slot), zap.String("type", string(m.Type)))
	}
}

// recordCrash counts a crash and trips the breaker on a crash loop.
func (s *Supervisor) recordCrash() bool {
	s.mu.Lock()
	tripped := s.crashes.record(s.now())
	s.mu.Unlock()

	if tripped {
		s.abortOnce.Do(func() {
			s.logger.Error("workers are crashing in a loop, giving up",
				zap.Duration("window", s.cfg.CrashWindow), zap.Int("limit", s.cfg.CrashLimit))
			close(s.abort)
		})
	}
	return tripped
}

// respawn restarts slot, at most one spawn per RespawnDelay across the cluster.
func (s *Supervisor) respawn(slot string) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		wait := s.cfg.RespawnDelay - s.now().Sub(s.lastSpawn)
		// claim the next spawn slot so concurrent respawns queue up
		s.lastSpawn = s.now().Add(max(wait, 0))
		s.mu.Unlock()

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-s.stopCh:
				return
			case <-s.abort:
				return
			}
		}

		s.mu.Lock()
		if s.stopping {
			s.mu.Unlock()
			return
		}
		err := s.spawnLocked(slot)
		s.mu.Unlock()
		if err == nil {
			s.logger.Info("worker respawned", zap.String("slot", slot))
			return
		}

		s.logger.Error("respawn failed", zap.String("slot", slot), zap.Error(err))
		if s.recordCrash() {
			return
		}
	}
}

// Stop disables respawning and asks every worker to disconnect. Workers
// still running after StopTimeout (or when ctx ends) are killed and
// ErrStopTimeout is returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	live := make(map[string]Process, len(s.workers))
	for slot, p := range s.workers {
		live[slot] = p
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.logger.Info("stopping cluster", zap.Int("workers", len(live)))
	for slot, p := range live {
		if err := p.Send(ipc.Message{Type: ipc.MsgDisconnect}); err != nil && !errors.Is(err, ipc.ErrDisconnected) {
			s.logger.Warn("failed to notify worker", zap.String("slot", slot), zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	defer cancel()

	var err error
	for slot, p := range live {
		select {
		case <-p.Done():
			continue
		default:
		}
		select {
		case <-p.Done():
		case <-ctx.Done():
			s.logger.Warn("worker did not exit in time, killing", zap.String("slot", slot), zap.Int("pid", p.PID()))
			if kerr := p.Kill(); kerr != nil {
				s.logger.Error("kill worker", zap.String("slot", slot), zap.Error(kerr))
			}
			err = ErrStopTimeout
		}
	}
	s.wg.Wait()
	return err
}

// halt kills every worker without asking.
func (s *Supervisor) halt() {
	s.mu.Lock()
	s.stopping = true
	s.killAllLocked()
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Supervisor) killAllLocked() {
	s.stopping = true
	for slot, p := range s.workers {
		if err := p.Kill(); err != nil {
			s.logger.Warn("kill worker", zap.String("slot", slot), zap.Error(err))
		}
	}
}

// Run starts the cluster and keeps it up until ctx ends or the workers
// crash in a loop. It returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	if err := s.Start(ctx); err != nil {
		s.logger.Error("failed to start cluster", zap.Error(err))
		s.halt()
		return ExitFailure
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown requested")
	case <-s.abort:
		s.halt()
		return ExitFailure
	}

	if err := s.Stop(context.Background()); err != nil {
		s.logger.Error("cluster stopped uncleanly", zap.Error(err))
		return ExitForced
	}
	s.logger.Info("cluster stopped")
	return ExitGraceful
}
