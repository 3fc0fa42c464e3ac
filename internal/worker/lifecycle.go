// Package worker runs one serving process of the cluster: it connects the
// backing stores, serves HTTP behind the gateway and drains on request.
package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"acsui/internal/ipc"
	"acsui/pkg/model"
)

// Process exit codes.
const (
	ExitGraceful = 0
	ExitFailure  = 1 // startup failure or fault
	ExitForced   = 2 // shutdown did not finish within the grace period
)

const (
	defaultGrace          = 5 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultKillWindow     = time.Second
	defaultHeartbeat      = 3 * time.Second
)

// Members is the set of backing connections.
type Members interface {
	ConnectAll(ctx context.Context) error
	DisconnectAll(ctx context.Context) error
}

// Extensions is the runtime supervising extension tasks.
type Extensions interface {
	TerminateAll(ctx context.Context) error
	KillAll(ctx context.Context) error
}

// Server is satisfied by *http.Server.
type Server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
	Close() error
}

// Link is the channel to the supervisor.
type Link interface {
	Send(m ipc.Message) error
	Messages() <-chan ipc.Message
}

// Registry receives the worker's record while it serves.
type Registry interface {
	RegisterWorker(ctx context.Context, w *model.WorkerInfo) error
	DeregisterWorker(ctx context.Context, id string) error
}

// ListenFunc binds the listener.
type ListenFunc func(ctx context.Context, addr string) (net.Listener, error)

type Config struct {
	Slot     string
	Topology model.Topology

	Grace             time.Duration
	ConnectTimeout    time.Duration
	KillWindow        time.Duration
	HeartbeatInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Grace <= 0 {
		c.Grace = defaultGrace
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.KillWindow <= 0 {
		c.KillWindow = defaultKillWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
}

type Option func(*Worker)

func WithLink(l Link) Option { return func(w *Worker) { w.link = l } }

func WithRegistry(r Registry) Option { return func(w *Worker) { w.registry = r } }

func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.logger = l } }

func WithListen(fn ListenFunc) Option { return func(w *Worker) { w.listen = fn } }

// Worker moves through Starting, Serving, Draining, ShuttingDown and
// Terminated exactly once, in that order; states may be skipped.
type Worker struct {
	cfg      Config
	members  Members
	ext      Extensions
	server   Server
	link     Link
	registry Registry
	listen   ListenFunc
	logger   *zap.Logger

	state  atomic.Int32
	drain  DrainFlag
	code   atomic.Int32
	stopCh chan struct{}

	mu   sync.Mutex
	info model.WorkerInfo
	addr net.Addr
}

func New(cfg Config, members Members, ext Extensions, srv Server, opts ...Option) *Worker {
	cfg.setDefaults()
	host, _ := os.Hostname()

	w := &Worker{
		cfg:     cfg,
		members: members,
		ext:     ext,
		server:  srv,
		listen:  ReusePortListen,
		logger:  zap.NewNop(),
		stopCh:  make(chan struct{}),
		info: model.WorkerInfo{
			ID:      uuid.NewString(),
			Slot:    cfg.Slot,
			PID:     os.Getpid(),
			Host:    host,
			Address: cfg.Topology.Address,
			Port:    cfg.Topology.Port,

			StartedAt: time.Now(),
		},
	}
	for _, o := range opts {
		o(w)
	}
	w.logger = w.logger.Named("worker").With(zap.String("slot", cfg.Slot), zap.String("instance", w.info.ID))
	return w
}

// State returns the current lifecycle state.
func (w *Worker) State() model.WorkerState { return model.WorkerState(w.state.Load()) }

// Draining reports whether the worker stopped taking new work.
func (w *Worker) Draining() bool { return w.drain.IsSet() }

// Addr is the bound listener address, nil before Serving.
func (w *Worker) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

// advance moves the state forward; it never moves back.
func (w *Worker) advance(to model.WorkerState) {
	for {
		cur := w.state.Load()
		if model.WorkerState(cur) >= to {
			return
		}
		if w.state.CompareAndSwap(cur, int32(to)) {
			w.logger.Info("state changed",
				zap.Stringer("from", model.WorkerState(cur)),
				zap.Stringer("to", to))
			return
		}
	}
}

// Stop asks the worker to drain and exit cleanly. Only the first trigger
// counts; later ones are logged and ignored.
func (w *Worker) Stop(reason string) {
	if !w.trigger(ExitGraceful) {
		w.logger.Info("already stopping, ignoring stop", zap.String("reason", reason))
		return
	}
	w.logger.Info("stop requested", zap.String("reason", reason), zap.Stringer("state", w.State()))
}

// ReportFault drains the worker after an unexpected error. A vanished
// supervisor channel is expected during cluster shutdown and is ignored.
func (w *Worker) ReportFault(err error) {
	if errors.Is(err, ipc.ErrDisconnected) {
		w.logger.Debug("ignoring ipc disconnect", zap.Error(err))
		return
	}
	w.logger.Error("fault trapped", zap.Error(err))
	if !w.trigger(ExitFailure) {
		w.logger.Info("already stopping, ignoring fault")
	}
}

func (w *Worker) trigger(code int) bool {
	if !w.drain.Set() {
		return false
	}
	w.code.Store(int32(code))
	close(w.stopCh)
	return true
}

// raise records a failure code even when the worker was already stopping.
func (w *Worker) raise(code int) {
	for {
		cur := w.code.Load()
		if int(cur) >= code || w.code.CompareAndSwap(cur, int32(code)) {
			return
		}
	}
}

// Go runs fn in a goroutine. A panic is reported as a fault.
func (w *Worker) Go(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("goroutine panicked", zap.String("name", name), zap.ByteString("stack", debug.Stack()))
				w.ReportFault(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()
		fn()
	}()
}

// Run drives the worker to Terminated and returns the process exit code.
// Cancelling ctx is the same as calling Stop.
func (w *Worker) Run(ctx context.Context) int {
	returned := make(chan struct{})
	defer close(returned)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop("context cancelled")
		case <-w.stopCh:
		case <-returned:
		}
	}()
	w.watchLink()

	// 1. connect everything before binding
	w.logger.Info("connecting", zap.Duration("timeout", w.cfg.ConnectTimeout))
	connCtx, cancel := context.WithTimeout(context.Background(), w.cfg.ConnectTimeout)
	err := w.members.ConnectAll(connCtx)
	cancel()
	if err != nil {
		w.logger.Error("connect failure, exiting", zap.Error(err))
		w.advance(model.WorkerTerminated)
		return ExitFailure
	}

	// 2. a stop that arrived while connecting skips serving entirely
	if w.drain.IsSet() {
		w.logger.Info("stopped while starting, not binding")
		return w.shutdown(nil)
	}

	ln, err := w.bind(ctx)
	if err != nil {
		w.logger.Error("failed to bind listener", zap.String("addr", w.cfg.Topology.ListenAddr()), zap.Error(err))
		if !w.trigger(ExitFailure) {
			w.raise(ExitFailure)
		}
		return w.shutdown(nil)
	}
	return w.serve(ln)
}

func (w *Worker) bind(ctx context.Context) (net.Listener, error) {
	ln, err := w.listen(ctx, w.cfg.Topology.ListenAddr())
	if err != nil {
		return nil, err
	}

	if t := w.cfg.Topology.TLS; t != nil {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("load tls material: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}

	w.mu.Lock()
	w.addr = ln.Addr()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		w.info.Port = tcp.Port
	}
	w.mu.Unlock()
	return ln, nil
}

func (w *Worker) serve(ln net.Listener) int {
	serveErr := make(chan error, 1)
	go func() { serveErr <- w.server.Serve(ln) }()
	w.advance(model.WorkerServing)

	info := w.snapshot()
	w.logger.Info("serving", zap.String("addr", ln.Addr().String()))
	w.notify(ipc.Message{Type: ipc.MsgListening, PID: info.PID, Address: info.Address, Port: info.Port})

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := w.heartbeat(hbCtx)

	select {
	case <-w.stopCh:
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = errors.New("server closed unexpectedly")
		}
		w.ReportFault(fmt.Errorf("listener: %w", err))
		w.raise(ExitFailure)
	}

	// 3. drain: the grace timer starts now and covers the rest of shutdown
	w.advance(model.WorkerDraining)
	graceCtx, cancelGrace := context.WithTimeout(context.Background(), w.cfg.Grace)
	defer cancelGrace()

	stopHeartbeat()
	<-hbDone
	w.deregister(graceCtx)

	if err := w.server.Shutdown(graceCtx); err != nil {
		w.logger.Warn("in-flight requests cut at grace deadline", zap.Error(err))
		return w.forced("listener did not drain in time")
	}
	w.logger.Info("listener drained")
	return w.shutdown(graceCtx)
}

// shutdown releases everything. graceCtx is nil when the worker never
// served, in which case a fresh grace period is armed here.
func (w *Worker) shutdown(graceCtx context.Context) int {
	if graceCtx == nil {
		var cancel context.CancelFunc
		graceCtx, cancel = context.WithTimeout(context.Background(), w.cfg.Grace)
		defer cancel()
	}
	w.advance(model.WorkerShuttingDown)

	done := make(chan error, 1)
	go func() { done <- w.release(graceCtx) }()

	select {
	case err := <-done:
		if err != nil {
			w.logger.Error("release failed", zap.Error(err))
			return w.forced("release failed")
		}
	case <-graceCtx.Done():
		return w.forced("grace period elapsed")
	}

	w.advance(model.WorkerTerminated)
	code := int(w.code.Load())
	w.logger.Info("shutdown complete", zap.Int("code", code))
	return code
}

// release disconnects the members, terminates extensions and tells the
// supervisor, all at once.
func (w *Worker) release(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = multierr.Append(errs, err)
		mu.Unlock()
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		collect(w.members.DisconnectAll(ctx))
	}()
	go func() {
		defer wg.Done()
		collect(w.ext.TerminateAll(ctx))
	}()
	go func() {
		defer wg.Done()
		w.notify(ipc.Message{Type: ipc.MsgDisconnecting, PID: os.Getpid()})
	}()
	wg.Wait()
	return errs
}

// forced is the last resort: kill extensions within the kill window and
// exit without waiting any further.
func (w *Worker) forced(reason string) int {
	w.logger.Warn("forcing exit", zap.String("reason", reason), zap.Duration("kill_window", w.cfg.KillWindow))

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.KillWindow)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.ext.KillAll(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			w.logger.Error("kill extensions", zap.Error(err))
		}
	case <-ctx.Done():
		w.logger.Error("kill window elapsed")
	}
	_ = w.server.Close()

	w.advance(model.WorkerTerminated)
	return ExitForced
}

func (w *Worker) notify(m ipc.Message) {
	if w.link == nil {
		return
	}
	if err := w.link.Send(m); err != nil {
		w.ReportFault(fmt.Errorf("notify %s: %w", m.Type, err))
	}
}

// watchLink stops the worker when the supervisor asks for it or goes away.
func (w *Worker) watchLink() {
	if w.link == nil {
		return
	}
	go func() {
		for m := range w.link.Messages() {
			if m.Type == ipc.MsgDisconnect {
				w.Stop("supervisor requested disconnect")
			}
		}
		w.Stop("supervisor channel closed")
	}()
}

func (w *Worker) snapshot() model.WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.info
	info.State = w.State()
	return info
}
