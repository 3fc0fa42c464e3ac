package supervisor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"acsui/internal/ipc"
	"acsui/pkg/model"
)

type fakeProcess struct {
	pid  int
	slot string
	// stubborn processes ignore disconnect and only die when killed
	stubborn bool

	msgs chan ipc.Message
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	status model.ExitStatus
	sent   []ipc.Message
	kills  atomic.Int32
}

func (p *fakeProcess) PID() int                     { return p.pid }
func (p *fakeProcess) Messages() <-chan ipc.Message { return p.msgs }
func (p *fakeProcess) Done() <-chan struct{}        { return p.done }

func (p *fakeProcess) ExitStatus() model.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) Send(m ipc.Message) error {
	select {
	case <-p.done:
		return ipc.ErrDisconnected
	default:
	}
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.mu.Unlock()
	if m.Type == ipc.MsgDisconnect && !p.stubborn {
		p.exit(model.ExitStatus{Code: 0})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.exit(model.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (p *fakeProcess) exit(st model.ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()
		close(p.msgs)
		close(p.done)
	})
}

type fakeSpawner struct {
	stubborn bool
	// failAt makes the nth spawn (1-based) fail
	failAt int
	// crash makes every process die right after it is spawned
	crash bool

	mu    sync.Mutex
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(slot string) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.procs)+1 == s.failAt {
		return nil, errors.New("fork/exec: resource temporarily unavailable")
	}
	p := &fakeProcess{
		pid:      1000 + len(s.procs),
		slot:     slot,
		stubborn: s.stubborn,
		msgs:     make(chan ipc.Message, 4),
		done:     make(chan struct{}),
	}
	s.procs = append(s.procs, p)
	if s.crash {
		go p.exit(model.ExitStatus{Code: 1})
	}
	return p, nil
}

func (s *fakeSpawner) all() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*fakeProcess(nil), s.procs...)
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func testConfig(workers int) Config {
	return Config{
		Topology:     model.Topology{WorkerCount: workers, Address: "0.0.0.0", Port: 3000},
		StopTimeout:  time.Second,
		RespawnDelay: 10 * time.Millisecond,
	}
}

func TestDefaultWorkerCount(t *testing.T) {
	s := New(testConfig(0), &fakeSpawner{}, nil)
	assert.Equal(t, max(2, runtime.NumCPU()), s.WorkerCount())
}

func TestStartSpawnsEverySlot(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(testConfig(3), sp, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 3, s.Live())

	var slots []string
	for _, p := range sp.all() {
		slots = append(slots, p.slot)
	}
	assert.ElementsMatch(t, []string{"worker-1", "worker-2", "worker-3"}, slots)

	require.NoError(t, s.Stop(context.Background()))
}

func TestStartFailureKillsStarted(t *testing.T) {
	sp := &fakeSpawner{failAt: 3}
	s := New(testConfig(4), sp, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	for _, p := range sp.all() {
		assert.EqualValues(t, 1, p.kills.Load(), p.slot)
	}
}

func TestStopBroadcastsDisconnect(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(testConfig(2), sp, nil)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 0, s.Live())
	for _, p := range sp.all() {
		require.Len(t, p.sent, 1)
		assert.Equal(t, ipc.MsgDisconnect, p.sent[0].Type)
		assert.EqualValues(t, 0, p.kills.Load())
	}
	// nothing is respawned after a stop
	assert.Equal(t, 2, sp.count())
}

func TestStopKillsAfterTimeout(t *testing.T) {
	sp := &fakeSpawner{stubborn: true}
	cfg := testConfig(2)
	cfg.StopTimeout = 50 * time.Millisecond
	s := New(cfg, sp, nil)
	require.NoError(t, s.Start(context.Background()))

	start := time.Now()
	err := s.Stop(context.Background())
	assert.ErrorIs(t, err, ErrStopTimeout)
	assert.Less(t, time.Since(start), time.Second)
	for _, p := range sp.all() {
		assert.EqualValues(t, 1, p.kills.Load())
	}
	assert.Equal(t, 2, sp.count())
}

func TestDeadWorkerIsRespawned(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sp := &fakeSpawner{}
	s := New(testConfig(2), sp, zap.New(core))
	require.NoError(t, s.Start(context.Background()))

	victim := sp.all()[0]
	victim.exit(model.ExitStatus{Code: 1})

	require.Eventually(t, func() bool { return sp.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Live() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, victim.slot, sp.all()[2].slot)

	died := logs.FilterMessage("worker died").All()
	require.Len(t, died, 1)
	assert.EqualValues(t, 1, died[0].ContextMap()["code"])

	require.NoError(t, s.Stop(context.Background()))
}

func TestListeningMessageLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sp := &fakeSpawner{}
	s := New(testConfig(1), sp, zap.New(core))
	require.NoError(t, s.Start(context.Background()))

	sp.all()[0].msgs <- ipc.Message{Type: ipc.MsgListening, PID: 1000, Address: "0.0.0.0", Port: 3000}
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("worker listening").Len() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sp := &fakeSpawner{}
	s := New(testConfig(2), sp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan int, 1)
	go func() { res <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Live() == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case code := <-res:
		assert.Equal(t, ExitGraceful, code)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestRunStartFailure(t *testing.T) {
	s := New(testConfig(2), &fakeSpawner{failAt: 1}, nil)
	assert.Equal(t, ExitFailure, s.Run(context.Background()))
}

func TestRunGivesUpOnCrashLoop(t *testing.T) {
	sp := &fakeSpawner{crash: true}
	cfg := testConfig(2)
	cfg.RespawnDelay = time.Millisecond
	cfg.CrashWindow = 20 * time.Millisecond
	cfg.CrashLimit = 1
	s := New(cfg, sp, nil)

	res := make(chan int, 1)
	go func() { res <- s.Run(context.Background()) }()

	select {
	case code := <-res:
		assert.Equal(t, ExitFailure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("crash loop was not detected")
	}
	select {
	case <-s.Aborted():
	default:
		t.Fatal("abort not signalled")
	}
	assert.Equal(t, 0, s.Live())
}
