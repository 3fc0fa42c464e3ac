//go:build unix

package supervisor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acsui/internal/ipc"
)

// TestMain doubles as a minimal worker when re-executed by ExecSpawner.
func TestMain(m *testing.M) {
	if os.Getenv(ipc.EnvWorkerID) != "" {
		os.Exit(helperWorker())
	}
	os.Exit(m.Run())
}

func helperWorker() int {
	conn := ipc.FromInheritedFiles()
	msg := ipc.Message{Type: ipc.MsgListening, PID: os.Getpid(), Address: "127.0.0.1", Port: 3000}
	if err := conn.Send(msg); err != nil {
		return 3
	}
	for m := range conn.Messages() {
		if m.Type == ipc.MsgDisconnect {
			_ = conn.Send(ipc.Message{Type: ipc.MsgDisconnecting, PID: os.Getpid()})
			return 0
		}
	}
	return 4
}

func recv(t *testing.T, p Process) ipc.Message {
	t.Helper()
	select {
	case m, ok := <-p.Messages():
		require.True(t, ok, "channel closed")
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return ipc.Message{}
	}
}

func TestExecSpawnerRoundTrip(t *testing.T) {
	sp := &ExecSpawner{Path: os.Args[0], Args: []string{"-test.run=^$"}}
	p, err := sp.Spawn("worker-1")
	require.NoError(t, err)

	m := recv(t, p)
	assert.Equal(t, ipc.MsgListening, m.Type)
	assert.Equal(t, p.PID(), m.PID)

	require.NoError(t, p.Send(ipc.Message{Type: ipc.MsgDisconnect}))
	assert.Equal(t, ipc.MsgDisconnecting, recv(t, p).Type)

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.True(t, p.ExitStatus().Success())
}

func TestExecSpawnerKill(t *testing.T) {
	sp := &ExecSpawner{Path: os.Args[0], Args: []string{"-test.run=^$"}}
	p, err := sp.Spawn("worker-2")
	require.NoError(t, err)
	recv(t, p)

	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
	st := p.ExitStatus()
	assert.False(t, st.Success())
	assert.Equal(t, "killed", st.Signal)
	assert.NoError(t, p.Kill())
}
