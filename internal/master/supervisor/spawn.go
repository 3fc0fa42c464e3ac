package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"acsui/internal/ipc"
	"acsui/pkg/model"
)

// ExecSpawner starts workers by re-executing a binary with the worker id in
// its environment and two extra pipes for ipc (fd 3 in, fd 4 out).
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Logger *zap.Logger
}

// NewExecSpawner re-executes the running binary.
func NewExecSpawner(logger *zap.Logger) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{Path: path, Args: os.Args[1:], Logger: logger}, nil
}

func (e *ExecSpawner) Spawn(slot string) (Process, error) {
	// supervisor -> worker
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	// worker -> supervisor
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		toChildR.Close()
		toChildW.Close()
		return nil, err
	}

	cmd := exec.Command(e.Path, e.Args...)
	cmd.Env = append(append(os.Environ(), e.Env...), ipc.EnvWorkerID+"="+slot)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}

	err = cmd.Start()
	// the child holds its own copies now
	toChildR.Close()
	fromChildW.Close()
	if err != nil {
		toChildW.Close()
		fromChildR.Close()
		return nil, err
	}

	p := &execProcess{
		cmd:  cmd,
		conn: ipc.NewConn(fromChildR, toChildW),
		done: make(chan struct{}),
	}
	go p.wait(e.Logger)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	conn   *ipc.Conn
	status model.ExitStatus
	done   chan struct{}
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Send(m ipc.Message) error { return p.conn.Send(m) }

func (p *execProcess) Messages() <-chan ipc.Message { return p.conn.Messages() }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitStatus() model.ExitStatus { return p.status }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) wait(logger *zap.Logger) {
	defer close(p.done)

	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && logger != nil {
		logger.Warn("wait for worker", zap.Int("pid", p.PID()), zap.Error(err))
	}

	if st := p.cmd.ProcessState; st != nil {
		p.status.Code = st.ExitCode()
		if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			p.status.Signal = ws.Signal().String()
		}
	}
	// let the reader pick up what the worker wrote before exiting
	select {
	case <-p.conn.Drained():
	case <-time.After(time.Second):
	}
	_ = p.conn.Close()
}
