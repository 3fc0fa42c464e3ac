package extension

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"acsui/pkg/model"
)

const maxOutput = 64 << 10

// ProcessBackend runs each extension as a local child process. Bare
// command names are looked up in Dir first.
type ProcessBackend struct {
	Dir    string
	Logger *zap.Logger
}

func (b *ProcessBackend) Launch(_ context.Context, spec model.TaskSpec) (Task, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}

	// the child must outlive the launch request, so it is not bound to ctx
	cmd := exec.Command(b.resolve(spec.Command[0]), spec.Command[1:]...)
	cmd.Dir = b.Dir
	cmd.Env = append(os.Environ(), spec.Envs...)
	// orphaned grandchildren must not keep Wait blocked on the output pipe
	cmd.WaitDelay = time.Second

	t := &processTask{
		id:   uuid.NewString(),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	cmd.Stdout = &t.out
	cmd.Stderr = &t.out

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("process started", zap.String("task", t.id), zap.Int("pid", cmd.Process.Pid))

	go func() {
		defer close(t.done)
		err := cmd.Wait()
		logger.Debug("process exited", zap.String("task", t.id), zap.Error(err))
	}()
	return t, nil
}

func (b *ProcessBackend) resolve(name string) string {
	if b.Dir == "" || strings.ContainsRune(name, os.PathSeparator) {
		return name
	}
	p := filepath.Join(b.Dir, name)
	if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
		return p
	}
	return name
}

type processTask struct {
	id   string
	cmd  *exec.Cmd
	out  limitedBuffer
	done chan struct{}
}

func (t *processTask) ID() string { return t.id }

func (t *processTask) Stop() error { return t.signal(syscall.SIGTERM) }

func (t *processTask) Kill() error { return t.signal(os.Kill) }

func (t *processTask) signal(sig os.Signal) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	err := t.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (t *processTask) Done() <-chan struct{} { return t.done }

func (t *processTask) Output() string { return t.out.String() }

// limitedBuffer keeps the first maxOutput bytes written and drops the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if room := maxOutput - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}
