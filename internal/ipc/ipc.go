// Package ipc carries supervisor/worker messages as JSON lines over a pair
// of pipes inherited by the worker process.
package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
)

const (
	// EnvWorkerID marks a process as a worker and names its slot.
	EnvWorkerID = "ACSUI_WORKER_ID"

	// Worker side file descriptors of the inherited pipes.
	childReadFD  = 3
	childWriteFD = 4
)

// ErrDisconnected means the other end of the channel is gone. It is expected
// while the supervisor tears down and callers swallow it.
var ErrDisconnected = errors.New("ipc: channel disconnected")

// MessageType enumerates the messages exchanged.
type MessageType string

const (
	MsgDisconnect    MessageType = "disconnect"    // supervisor -> worker: stop intent
	MsgListening     MessageType = "listening"     // worker -> supervisor: listener bound
	MsgDisconnecting MessageType = "disconnecting" // worker -> supervisor: shutting down
)

type Message struct {
	Type    MessageType `json:"type"`
	PID     int         `json:"pid,omitempty"`
	Address string      `json:"address,omitempty"`
	Port    int         `json:"port,omitempty"`
}

// Conn is one end of the channel. Send is safe for concurrent use; incoming
// messages arrive on Messages, which is closed when the peer goes away.
type Conn struct {
	r io.ReadCloser
	w io.WriteCloser

	wmu    sync.Mutex
	enc    *json.Encoder
	closed bool

	in        chan Message
	drained   chan struct{}
	closeOnce sync.Once
}

// NewConn starts reading from r. Closing the Conn closes both r and w.
func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	c := &Conn{
		r:       r,
		w:       w,
		enc:     json.NewEncoder(w),
		in:      make(chan Message, 16),
		drained: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// FromInheritedFiles opens the worker end set up by the supervisor's spawner.
func FromInheritedFiles() *Conn {
	// processes the worker starts must not hold the channel open
	closeOnExec(childReadFD)
	closeOnExec(childWriteFD)
	return NewConn(
		os.NewFile(childReadFD, "ipc-in"),
		os.NewFile(childWriteFD, "ipc-out"),
	)
}

func (c *Conn) readLoop() {
	defer close(c.drained)
	defer close(c.in)

	sc := bufio.NewScanner(c.r)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			continue
		}
		c.in <- m
	}
}

// Messages yields incoming messages until the peer disconnects.
func (c *Conn) Messages() <-chan Message { return c.in }

// Drained is closed once the peer closed its end and every message it sent
// was handed to Messages.
func (c *Conn) Drained() <-chan struct{} { return c.drained }

// Send writes one message. Any failure caused by a vanished peer is
// reported as ErrDisconnected.
func (c *Conn) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed {
		return ErrDisconnected
	}
	if err := c.enc.Encode(m); err != nil {
		if isDisconnect(err) {
			return ErrDisconnected
		}
		return err
	}
	return nil
}

// Close shuts both directions. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		c.closed = true
		c.wmu.Unlock()
		err = errors.Join(c.w.Close(), c.r.Close())
	})
	return err
}

func isDisconnect(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
