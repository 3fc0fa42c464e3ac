package store

import (
	"context"
	"errors"

	"acsui/pkg/model"
)

var (
	// ErrNotConnected is returned by store operations issued before Connect or after Disconnect.
	ErrNotConnected = errors.New("store: not connected")
	// ErrNotFound is returned when a requested key does not exist.
	ErrNotFound = errors.New("store: not found")
)

// WorkerEventType tells what happened to a registry entry.
type WorkerEventType int

const (
	WorkerUpdate WorkerEventType = iota
	WorkerDelete
)

// WorkerEvent wraps a change observed in the registry.
type WorkerEvent struct {
	Type   WorkerEventType
	Key    string
	Worker *model.WorkerInfo // nil for deletes
}

// Registry is what the cluster needs from the registry store. Workers
// register while serving, operators list and watch them, and extension
// output is kept next to them.
type Registry interface {
	// RegisterWorker stores or refreshes a worker record under the registry lease.
	RegisterWorker(ctx context.Context, w *model.WorkerInfo) error

	// DeregisterWorker removes a worker record.
	DeregisterWorker(ctx context.Context, id string) error

	// ListWorkers returns a snapshot of registered workers.
	ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error)

	// WatchWorkers streams registry changes until ctx is cancelled.
	WatchWorkers(ctx context.Context) <-chan WorkerEvent

	SaveTaskLog(ctx context.Context, taskID string, logs string) error
	GetTaskLog(ctx context.Context, taskID string) (string, error)
}
