package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"acsui/pkg/model"
)

// Key prefixes used in etcd.
const (
	WorkerKeyPrefix  = "/acsui/workers/"
	TaskLogKeyPrefix = "/acsui/logs/"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultLeaseTTL    = 10 // seconds
)

// EtcdOption customizes an EtcdRegistry.
type EtcdOption func(*EtcdRegistry)

// WithDialTimeout overrides the etcd dial timeout.
func WithDialTimeout(d time.Duration) EtcdOption {
	return func(e *EtcdRegistry) { e.dialTimeout = d }
}

// WithLeaseTTL sets how long a worker record survives without a heartbeat.
func WithLeaseTTL(seconds int64) EtcdOption {
	return func(e *EtcdRegistry) { e.leaseTTL = seconds }
}

// WithEtcdLogger sets the logger.
func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(e *EtcdRegistry) { e.logger = l }
}

// EtcdRegistry is the cluster registry backed by etcd. It is one of the
// worker's connection set members, named "registry".
type EtcdRegistry struct {
	endpoints   []string
	dialTimeout time.Duration
	leaseTTL    int64
	logger      *zap.Logger

	mu      sync.RWMutex
	client  *clientv3.Client
	leaseID clientv3.LeaseID
}

var _ Registry = (*EtcdRegistry)(nil)

// NewEtcdRegistry builds a registry for endpoints. Nothing is dialed until Connect.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) *EtcdRegistry {
	e := &EtcdRegistry{
		endpoints:   endpoints,
		dialTimeout: defaultDialTimeout,
		leaseTTL:    defaultLeaseTTL,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name implements the connection set member contract.
func (e *EtcdRegistry) Name() string { return "registry" }

// Connect dials etcd and probes it with a count-only read.
func (e *EtcdRegistry) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		return nil
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   e.endpoints,
		DialTimeout: e.dialTimeout,
		Context:     context.WithoutCancel(ctx),
	})
	if err != nil {
		return fmt.Errorf("etcd dial %s: %w", strings.Join(e.endpoints, ","), err)
	}

	// clientv3.New does not block on the connection; a read does.
	if _, err := cli.Get(ctx, WorkerKeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		_ = cli.Close()
		return fmt.Errorf("etcd probe: %w", err)
	}

	e.client = cli
	e.logger.Info("connected to etcd", zap.Strings("endpoints", e.endpoints))
	return nil
}

// Disconnect closes the client. Calling it on a closed registry is a no-op.
func (e *EtcdRegistry) Disconnect(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.leaseID = 0
	return err
}

// Ping checks that etcd still answers.
func (e *EtcdRegistry) Ping(ctx context.Context) error {
	cli, err := e.cli()
	if err != nil {
		return err
	}
	_, err = cli.Get(ctx, WorkerKeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	return err
}

func (e *EtcdRegistry) cli() (*clientv3.Client, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.client == nil {
		return nil, ErrNotConnected
	}
	return e.client, nil
}

// ---------------------------------------------------------
// Workers
// ---------------------------------------------------------

// WorkerKey returns the registry key of a worker instance.
func WorkerKey(id string) string { return WorkerKeyPrefix + id }

// TaskLogKey returns the key holding an extension task's output.
func TaskLogKey(taskID string) string { return TaskLogKeyPrefix + taskID }

// RegisterWorker puts the record under the registry lease. The lease is
// granted on first use and kept alive by every later call, so a worker that
// stops heart-beating disappears after the lease TTL.
func (e *EtcdRegistry) RegisterWorker(ctx context.Context, w *model.WorkerInfo) error {
	cli, err := e.cli()
	if err != nil {
		return err
	}

	lease, err := e.ensureLease(ctx, cli)
	if err != nil {
		return err
	}
	return e.putValue(ctx, cli, WorkerKey(w.ID), w, clientv3.WithLease(lease))
}

func (e *EtcdRegistry) ensureLease(ctx context.Context, cli *clientv3.Client) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.leaseID != 0 {
		if _, err := cli.KeepAliveOnce(ctx, e.leaseID); err == nil {
			return e.leaseID, nil
		}
		// expired or revoked, grant a new one
		e.leaseID = 0
	}

	resp, err := cli.Grant(ctx, e.leaseTTL)
	if err != nil {
		return 0, fmt.Errorf("etcd grant lease: %w", err)
	}
	e.leaseID = resp.ID
	return e.leaseID, nil
}

// DeregisterWorker deletes the worker record and revokes the lease.
func (e *EtcdRegistry) DeregisterWorker(ctx context.Context, id string) error {
	cli, err := e.cli()
	if err != nil {
		return err
	}
	if _, err := cli.Delete(ctx, WorkerKey(id)); err != nil {
		return err
	}

	e.mu.Lock()
	lease := e.leaseID
	e.leaseID = 0
	e.mu.Unlock()

	if lease != 0 {
		if _, err := cli.Revoke(ctx, lease); err != nil {
			e.logger.Warn("etcd revoke lease failed", zap.Error(err))
		}
	}
	return nil
}

func (e *EtcdRegistry) ListWorkers(ctx context.Context) ([]*model.WorkerInfo, error) {
	cli, err := e.cli()
	if err != nil {
		return nil, err
	}

	resp, err := cli.Get(ctx, WorkerKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	workers := make([]*model.WorkerInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		w, err := decodeWorker(kv.Value)
		if err != nil {
			e.logger.Warn("skipping malformed worker record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// WatchWorkers turns the etcd watch into a channel of registry events. The
// channel is closed when ctx is done or the watch ends.
func (e *EtcdRegistry) WatchWorkers(ctx context.Context) <-chan WorkerEvent {
	eventCh := make(chan WorkerEvent)

	cli, err := e.cli()
	if err != nil {
		close(eventCh)
		return eventCh
	}

	go func() {
		defer close(eventCh)

		watchCh := cli.Watch(ctx, WorkerKeyPrefix, clientv3.WithPrefix())
		for watchResp := range watchCh {
			for _, ev := range watchResp.Events {
				event := WorkerEvent{Key: string(ev.Kv.Key)}
				switch ev.Type {
				case clientv3.EventTypePut:
					w, err := decodeWorker(ev.Kv.Value)
					if err != nil {
						e.logger.Warn("failed to unmarshal worker", zap.Error(err))
						continue
					}
					event.Type = WorkerUpdate
					event.Worker = w
				case clientv3.EventTypeDelete:
					event.Type = WorkerDelete
				}

				select {
				case eventCh <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return eventCh
}

func decodeWorker(raw []byte) (*model.WorkerInfo, error) {
	var w model.WorkerInfo
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// ---------------------------------------------------------
// Task logs
// ---------------------------------------------------------

// SaveTaskLog stores captured extension output. It doubles as the
// extension runtime's log sink.
func (e *EtcdRegistry) SaveTaskLog(ctx context.Context, taskID string, logs string) error {
	cli, err := e.cli()
	if err != nil {
		return err
	}
	data := taskLog{TaskID: taskID, Content: logs}
	return e.putValue(ctx, cli, TaskLogKey(taskID), data)
}

func (e *EtcdRegistry) GetTaskLog(ctx context.Context, taskID string) (string, error) {
	cli, err := e.cli()
	if err != nil {
		return "", err
	}

	resp, err := cli.Get(ctx, TaskLogKey(taskID))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", fmt.Errorf("log for task %s: %w", taskID, ErrNotFound)
	}

	var data taskLog
	if err := json.Unmarshal(resp.Kvs[0].Value, &data); err != nil {
		return "", err
	}
	return data.Content, nil
}

type taskLog struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

// putValue JSON-encodes val and writes it under key.
func (e *EtcdRegistry) putValue(ctx context.Context, cli *clientv3.Client, key string, val any, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = cli.Put(ctx, key, string(bytes), opts...)
	return err
}
