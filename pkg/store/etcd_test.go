package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"acsui/pkg/model"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "/acsui/workers/abc", WorkerKey("abc"))
	assert.Equal(t, "/acsui/logs/task-1", TaskLogKey("task-1"))
}

func TestEtcdRegistryOptions(t *testing.T) {
	e := NewEtcdRegistry([]string{"localhost:2379"}, WithDialTimeout(time.Second), WithLeaseTTL(30))
	assert.Equal(t, time.Second, e.dialTimeout)
	assert.Equal(t, int64(30), e.leaseTTL)
	assert.Equal(t, "registry", e.Name())
}

func TestEtcdRegistryRequiresConnect(t *testing.T) {
	e := NewEtcdRegistry([]string{"localhost:2379"})
	ctx := context.Background()

	assert.ErrorIs(t, e.RegisterWorker(ctx, &model.WorkerInfo{ID: "w"}), ErrNotConnected)
	assert.ErrorIs(t, e.DeregisterWorker(ctx, "w"), ErrNotConnected)
	assert.ErrorIs(t, e.SaveTaskLog(ctx, "t", "out"), ErrNotConnected)
	assert.ErrorIs(t, e.Ping(ctx), ErrNotConnected)

	_, err := e.ListWorkers(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = e.GetTaskLog(ctx, "t")
	assert.ErrorIs(t, err, ErrNotConnected)

	// disconnecting a registry that never connected is harmless
	assert.NoError(t, e.Disconnect(ctx))
}

func TestWatchWorkersWithoutClientCloses(t *testing.T) {
	e := NewEtcdRegistry([]string{"localhost:2379"})
	_, ok := <-e.WatchWorkers(context.Background())
	assert.False(t, ok)
}

func TestDecodeWorker(t *testing.T) {
	w, err := decodeWorker([]byte(`{"id":"a","slot":"worker-1","pid":42,"port":3000,"state":1}`))
	assert.NoError(t, err)
	assert.Equal(t, "a", w.ID)
	assert.Equal(t, 42, w.PID)
	assert.Equal(t, model.WorkerServing, w.State)

	_, err = decodeWorker([]byte("{"))
	assert.Error(t, err)
}
