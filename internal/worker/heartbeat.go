package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// heartbeat keeps the worker's registry record fresh until ctx ends. The
// returned channel closes when the loop has exited.
func (w *Worker) heartbeat(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if w.registry == nil {
		close(done)
		return done
	}

	w.Go("heartbeat", func() {
		defer close(done)

		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		w.register(ctx)
		for {
			select {
			case <-ticker.C:
				w.register(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
	return done
}

func (w *Worker) register(ctx context.Context) {
	info := w.snapshot()
	info.LastHeartbeat = time.Now().Unix()

	if err := w.registry.RegisterWorker(ctx, &info); err != nil && ctx.Err() == nil {
		// registry outages do not stop serving
		w.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

func (w *Worker) deregister(ctx context.Context) {
	if w.registry == nil {
		return
	}
	if err := w.registry.DeregisterWorker(ctx, w.info.ID); err != nil {
		w.logger.Warn("deregister failed", zap.Error(err))
		return
	}
	w.logger.Info("deregistered from registry")
}
