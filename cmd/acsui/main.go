package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"acsui/internal/config"
	"acsui/internal/ipc"
	"acsui/internal/logger"
	"acsui/internal/master/supervisor"
	"acsui/internal/worker"
	"acsui/internal/worker/api"
	"acsui/internal/worker/connset"
	"acsui/internal/worker/extension"
	"acsui/internal/worker/gateway"
	"acsui/pkg/cache"
	"acsui/pkg/store"
)

var version = "dev"

func main() {
	// 1. settings
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New("acsui", version, cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	// 2. SIGINT and SIGTERM mean the same thing in both roles; repeats are
	// swallowed here and the lifecycle keeps draining
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// 3. pick the role
	var code int
	if slot := os.Getenv(ipc.EnvWorkerID); slot != "" {
		code = runWorker(ctx, cfg, slot, log.With(zap.String("role", "worker")))
	} else {
		code = runSupervisor(ctx, cfg, log.With(zap.String("role", "supervisor")))
	}

	stop()
	_ = log.Sync()
	os.Exit(code)
}

func runSupervisor(ctx context.Context, cfg config.Config, log *zap.Logger) int {
	spawner, err := supervisor.NewExecSpawner(log)
	if err != nil {
		log.Error("cannot spawn workers", zap.Error(err))
		return supervisor.ExitFailure
	}

	s := supervisor.New(supervisor.Config{
		Topology:    cfg.Topology(),
		StopTimeout: cfg.StopTimeout,
	}, spawner, log)
	return s.Run(ctx)
}

func runWorker(ctx context.Context, cfg config.Config, slot string, log *zap.Logger) int {
	link := ipc.FromInheritedFiles()
	defer link.Close()

	// 1. backing connections, connected together by the lifecycle
	db, err := store.NewMongoStore(cfg.MongoURL, log)
	if err != nil {
		log.Error("invalid mongodb url", zap.Error(err))
		return worker.ExitFailure
	}
	log.Info("ui database", zap.String("database", db.DatabaseName()))
	registry := store.NewEtcdRegistry(cfg.EtcdEndpoints, store.WithEtcdLogger(log))
	rc := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	members := connset.New(log, db, registry, rc)

	// 2. extensions
	backend, err := newBackend(cfg, log)
	if err != nil {
		log.Error("extension backend unavailable", zap.String("backend", cfg.ExtBackend), zap.Error(err))
		return worker.ExitFailure
	}
	ext := extension.NewRuntime(backend,
		extension.WithGrace(cfg.ExtGrace),
		extension.WithLogger(log),
		extension.WithLogSink(registry),
	)

	// 3. http server; the handler needs the worker for drain state and faults
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}
	w := worker.New(worker.Config{
		Slot:     slot,
		Topology: cfg.Topology(),
		Grace:    cfg.ShutdownGrace,
	}, members, ext, srv,
		worker.WithLink(link),
		worker.WithRegistry(registry),
		worker.WithLogger(log),
	)
	srv.Handler = gateway.New(
		api.New(members, registry, rc, ext, log),
		gateway.Policy{Origins: cfg.CORSOrigins},
		w, w, log,
	)

	return w.Run(ctx)
}

func newBackend(cfg config.Config, log *zap.Logger) (extension.Backend, error) {
	if cfg.ExtBackend == "docker" {
		b, err := extension.NewDockerBackend(cfg.ExtImage, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return &extension.ProcessBackend{Dir: cfg.ExtDir, Logger: log}, nil
}
