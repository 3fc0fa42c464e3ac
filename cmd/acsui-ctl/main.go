package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"acsui/internal/config"
	"acsui/pkg/model"
	"acsui/pkg/store"
)

func main() {
	// --- 1. flags ---
	endpoints := flag.String("etcd", "", "Comma separated etcd endpoints (default from ETCD_ENDPOINTS / config)")
	listWorkers := flag.Bool("workers", false, "List workers registered in the cluster")
	watch := flag.Bool("watch", false, "Stream worker registration changes until interrupted")
	taskID := flag.String("getlog", "", "Print the captured output of an extension task")
	flag.Parse()

	if !*listWorkers && !*watch && *taskID == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("invalid configuration: %v", err)
	}
	eps := cfg.EtcdEndpoints
	if *endpoints != "" {
		eps = strings.Split(*endpoints, ",")
	}

	// --- 2. connect to etcd ---
	registry := store.NewEtcdRegistry(eps)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = registry.Connect(ctx)
	cancel()
	if err != nil {
		fatalf("❌ Failed to connect to etcd: %v", err)
	}
	defer registry.Disconnect(context.Background())

	// --- 3. dispatch ---
	switch {
	case *taskID != "":
		printLog(registry, *taskID)
	case *listWorkers:
		printWorkers(registry)
	case *watch:
		watchWorkers(registry)
	}
}

func printLog(r *store.EtcdRegistry, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logs, err := r.GetTaskLog(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		fatalf("no log stored for task %s", id)
	}
	if err != nil {
		fatalf("❌ Failed to get logs: %v", err)
	}

	fmt.Printf("\n📄 Logs for task [%s]:\n", id)
	fmt.Println("================================================")
	fmt.Println(logs)
	fmt.Println("================================================")
}

func printWorkers(r *store.EtcdRegistry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workers, err := r.ListWorkers(ctx)
	if err != nil {
		fatalf("❌ Failed to list workers: %v", err)
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Host != workers[j].Host {
			return workers[i].Host < workers[j].Host
		}
		return workers[i].Slot < workers[j].Slot
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSLOT\tPID\tLISTEN\tSTATE\tUPTIME\tLAST HEARTBEAT")
	for _, w := range workers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			w.Host, w.Slot, w.PID, listenAddr(w), w.State,
			time.Since(w.StartedAt).Round(time.Second),
			time.Unix(w.LastHeartbeat, 0).Format(time.TimeOnly))
	}
	_ = tw.Flush()
	fmt.Printf("\n%d worker(s)\n", len(workers))
}

func watchWorkers(r *store.EtcdRegistry) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("👀 Watching worker registrations (Ctrl+C to stop)...")
	for ev := range r.WatchWorkers(ctx) {
		switch ev.Type {
		case store.WorkerUpdate:
			w := ev.Worker
			fmt.Printf("%s  UPDATE  %s/%s pid=%d listen=%s state=%s\n",
				time.Now().Format(time.TimeOnly), w.Host, w.Slot, w.PID, listenAddr(w), w.State)
		case store.WorkerDelete:
			fmt.Printf("%s  DELETE  %s\n", time.Now().Format(time.TimeOnly), strings.TrimPrefix(ev.Key, store.WorkerKeyPrefix))
		}
	}
}

func listenAddr(w *model.WorkerInfo) string {
	return model.Topology{Address: w.Address, Port: w.Port}.ListenAddr()
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
