// Command pipelinectl is the dispatch server's entrypoint: it loads
// configuration, wires the object pools, worker pool, pipeline
// controller, dispatcher, and ingress loop described by SPEC_FULL.md,
// then runs until a termination signal drains and stops everything.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/KrishnaPG/zmq-task-dispatcher/internal/config"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/dispatch"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/frame"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/ingress"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/mpsc"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/objpool"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/pipeline"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/shutdown"
	"github.com/KrishnaPG/zmq-task-dispatcher/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	benchmarkFlag := flag.Bool("benchmark", false, "Emit per-method latency measurements as log frames")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *benchmarkFlag {
		cfg.Benchmark = true
	}

	slog.Info("starting pipelinectl",
		"instance_id", cfg.InstanceID,
		"sub_endpoint", cfg.SubEndpoint,
		"pub_endpoint", cfg.PubEndpoint,
		"benchmark", cfg.Benchmark,
	)

	outPool := objpool.New(objpool.Config[frame.Outbound]{
		Prealloc:         cfg.ObjectPool.FramePrealloc,
		MaxThreadCache:   cfg.ObjectPool.FrameMaxThreadCache,
		MaxTotal:         cfg.ObjectPool.FrameMaxTotal,
		DynamicExpansion: cfg.ObjectPool.DynamicExpansion,
		Reset:            func(o *frame.Outbound) { o.JSON = "" },
	})
	taskPool := objpool.New(objpool.Config[frame.Frame]{
		Prealloc:         cfg.ObjectPool.TaskPrealloc,
		MaxThreadCache:   cfg.ObjectPool.TaskMaxThreadCache,
		MaxTotal:         cfg.ObjectPool.TaskMaxTotal,
		DynamicExpansion: cfg.ObjectPool.DynamicExpansion,
		Reset:            func(f *frame.Frame) { *f = frame.Frame{} },
	})

	ctrl := shutdown.New()
	pipelines := pipeline.New()
	out := mpsc.New[*frame.Outbound]()

	workers := workerpool.Start(workerpool.Config{
		Size:          cfg.WorkerPool.Size,
		QueueCapacity: cfg.WorkerPool.QueueCapacity,
		OnWorkerStart: func() (any, func()) {
			wc := &ingress.WorkerContext{
				Frames:    taskPool.RegisterThread(),
				Outbounds: outPool.RegisterThread(),
			}
			return wc, func() {
				wc.Frames.Unregister()
				wc.Outbounds.Unregister()
			}
		},
	})

	d := dispatch.New(out, outPool, pipelines, cfg.Benchmark)

	srv := ingress.New(ingress.Config{
		SubEndpoint: cfg.SubEndpoint,
		PubEndpoint: cfg.PubEndpoint,
	}, ctrl, workers, d, out, outPool, taskPool, pipelines)

	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run() }()

	select {
	case <-ctrl.Wake():
		slog.Info("shutdown signal received, draining")
	case err := <-runErr:
		if err != nil {
			slog.Error("ingress loop exited with error", "error", err)
			os.Exit(1)
		}
	}

	shutdownTimeout := time.Duration(cfg.ShutdownTimeoutS) * time.Second
	select {
	case err := <-runErr:
		if err != nil {
			slog.Error("ingress loop exited with error", "error", err)
			os.Exit(1)
		}
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown drain exceeded timeout, exiting without waiting further", "timeout", shutdownTimeout)
		os.Exit(1)
	case <-ctrl.Force():
		slog.Warn("second termination signal received, exiting without waiting for drain")
		os.Exit(1)
	}

	ctrl.Stop()
	outPool.Shutdown()
	taskPool.Shutdown()

	slog.Info("pipelinectl stopped cleanly")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
