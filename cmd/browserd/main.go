// Command browserd runs the headless-browser automation service: an
// HTTP gateway in front of a pooled Playwright engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/executor"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/pool"
	"github.com/entrhq/browserd/pkg/scheduler"
	"github.com/entrhq/browserd/pkg/server"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "browserd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	level := logging.ParseLevel(cfg.LogLevel)
	log := logging.NewLogger("main", level)
	defer log.Close()
	log.Infof("starting browserd, run %s", logging.RunID())

	runtime, err := browser.NewPlaywrightRuntime(browser.PlaywrightOptions{
		Headless: cfg.Browser.Headless,
		Install:  cfg.Browser.Install,
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	poolLog := logging.NewLogger("pool", level)
	defer poolLog.Close()
	mgr := pool.NewManager(runtime, pool.Config{
		MaxPoolSize:            cfg.Pool.MaxPoolSize,
		MaxContextsPerInstance: cfg.Pool.MaxContextsPerInstance,
		MaxJobsPerInstance:     cfg.Pool.MaxJobsPerInstance,
		MaxLaunchRetries:       cfg.Pool.MaxLaunchRetries,
		LaunchBackoff:          cfg.Pool.LaunchBackoff.D(),
		MaxLaunchBackoff:       cfg.Pool.MaxLaunchBackoff.D(),
		ContextOptions: browser.ContextOptions{
			UserAgent: cfg.Browser.UserAgent,
			Stealth:   cfg.Browser.Stealth,
			Viewport: &browser.Viewport{
				Width:  cfg.Browser.ViewportWidth,
				Height: cfg.Browser.ViewportHeight,
			},
		},
	}, poolLog)

	monitor := pool.NewMonitor(mgr, cfg.Health.Interval.D(), cfg.Health.FailureThreshold, poolLog)

	execLog := logging.NewLogger("executor", level)
	defer execLog.Close()
	exec := executor.New(executor.Config{
		DefaultActionTimeout: cfg.ActionTimeout.D(),
	}, execLog)

	schedLog := logging.NewLogger("scheduler", level)
	defer schedLog.Close()
	sched := scheduler.New(scheduler.Config{
		MaxQueueLength:    cfg.Queue.MaxQueueLength,
		QueueWaitTimeout:  cfg.Queue.QueueWaitTimeout.D(),
		DefaultJobTimeout: cfg.JobTimeout.D(),
		ResultRetention:   15 * time.Minute,
	}, mgr, exec, schedLog)

	srvLog := logging.NewLogger("server", level)
	defer srvLog.Close()
	srv, err := server.New(cfg, sched, mgr, srvLog)
	if err != nil {
		return err
	}
	sched.SetOnComplete(srv.Metrics().JobCompleted)

	sched.Start()
	monitor.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}
	sched.Stop()
	monitor.Stop()
	mgr.Close()
	return nil
}
