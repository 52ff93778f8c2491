package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/olla-mesh/streamrouter/internal/app"
	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/logger"
	"github.com/olla-mesh/streamrouter/internal/util"
	"github.com/olla-mesh/streamrouter/internal/version"
	"github.com/olla-mesh/streamrouter/pkg/container"
	"github.com/olla-mesh/streamrouter/pkg/format"
	"github.com/olla-mesh/streamrouter/pkg/nerdstats"
)

func main() {
	os.Exit(run())
}

// run builds and drives the application, returning the process exit
// code: 0 on graceful shutdown, non-zero on configuration error, bind
// error, or an operator-issued /abort.
func run() int {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", os.Args[0])
		return 1
	}
	if os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		return 0
	}
	configPath := os.Args[1]

	version.PrintVersionInfo(false, vlog)

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logLevel := cfg.Logging.Level
	if envLevel := os.Getenv("OLLA_LOG_LEVEL"); envLevel != "" {
		logLevel = envLevel
	}

	logInstance, styledLogger, cleanup, err := logger.NewLoggers(&logger.Config{
		Level:      logLevel,
		LogDir:     cfg.Logging.LogDir,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		FileOutput: cfg.Logging.FileOutput,
		PrettyLogs: cfg.Logging.PrettyLogs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		return 1
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("initialising", "version", version.Version, "pid", os.Getpid(),
		"containerised", container.IsContainerised())

	application, err := app.New(cfg, styledLogger)
	if err != nil {
		styledLogger.Error("failed to build application", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	exitCode := application.Run(ctx)

	reportProcessStats(styledLogger, startTime)
	styledLogger.Info("streamrouter has shutdown", "exit_code", exitCode)
	return exitCode
}

func reportProcessStats(log *logger.StyledLogger, startTime time.Time) {
	runtime.GC()
	stats := nerdstats.Snapshot(startTime)

	log.Info("process memory stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)
	log.Info("runtime stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_goroutines", stats.NumGoroutines,
		"gomaxprocs", stats.GOMAXPROCS,
	)
	log.Info("allocation stats",
		"net_objects", util.SafeInt64Diff(stats.Mallocs, stats.Frees),
	)
}
