package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"tunesync/internal/config"
	"tunesync/internal/logging"
	"tunesync/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

var BuildVersion = "dev"

func main() {
	rootCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	opts, err := config.ParseOptions(nil)
	if err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lock, holder, lockErr := acquireInstanceLock(instanceScope(opts.SupabaseURL, opts.UserID, opts.GroupID))
	if lockErr != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize single-instance lock:", lockErr)
		os.Exit(2)
	}
	if lock == nil {
		fmt.Fprintf(os.Stderr, "tunesync is already running for this profile (%s).\n", holder)
		os.Exit(1)
	}

	code := run(rootCtx, opts)
	_ = lock.Release()
	stopSignals()
	os.Exit(code)
}

func run(ctx context.Context, opts config.Options) int {
	logger := logging.New(opts.Debug)
	defer func() {
		_ = logger.Close()
	}()
	if opts.LogToFile {
		if err := logger.EnableFilePersistence(logging.FileOptions{Dir: opts.LogDir, Keep: opts.LogKeep}); err != nil {
			logger.Warn("failed to enable file log persistence", logging.Field("error", err))
		}
	}
	logger.Info("starting tunesync", logging.Field("version", BuildVersion))

	exited := make(chan error, 1)
	controller := runtime.NewController(ctx)
	if err := controller.Start(opts, logger, runtime.StartHooks{
		OnStatus: func(status string) {
			logger.Info("sync status", logging.Field("status", status))
		},
		OnExit: func(err error) {
			exited <- err
		},
	}); err != nil {
		logger.Error("failed to start", logging.Field("error", err))
		return 2
	}

	code := 0
	select {
	case <-ctx.Done():
		if !controller.StopAndWait(shutdownTimeout) {
			logger.Warn("shutdown timed out")
			code = 1
		}
	case err := <-exited:
		if err != nil {
			code = 1
		}
	}
	logReport(logger, controller.Report())
	return code
}

func logReport(logger *logging.Logger, report runtime.Report) {
	for _, s := range report.Summaries {
		logger.Info("final stream state",
			logging.Field("stream", string(s.Stream)),
			logging.Field("identifier", s.Identifier),
			logging.Field("loaded", s.Loaded),
			logging.Field("count", s.Count),
			logging.Field("retries", s.Retries),
		)
	}
}
