package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"tunesync/internal/bindings"
	"tunesync/internal/config"
	"tunesync/internal/logging"
	"tunesync/internal/runstatus"
)

func unreachableOptions() config.Options {
	return config.Options{
		SupabaseURL: "http://127.0.0.1:1",
		AnonKey:     "anon",
		AppURL:      "http://127.0.0.1:1",
		GroupID:     "g1",
		Streams:     []string{"chat"},
	}
}

func TestControllerStartRejectsInvalidOptions(t *testing.T) {
	c := NewController(context.Background())
	if err := c.Start(config.Options{}, logging.New(false), StartHooks{}); err == nil {
		t.Fatalf("expected validation error")
	}
	if c.IsRunning() {
		t.Fatalf("controller should not be running")
	}
}

func TestControllerStartStop(t *testing.T) {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)

	var exited atomic.Bool
	c := NewController(context.Background())
	err := c.Start(unreachableOptions(), logger, StartHooks{
		OnExit: func(err error) {
			if err != nil {
				t.Errorf("OnExit error = %v", err)
			}
			exited.Store(true)
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.IsRunning() {
		t.Fatalf("expected controller to be running")
	}
	if err := c.Start(unreachableOptions(), logger, StartHooks{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	if !c.StopAndWait(5 * time.Second) {
		t.Fatalf("controller did not stop")
	}
	if c.IsRunning() || !exited.Load() {
		t.Fatalf("running=%v exited=%v", c.IsRunning(), exited.Load())
	}
	report := c.Report()
	if report.Running || report.Status != runstatus.Closed || report.ExitErr != nil {
		t.Fatalf("report = %+v", report)
	}
	if report.StartedAt.IsZero() {
		t.Fatalf("expected start time to be recorded")
	}
}

func TestControllerReportOrdersSummaries(t *testing.T) {
	c := NewController(context.Background())
	c.recordSummary(bindings.Summary{Stream: bindings.StreamPlaylist, Identifier: "g1", Count: 3})
	c.recordSummary(bindings.Summary{Stream: bindings.StreamChat, Identifier: "g1", Count: 1})
	c.recordSummary(bindings.Summary{Stream: bindings.StreamChat, Identifier: "g1", Count: 2})

	got := c.Report().Summaries
	if len(got) != 2 {
		t.Fatalf("summaries = %+v", got)
	}
	if got[0].Stream != bindings.StreamChat || got[0].Count != 2 {
		t.Fatalf("first summary = %+v, want latest chat summary", got[0])
	}
	if got[1].Stream != bindings.StreamPlaylist {
		t.Fatalf("second summary = %+v", got[1])
	}
}

func TestNewServiceRejectsUnknownStream(t *testing.T) {
	opts := unreachableOptions()
	opts.Streams = []string{"songs"}
	if _, err := NewService(opts, logging.New(false)); err == nil {
		t.Fatalf("expected error for unknown stream")
	}
}
