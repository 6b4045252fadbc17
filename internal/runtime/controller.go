package runtime

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"tunesync/internal/bindings"
	"tunesync/internal/config"
	"tunesync/internal/logging"
)

var ErrAlreadyRunning = errors.New("sync is already running")

// Controller owns one sync service at a time and keeps the latest status and
// per-stream summaries it reported.
type Controller struct {
	rootCtx context.Context

	mu        sync.Mutex
	cancel    context.CancelFunc
	running   bool
	status    string
	summaries map[string]bindings.Summary
	startedAt time.Time
	exitErr   error

	wg sync.WaitGroup
}

type StartHooks struct {
	OnSummary func(bindings.Summary)
	OnStatus  func(string)
	OnExit    func(error)
}

// Report is a point-in-time view of a controller.
type Report struct {
	Running   bool
	Status    string
	StartedAt time.Time
	Summaries []bindings.Summary
	ExitErr   error
}

func NewController(rootCtx context.Context) *Controller {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Controller{rootCtx: rootCtx}
}

func summaryKey(s bindings.Summary) string {
	return string(s.Stream) + ":" + s.Identifier
}

// Start validates opts, builds the service and runs it until Stop or the
// root context ends. Hooks run on the service goroutines.
func (c *Controller) Start(opts config.Options, logger *logging.Logger, hooks StartHooks) error {
	if logger == nil {
		panic("runtime.Controller.Start: logger must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	if err := config.ValidateRequired(opts); err != nil {
		return err
	}
	logger.Debug("sync start requested",
		logging.Field("user_id", opts.UserID),
		logging.Field("group_id", opts.GroupID),
		logging.Field("streams", opts.Streams),
		logging.Field("session_file", opts.SessionFile),
	)

	service, err := NewServiceWithHooks(opts, logger, StartHooks{
		OnSummary: func(s bindings.Summary) {
			c.recordSummary(s)
			if hooks.OnSummary != nil {
				hooks.OnSummary(s)
			}
		},
		OnStatus: func(status string) {
			c.mu.Lock()
			c.status = status
			c.mu.Unlock()
			if hooks.OnStatus != nil {
				hooks.OnStatus(status)
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.rootCtx)
	c.cancel = cancel
	c.running = true
	c.status = ""
	c.summaries = map[string]bindings.Summary{}
	c.startedAt = time.Now()
	c.exitErr = nil

	c.wg.Go(func() {
		defer cancel()
		runErr := service.RunContext(ctx)
		switch {
		case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
			logger.Debug("sync service stopped", logging.Field("error", runErr))
			runErr = nil
		case runErr != nil:
			logger.Warn("sync service exited with error", logging.Field("error", runErr))
		default:
			logger.Info("sync service exited",
				logging.Field("uptime", time.Since(c.Report().StartedAt).Round(time.Second).String()),
			)
		}
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.exitErr = runErr
		c.mu.Unlock()

		if hooks.OnExit != nil {
			hooks.OnExit(runErr)
		}
	})

	return nil
}

func (c *Controller) recordSummary(s bindings.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summaries == nil {
		c.summaries = map[string]bindings.Summary{}
	}
	c.summaries[summaryKey(s)] = s
}

// Report returns the current state. Summaries are ordered by stream then
// identifier.
func (c *Controller) Report() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := slices.Sorted(maps.Keys(c.summaries))
	summaries := make([]bindings.Summary, 0, len(keys))
	for _, key := range keys {
		summaries = append(summaries, c.summaries[key])
	}
	return Report{
		Running:   c.running,
		Status:    c.status,
		StartedAt: c.startedAt,
		Summaries: summaries,
		ExitErr:   c.exitErr,
	}
}

func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the service goroutine returns. A non-positive timeout
// waits forever; the result is false when the timeout fired first.
func (c *Controller) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-done:
		return true
	case <-expired:
		return false
	}
}

func (c *Controller) StopAndWait(timeout time.Duration) bool {
	c.Stop()
	return c.Wait(timeout)
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
