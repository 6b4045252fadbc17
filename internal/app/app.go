package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"tunesync/internal/bindings"
	"tunesync/internal/config"
	"tunesync/internal/logging"
	"tunesync/internal/runctx"
	"tunesync/internal/runstatus"
	"tunesync/internal/subscription"
)

const summaryBufferSize = 64

// Backend is the connection layer the app drives.
type Backend interface {
	bindings.Backend
	Reset()
	ActiveChannels() int
	Close()
}

type Tokens interface {
	RunRefresh(ctx context.Context) error
	SetCookie(cookie string)
}

type SessionSource interface {
	RunContext(ctx context.Context, onChange func(cookie string)) error
}

type Target struct {
	Stream     bindings.Stream
	Identifier string
}

func (t Target) key() string {
	return string(t.Stream) + ":" + t.Identifier
}

// Targets resolves the configured streams to the identifiers they bind. With
// no explicit streams every stream whose identifier is known is used.
func Targets(opts config.Options) ([]Target, error) {
	userID := strings.TrimSpace(opts.UserID)
	groupID := strings.TrimSpace(opts.GroupID)
	identifierFor := func(s bindings.Stream) string {
		if s.ByUser() {
			return userID
		}
		return groupID
	}

	var targets []Target
	if len(opts.Streams) == 0 {
		for _, s := range bindings.Streams() {
			if id := identifierFor(s); id != "" {
				targets = append(targets, Target{Stream: s, Identifier: id})
			}
		}
		if len(targets) == 0 {
			return nil, ErrNoStreams
		}
		return targets, nil
	}

	seen := map[bindings.Stream]bool{}
	for _, raw := range opts.Streams {
		s, err := bindings.ParseStream(raw)
		if err != nil {
			return nil, err
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		id := identifierFor(s)
		if id == "" {
			if s.ByUser() {
				return nil, fmt.Errorf("stream %s needs a user id", s)
			}
			return nil, fmt.Errorf("stream %s needs a group id", s)
		}
		targets = append(targets, Target{Stream: s, Identifier: id})
	}
	return targets, nil
}

// update tags a summary with the binding round it came from so summaries
// from closed bindings can be dropped.
type update struct {
	epoch   uint64
	summary bindings.Summary
}

type Callbacks struct {
	OnSummary      func(bindings.Summary)
	OnStatusChange func(string)
}

type SyncApp struct {
	targets []Target
	backend Backend
	tokens  Tokens
	session SessionSource
	subOpts subscription.Options
	logger  *logging.Logger
	hooks   Callbacks
	status  runtimeStatusState

	mu      sync.Mutex
	closers []func()
	epoch   uint64
	latest  map[string]bindings.Summary
}

// New wires an app over backend. tokens and session may be nil.
func New(targets []Target, backend Backend, tokens Tokens, session SessionSource, subOpts subscription.Options, logger *logging.Logger, hooks Callbacks) *SyncApp {
	if backend == nil {
		panic("app.New: backend must not be nil")
	}
	if logger == nil {
		panic("app.New: logger must not be nil")
	}
	if subOpts.Logger == nil {
		subOpts.Logger = logger
	}
	return &SyncApp{
		targets: append([]Target(nil), targets...),
		backend: backend,
		tokens:  tokens,
		session: session,
		subOpts: subOpts,
		logger:  logger,
		hooks:   hooks,
		latest:  map[string]bindings.Summary{},
	}
}

func (a *SyncApp) Run() error {
	return a.RunContext(context.Background())
}

func (a *SyncApp) RunContext(ctx context.Context) error {
	if len(a.targets) == 0 {
		return ErrNoStreams
	}
	a.logger.Info("sync app starting", logging.Field("streams", len(a.targets)))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summaries := make(chan update, summaryBufferSize)
	var wg sync.WaitGroup
	wg.Go(func() { a.consumeSummaries(ctx, summaries) })

	if a.tokens != nil {
		wg.Go(func() {
			if err := a.tokens.RunRefresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("token refresh loop stopped", logging.Field("error", err))
			}
		})
	}

	if err := a.openAll(ctx, summaries); err != nil {
		cancel()
		wg.Wait()
		a.shutdown()
		return err
	}

	if a.session != nil {
		wg.Go(func() {
			err := a.session.RunContext(ctx, func(cookie string) {
				a.onSessionChange(ctx, summaries, cookie)
			})
			if err != nil {
				a.logger.Warn("session watcher stopped", logging.Field("error", err))
			}
		})
	}

	<-ctx.Done()
	a.logger.Debug("stopping sync app: context canceled", logging.Field("error", ctx.Err()))
	wg.Wait()
	a.shutdown()
	a.setRuntimeStatus(runstatus.Closed)
	a.logger.Info("sync app stopped")
	return nil
}

func (a *SyncApp) openAll(ctx context.Context, summaries chan<- update) error {
	a.mu.Lock()
	epoch := a.epoch
	a.mu.Unlock()
	a.setRuntimeStatus(runstatus.Subscribing)
	for _, target := range a.targets {
		closeFn, err := bindings.Open(ctx, a.backend, target.Stream, target.Identifier, a.subOpts, func(s bindings.Summary) {
			runctx.SendOrDone(ctx, "summary forwarder", a.logger, summaries, update{epoch: epoch, summary: s})
		})
		if err != nil {
			return fmt.Errorf("bind %s: %w", target.Stream, err)
		}
		a.mu.Lock()
		a.closers = append(a.closers, closeFn)
		a.mu.Unlock()
		a.logger.Debug("stream bound",
			logging.Field("stream", string(target.Stream)),
			logging.Field("identifier", target.Identifier),
		)
	}
	return nil
}

func (a *SyncApp) closeAll() {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.epoch++
	a.latest = map[string]bindings.Summary{}
	a.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}

func (a *SyncApp) shutdown() {
	a.closeAll()
	a.backend.Close()
}

// onSessionChange signs out the connection layer and binds again under the
// new session. An empty cookie leaves the app signed out.
func (a *SyncApp) onSessionChange(ctx context.Context, summaries chan<- update, cookie string) {
	a.closeAll()
	if a.tokens != nil {
		a.tokens.SetCookie(cookie)
	}
	a.backend.Reset()
	if cookie == "" {
		a.setRuntimeStatus(runstatus.SignedOut)
		return
	}
	if ctx.Err() != nil {
		return
	}
	a.logger.Info("rebinding streams for new session")
	if err := a.openAll(ctx, summaries); err != nil {
		a.logger.Error("failed to rebind streams", logging.Field("error", err))
	}
}

func (a *SyncApp) consumeSummaries(ctx context.Context, summaries <-chan update) {
	handled := runctx.Consume(ctx, "summary consumer", a.logger, summaries, func(u update) {
		status, current := a.record(u)
		if !current {
			return
		}
		a.logSummary(u.summary)
		if a.hooks.OnSummary != nil {
			a.hooks.OnSummary(u.summary)
		}
		a.setRuntimeStatus(status)
	})
	a.logger.Debug("summary consumer finished", logging.Field("summaries", handled))
}

func (a *SyncApp) record(u update) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u.epoch != a.epoch {
		return "", false
	}
	s := u.summary
	if s.Phase == subscription.PhaseClosed {
		delete(a.latest, Target{Stream: s.Stream, Identifier: s.Identifier}.key())
	} else {
		a.latest[Target{Stream: s.Stream, Identifier: s.Identifier}.key()] = s
	}
	return overallStatus(a.latest, len(a.targets)), true
}

// overallStatus folds per-stream phases: any error wins, then any stream
// still subscribing.
func overallStatus(latest map[string]bindings.Summary, expected int) string {
	if len(latest) == 0 {
		return runstatus.Idle
	}
	subscribed := 0
	for _, s := range latest {
		switch s.Phase {
		case subscription.PhaseError:
			return runstatus.Error
		case subscription.PhaseSubscribed:
			subscribed++
		}
	}
	if subscribed >= expected {
		return runstatus.Subscribed
	}
	return runstatus.Subscribing
}

func (a *SyncApp) logSummary(s bindings.Summary) {
	if s.Err != nil {
		a.logger.Warn("stream update",
			logging.Field("stream", string(s.Stream)),
			logging.Field("identifier", s.Identifier),
			logging.Field("phase", string(s.Phase)),
			logging.Field("retries", s.Retries),
			logging.Field("error", s.Err),
		)
		return
	}
	a.logger.Info("stream update",
		logging.Field("stream", string(s.Stream)),
		logging.Field("identifier", s.Identifier),
		logging.Field("phase", string(s.Phase)),
		logging.Field("connected", s.Connected),
		logging.Field("loaded", s.Loaded),
		logging.Field("count", s.Count),
	)
}

type runtimeStatusState struct {
	mu      sync.Mutex
	current string
}

func (s *runtimeStatusState) update(status string) (string, string, bool) {
	trimmed := strings.TrimSpace(status)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == trimmed {
		return s.current, trimmed, false
	}
	previous := s.current
	s.current = trimmed
	return previous, trimmed, true
}

func (a *SyncApp) notifyStatus(status string) {
	if a.hooks.OnStatusChange == nil {
		return
	}
	a.hooks.OnStatusChange(status)
}

func (a *SyncApp) setRuntimeStatus(status string) {
	previous, next, changed := a.status.update(status)
	if !changed {
		return
	}
	a.logger.Debug("runtime status transition",
		logging.Field("from", previous),
		logging.Field("to", next),
	)
	a.notifyStatus(status)
}
