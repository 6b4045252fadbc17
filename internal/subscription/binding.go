// Package subscription keeps a local snapshot in step with one realtime
// channel: initial load, change merging, bounded reconnects and disposal.
package subscription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"tunesync/internal/logging"
	"tunesync/internal/realtime"
	"tunesync/internal/runstatus"
)

var ErrRetriesExhausted = errors.New("realtime subscription retries exhausted")

const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultRefetchDelay   = 300 * time.Millisecond
	DefaultLoadAttempts   = 3
)

type Phase string

const (
	PhaseIdle        Phase = runstatus.Idle
	PhaseSubscribing Phase = runstatus.Subscribing
	PhaseSubscribed  Phase = runstatus.Subscribed
	PhaseError       Phase = runstatus.Error
	PhaseClosed      Phase = runstatus.Closed
)

// Channel is the part of a realtime channel a binding uses.
type Channel interface {
	On(filter realtime.ChangeFilter, fn func(realtime.Change)) func()
	Subscribe(fn func(realtime.Status, error)) func()
}

// Source hands out shared channels. The returned release func gives the
// acquisition back and is safe to call more than once.
type Source interface {
	Acquire(ctx context.Context, name string, filters []realtime.ChangeFilter) (Channel, func(), error)
}

// Descriptor says what a binding mirrors. Merge folds one change into the
// snapshot; with RefetchOnChange set, changes trigger a debounced Load
// instead.
type Descriptor[S any] struct {
	Identifier      string
	Channel         string
	Filters         []realtime.ChangeFilter
	Load            func(ctx context.Context) (S, error)
	Merge           func(S, realtime.Change) (S, error)
	RefetchOnChange bool
}

type Options struct {
	Logger         *logging.Logger
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RefetchDelay   time.Duration
	LoadAttempts   uint
	// OnRetry observes each scheduled reconnect.
	OnRetry func(attempt int, delay time.Duration)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.RefetchDelay <= 0 {
		o.RefetchDelay = DefaultRefetchDelay
	}
	if o.LoadAttempts == 0 {
		o.LoadAttempts = DefaultLoadAttempts
	}
	return o
}

// State is what consumers observe. Loaded turns true with the first
// successful snapshot.
type State[S any] struct {
	Data      S
	Loaded    bool
	Connected bool
	Err       error
	Phase     Phase
	Retries   int
}

type Binding[S any] struct {
	id     string
	desc   Descriptor[S]
	src    Source
	opts   Options
	logger *logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State[S]
	version      uint64
	closed       bool
	attempt      uint64
	release      func()
	detach       []func()
	retry        *backoff.ExponentialBackOff
	retryTimer   *time.Timer
	needsReload  bool
	initialLoad  bool
	buffering    bool
	pending      []realtime.Change
	loadSeq      uint64
	loadErr      error
	subErr       error
	refetchTimer *time.Timer
	nextWatchID  int
	watchers     map[int]func(State[S])

	notifyMu sync.Mutex
	notified uint64
}

// Bind starts mirroring desc. An empty identifier yields an idle binding
// that never touches the network.
func Bind[S any](ctx context.Context, src Source, desc Descriptor[S], opts Options) *Binding[S] {
	if opts.Logger == nil {
		panic("subscription.Bind: logger must not be nil")
	}
	opts = opts.withDefaults()
	bindCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	b := &Binding[S]{
		id:       id,
		desc:     desc,
		src:      src,
		opts:     opts,
		logger:   opts.Logger.With(logging.Field("binding", id), logging.Field("channel", desc.Channel)),
		ctx:      bindCtx,
		cancel:   cancel,
		retry:    newRetrySchedule(opts.InitialBackoff, opts.MaxBackoff),
		watchers: map[int]func(State[S]){},
	}
	if desc.Identifier == "" {
		b.state.Phase = PhaseIdle
		return b
	}
	if src == nil {
		panic("subscription.Bind: source must not be nil")
	}

	b.state.Phase = PhaseSubscribing
	b.attempt = 1
	b.logger.Debug("binding subscription", logging.Field("identifier", desc.Identifier))
	go b.setup(b.attempt)
	return b
}

func (b *Binding[S]) ID() string { return b.id }

func (b *Binding[S]) Identifier() string { return b.desc.Identifier }

func (b *Binding[S]) State() State[S] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Watch calls fn with the current state and again after every change, in
// order. fn must not call Close or Watch on the same binding.
func (b *Binding[S]) Watch(fn func(State[S])) func() {
	if fn == nil {
		panic("subscription.Binding.Watch: callback must not be nil")
	}
	b.notifyMu.Lock()
	b.mu.Lock()
	id := b.nextWatchID
	b.nextWatchID++
	b.watchers[id] = fn
	state := b.state
	b.mu.Unlock()
	fn(state)
	b.notifyMu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
	}
}

// Close detaches listeners, releases the channel and cancels pending work.
// Results that arrive later are discarded.
func (b *Binding[S]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.attempt++
	stopTimer(&b.retryTimer)
	stopTimer(&b.refetchTimer)
	detach, release := b.takeLeaseLocked()
	b.pending = nil
	b.state.Connected = false
	b.state.Phase = PhaseClosed
	b.bumpLocked()
	b.mu.Unlock()

	b.cancel()
	for _, fn := range detach {
		fn()
	}
	if release != nil {
		release()
	}
	b.logger.Debug("binding closed")
	b.notify()
}

// setup acquires the channel, attaches listeners, starts the first load and
// subscribes.
func (b *Binding[S]) setup(attempt uint64) {
	ch, release, err := b.src.Acquire(b.ctx, b.desc.Channel, b.desc.Filters)
	if err != nil {
		b.fail(attempt, err)
		return
	}

	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		release()
		return
	}
	b.release = release
	for _, filter := range b.desc.Filters {
		b.detach = append(b.detach, ch.On(filter, func(change realtime.Change) {
			b.onChange(attempt, change)
		}))
	}
	var seq uint64
	startLoad := !b.initialLoad
	if startLoad {
		b.initialLoad = true
		seq = b.beginLoadLocked()
	}
	b.mu.Unlock()

	if startLoad {
		go b.runLoad(seq, true)
	}

	stop := ch.Subscribe(func(status realtime.Status, err error) {
		b.onStatus(attempt, status, err)
	})
	b.mu.Lock()
	if b.closed || b.attempt != attempt {
		b.mu.Unlock()
		stop()
		return
	}
	b.detach = append(b.detach, stop)
	b.mu.Unlock()
}

func (b *Binding[S]) takeLeaseLocked() ([]func(), func()) {
	detach, release := b.detach, b.release
	b.detach = nil
	b.release = nil
	return detach, release
}

func (b *Binding[S]) bumpLocked() {
	b.version++
	switch {
	case b.subErr != nil:
		b.state.Err = b.subErr
	default:
		b.state.Err = b.loadErr
	}
}

// notify delivers the latest state to watchers unless a newer call already
// delivered it.
func (b *Binding[S]) notify() {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	state := b.state
	version := b.version
	watchers := make([]func(State[S]), 0, len(b.watchers))
	for _, fn := range b.watchers {
		watchers = append(watchers, fn)
	}
	b.mu.Unlock()

	if version <= b.notified {
		return
	}
	b.notified = version
	for _, fn := range watchers {
		fn(state)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
