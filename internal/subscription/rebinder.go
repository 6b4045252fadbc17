package subscription

import (
	"context"
	"sync"
)

// Rebinder owns the binding for a changing identifier, e.g. the group a
// screen currently shows. Setting a new identifier disposes the old binding
// before the new one starts.
type Rebinder[S any] struct {
	ctx   context.Context
	src   Source
	opts  Options
	build func(identifier string) Descriptor[S]

	// setMu serializes Set so a displaced binding is always closed.
	setMu       sync.Mutex
	mu          sync.Mutex
	current     *Binding[S]
	stopCurrent func()
	closed      bool
	nextWatchID int
	watchers    map[int]func(State[S])
}

func NewRebinder[S any](ctx context.Context, src Source, opts Options, build func(identifier string) Descriptor[S]) *Rebinder[S] {
	if opts.Logger == nil {
		panic("subscription.NewRebinder: logger must not be nil")
	}
	if build == nil {
		panic("subscription.NewRebinder: build must not be nil")
	}
	return &Rebinder[S]{
		ctx:      ctx,
		src:      src,
		opts:     opts,
		build:    build,
		watchers: map[int]func(State[S]){},
	}
}

// Set binds identifier. The same identifier as the current binding is a no-op.
func (r *Rebinder[S]) Set(identifier string) *Binding[S] {
	r.setMu.Lock()
	defer r.setMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.current != nil && r.current.Identifier() == identifier {
		current := r.current
		r.mu.Unlock()
		return current
	}
	old, stopOld := r.current, r.stopCurrent
	r.current, r.stopCurrent = nil, nil
	r.mu.Unlock()

	if stopOld != nil {
		stopOld()
	}
	if old != nil {
		old.Close()
	}

	desc := r.build(identifier)
	desc.Identifier = identifier
	next := Bind(r.ctx, r.src, desc, r.opts)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		next.Close()
		return nil
	}
	r.current = next
	r.mu.Unlock()

	stop := next.Watch(func(state State[S]) { r.forward(next, state) })

	r.mu.Lock()
	if r.current == next {
		r.stopCurrent = stop
		r.mu.Unlock()
		return next
	}
	r.mu.Unlock()
	stop()
	return next
}

func (r *Rebinder[S]) Current() *Binding[S] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// State returns the current binding's state, or an idle state before the
// first Set.
func (r *Rebinder[S]) State() State[S] {
	if current := r.Current(); current != nil {
		return current.State()
	}
	return State[S]{Phase: PhaseIdle}
}

// Watch receives states of whichever binding is current.
func (r *Rebinder[S]) Watch(fn func(State[S])) func() {
	if fn == nil {
		panic("subscription.Rebinder.Watch: callback must not be nil")
	}
	r.mu.Lock()
	id := r.nextWatchID
	r.nextWatchID++
	r.watchers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.watchers, id)
		r.mu.Unlock()
	}
}

func (r *Rebinder[S]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	current, stop := r.current, r.stopCurrent
	r.current, r.stopCurrent = nil, nil
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if current != nil {
		current.Close()
	}
}

func (r *Rebinder[S]) forward(from *Binding[S], state State[S]) {
	r.mu.Lock()
	if r.current != from {
		r.mu.Unlock()
		return
	}
	watchers := make([]func(State[S]), 0, len(r.watchers))
	for _, fn := range r.watchers {
		watchers = append(watchers, fn)
	}
	r.mu.Unlock()

	for _, fn := range watchers {
		fn(state)
	}
}
