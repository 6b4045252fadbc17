package channels

import (
	"sync"
	"time"

	"tunesync/internal/logging"
)

// DefaultGraceWindow is how long a channel with no holders stays open so a
// quick unbind/rebind reuses it.
const DefaultGraceWindow = 500 * time.Millisecond

type Handle interface {
	Unsubscribe() error
}

type entry[H Handle] struct {
	handle     H
	refs       int
	generation uint64
	timer      *time.Timer
	closing    bool
}

// Registry reference-counts named channel handles. The last Release schedules
// teardown after the grace window; an Acquire inside the window cancels it.
type Registry[H Handle] struct {
	grace  time.Duration
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]*entry[H]
}

func New[H Handle](grace time.Duration, logger *logging.Logger) *Registry[H] {
	if logger == nil {
		panic("channels.New: logger must not be nil")
	}
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Registry[H]{
		grace:   grace,
		logger:  logger,
		entries: map[string]*entry[H]{},
	}
}

// Acquire returns the live handle for name, creating it on first use. create
// runs under the registry lock and must not call back into the registry.
func (r *Registry[H]) Acquire(name string, create func() (H, error)) (H, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok && !e.closing {
		e.refs++
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			e.generation++
			r.logger.Debug("channel teardown cancelled", logging.Field("channel", name))
		}
		return e.handle, nil
	}

	handle, err := create()
	if err != nil {
		var zero H
		return zero, err
	}
	r.entries[name] = &entry[H]{handle: handle, refs: 1}
	r.logger.Debug("channel created", logging.Field("channel", name))
	return handle, nil
}

// Release drops one reference. Unknown names and extra releases are ignored.
func (r *Registry[H]) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || e.closing {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	if e.refs > 0 || e.timer != nil {
		return
	}
	e.generation++
	generation := e.generation
	e.timer = time.AfterFunc(r.grace, func() { r.expire(name, e, generation) })
}

func (r *Registry[H]) expire(name string, e *entry[H], generation uint64) {
	r.mu.Lock()
	if r.entries[name] != e || e.generation != generation || e.refs > 0 || e.closing {
		r.mu.Unlock()
		return
	}
	e.closing = true
	e.timer = nil
	r.mu.Unlock()

	r.teardown(name, e)
}

func (r *Registry[H]) teardown(name string, e *entry[H]) {
	if err := e.handle.Unsubscribe(); err != nil {
		r.logger.Warn("channel unsubscribe failed", logging.Field("channel", name), logging.Field("error", err))
	} else {
		r.logger.Debug("channel removed", logging.Field("channel", name))
	}

	r.mu.Lock()
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	r.mu.Unlock()
}

// Drain tears down every channel now, ignoring reference counts.
func (r *Registry[H]) Drain() int {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	victims := make([]*entry[H], 0, len(r.entries))
	for name, e := range r.entries {
		if e.closing {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.closing = true
		e.generation++
		names = append(names, name)
		victims = append(victims, e)
	}
	r.mu.Unlock()

	for i, e := range victims {
		r.teardown(names[i], e)
	}
	return len(victims)
}

// Len counts channels that are open or inside their grace window.
func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.closing {
			n++
		}
	}
	return n
}

func (r *Registry[H]) Refs(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok && !e.closing {
		return e.refs
	}
	return 0
}
