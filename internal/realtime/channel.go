package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tunesync/internal/logging"
)

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
	stateErrored
)

func (s channelState) String() string {
	switch s {
	case stateJoining:
		return "joining"
	case stateJoined:
		return "joined"
	case stateErrored:
		return "errored"
	default:
		return "closed"
	}
}

type changeListener struct {
	filter ChangeFilter
	fn     func(Change)
}

// Channel is one topic on a Socket. Listeners registered with On receive
// postgres changes; callbacks registered with Subscribe receive status.
type Channel struct {
	socket  *Socket
	name    string
	topic   string
	filters []ChangeFilter
	logger  *logging.Logger

	mu        sync.Mutex
	state     channelState
	removed   bool
	joinRef   string
	nextID    int
	listeners map[int]changeListener
	watchers  map[int]func(Status, error)
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Filters() []ChangeFilter {
	return append([]ChangeFilter(nil), c.filters...)
}

// On registers fn for changes matching filter and returns its remover.
func (c *Channel) On(filter ChangeFilter, fn func(Change)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = changeListener{filter: filter.normalized(), fn: fn}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// Subscribe registers fn for status updates and joins the channel if it is
// not joined already. A joined channel reports SUBSCRIBED immediately.
func (c *Channel) Subscribe(fn func(Status, error)) func() {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		fn(StatusClosed, ErrChannelClosed)
		return func() {}
	}
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	state := c.state
	startJoin := state == stateClosed || state == stateErrored
	if startJoin {
		c.state = stateJoining
	}
	c.mu.Unlock()

	if state == stateJoined {
		fn(StatusSubscribed, nil)
	}
	if startJoin {
		go c.join()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// Unsubscribe leaves the topic and detaches the channel from its socket.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	joinRef := c.joinRef
	c.state = stateClosed
	c.removed = true
	watchers := c.watcherSnapshotLocked()
	c.mu.Unlock()

	c.socket.removeChannel(c)

	var err error
	if prev == stateJoined || prev == stateJoining {
		ctx, cancel := context.WithTimeout(context.Background(), c.socket.opts.Timeout)
		_, err = c.socket.request(ctx, message{
			Topic:   c.topic,
			Event:   eventLeave,
			Payload: json.RawMessage(`{}`),
			JoinRef: joinRef,
		}, false)
		cancel()
		if errors.Is(err, ErrSocketClosed) {
			err = nil
		}
	}
	c.logger.Debug("realtime channel left", logging.Field("previous_state", prev.String()))
	notify(watchers, StatusClosed, nil)
	return err
}

func (c *Channel) join() {
	joinRef := c.socket.nextRef()
	c.mu.Lock()
	c.joinRef = joinRef
	c.mu.Unlock()

	payload, err := json.Marshal(joinPayload{
		Config:      joinConfig{PostgresChanges: c.filters},
		AccessToken: c.socket.Token(),
	})
	if err != nil {
		c.finishJoin(joinRef, stateErrored, StatusChannelError, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.socket.opts.Timeout)
	defer cancel()
	reply, err := c.socket.request(ctx, message{
		Topic:   c.topic,
		Event:   eventJoin,
		Payload: payload,
		Ref:     joinRef,
		JoinRef: joinRef,
	}, true)
	switch {
	case errors.Is(err, ErrPushTimeout), errors.Is(err, context.DeadlineExceeded):
		c.finishJoin(joinRef, stateErrored, StatusTimedOut, ErrPushTimeout)
	case err != nil:
		c.finishJoin(joinRef, stateErrored, StatusChannelError, err)
	case reply.Status != "ok":
		c.finishJoin(joinRef, stateErrored, StatusChannelError, &JoinError{Topic: c.topic, Response: string(reply.Response)})
	default:
		c.finishJoin(joinRef, stateJoined, StatusSubscribed, nil)
	}
}

// finishJoin applies the join result unless the channel moved on meanwhile.
func (c *Channel) finishJoin(joinRef string, next channelState, status Status, err error) {
	c.mu.Lock()
	if c.removed || c.state != stateJoining || c.joinRef != joinRef {
		c.mu.Unlock()
		return
	}
	c.state = next
	watchers := c.watcherSnapshotLocked()
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("realtime channel join failed", logging.Field("status", string(status)), logging.Field("error", err))
	} else {
		c.logger.Debug("realtime channel joined")
	}
	notify(watchers, status, err)
}

func (c *Channel) handle(msg message) {
	c.mu.Lock()
	state := c.state
	joinRef := c.joinRef
	c.mu.Unlock()
	if msg.JoinRef != "" && msg.JoinRef != joinRef {
		return
	}

	switch msg.Event {
	case eventChanges:
		if state != stateJoined && state != stateJoining {
			return
		}
		change, err := decodeChange(msg.Payload)
		if err != nil {
			c.logger.Warn("invalid postgres_changes payload", logging.Field("error", err))
			return
		}
		c.dispatch(change)
	case eventError:
		c.fail(stateJoined, StatusChannelError, ErrChannelFault)
	case eventClose:
		c.fail(stateJoined, StatusClosed, ErrChannelClosed)
	case eventSystem:
		var payload systemPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if payload.Status == "error" {
			c.fail(stateJoined, StatusChannelError, fmt.Errorf("%w: %s", ErrChannelFault, payload.Message))
			return
		}
		c.logger.Debug("realtime system message", logging.Field("message", payload.Message))
	default:
		c.logger.Debug("ignoring realtime event", logging.Field("event", msg.Event))
	}
}

func (c *Channel) dispatch(change Change) {
	c.mu.Lock()
	fns := make([]func(Change), 0, len(c.listeners))
	for _, listener := range c.listeners {
		if listener.filter.Matches(change) {
			fns = append(fns, listener.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

// fail moves a channel in state from to errored and reports status.
func (c *Channel) fail(from channelState, status Status, err error) {
	c.mu.Lock()
	if c.removed || c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = stateErrored
	watchers := c.watcherSnapshotLocked()
	c.mu.Unlock()

	c.logger.Warn("realtime channel failed", logging.Field("status", string(status)), logging.Field("error", err))
	notify(watchers, status, err)
}

func (c *Channel) connectionLost(cause error) {
	c.fail(stateJoined, StatusChannelError, fmt.Errorf("%w: %v", ErrChannelFault, cause))
}

func (c *Channel) socketClosed() {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return
	}
	c.removed = true
	c.state = stateClosed
	watchers := c.watcherSnapshotLocked()
	c.mu.Unlock()
	notify(watchers, StatusClosed, ErrSocketClosed)
}

func (c *Channel) pushAccessToken(token string) {
	c.mu.Lock()
	joined := c.state == stateJoined && !c.removed
	joinRef := c.joinRef
	c.mu.Unlock()
	if !joined || token == "" {
		return
	}
	payload, err := json.Marshal(accessTokenPayload{AccessToken: token})
	if err != nil {
		return
	}
	if err := c.socket.send(context.Background(), message{
		Topic:   c.topic,
		Event:   eventAccessToken,
		Payload: payload,
		JoinRef: joinRef,
	}, false); err != nil {
		c.logger.Debug("access token push skipped", logging.Field("error", err))
	}
}

func (c *Channel) watcherSnapshotLocked() []func(Status, error) {
	out := make([]func(Status, error), 0, len(c.watchers))
	for _, fn := range c.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(Status, error), status Status, err error) {
	for _, fn := range watchers {
		fn(status, err)
	}
}
