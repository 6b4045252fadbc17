package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"tunesync/internal/merge"
	"tunesync/internal/realtime"
)

type fakeListener struct {
	filter realtime.ChangeFilter
	fn     func(realtime.Change)
}

type fakeChannel struct {
	name   string
	status realtime.Status

	mu        sync.Mutex
	nextID    int
	listeners map[int]fakeListener
	watchers  map[int]func(realtime.Status, error)
}

func (c *fakeChannel) On(filter realtime.ChangeFilter, fn func(realtime.Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fakeListener{filter: filter, fn: fn}
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) Subscribe(fn func(realtime.Status, error)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	status := c.status
	c.mu.Unlock()
	if status != "" {
		go fn(status, nil)
	}
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *fakeChannel) emit(change realtime.Change) {
	c.mu.Lock()
	var fns []func(realtime.Change)
	for _, l := range c.listeners {
		if l.filter.Matches(change) {
			fns = append(fns, l.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(change)
	}
}

func (c *fakeChannel) report(status realtime.Status, err error) {
	c.mu.Lock()
	var fns []func(realtime.Status, error)
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(status, err)
	}
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

func (c *fakeChannel) watcherCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

// fakeSource shares one channel per name and drops it when the last holder
// releases. script picks the status each newly created channel reports.
type fakeSource struct {
	script func(created int) realtime.Status

	mu       sync.Mutex
	live     map[string]*fakeChannel
	refs     map[string]int
	created  []*fakeChannel
	acquires int
	releases int
}

func newFakeSource(script func(created int) realtime.Status) *fakeSource {
	if script == nil {
		script = func(int) realtime.Status { return realtime.StatusSubscribed }
	}
	return &fakeSource{script: script, live: map[string]*fakeChannel{}, refs: map[string]int{}}
}

func (s *fakeSource) Acquire(_ context.Context, name string, _ []realtime.ChangeFilter) (Channel, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires++
	ch, ok := s.live[name]
	if !ok {
		ch = &fakeChannel{
			name:      name,
			status:    s.script(len(s.created) + 1),
			listeners: map[int]fakeListener{},
			watchers:  map[int]func(realtime.Status, error){},
		}
		s.live[name] = ch
		s.created = append(s.created, ch)
	}
	s.refs[name]++

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.releases++
			s.refs[name]--
			if s.refs[name] <= 0 && s.live[name] == ch {
				delete(s.live, name)
				delete(s.refs, name)
			}
		})
	}, nil
}

func (s *fakeSource) channel(name string) *fakeChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[name]
}

func (s *fakeSource) counts() (acquires, releases, live int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires, s.releases, len(s.live)
}

type errSource struct{ err error }

func (s errSource) Acquire(context.Context, string, []realtime.ChangeFilter) (Channel, func(), error) {
	return nil, nil, s.err
}

var errBoom = errors.New("boom")

type message struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Text    string `json:"text"`
}

func (m message) EntityID() string { return m.ID }

func messageIDs(list []message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

var chatFilter = realtime.ChangeFilter{Event: realtime.AnyEvent, Schema: "public", Table: "chat_messages", Filter: "groupId=eq.group-42"}

func chatMerge(list []message, change realtime.Change) ([]message, error) {
	event, err := merge.Decode[message](change)
	if err != nil {
		return list, err
	}
	return merge.Collection[message]{Placement: merge.Prepend}.Apply(list, event), nil
}

func insertMessage(id string) realtime.Change {
	raw, _ := json.Marshal(message{ID: id, GroupID: "group-42", Text: "hi " + id})
	return realtime.Change{Kind: realtime.Insert, Schema: "public", Table: "chat_messages", Record: raw}
}
