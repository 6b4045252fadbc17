// Package merge folds realtime change events into local snapshots. Every
// function returns a new value and leaves its inputs untouched.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/tidwall/gjson"

	"tunesync/internal/realtime"
)

var ErrMissingID = errors.New("change event has no id")

type Entity interface {
	EntityID() string
}

// Ranked entities are kept ordered by an opaque, lexically comparable key.
type Ranked interface {
	Entity
	RankKey() string
}

type Event[T Entity] struct {
	Kind   realtime.ChangeKind
	ID     string
	Record T
	// HasRecord is false for deletes that carried only the primary key.
	HasRecord bool
}

// Decode turns a raw change into a typed event. The id of a delete comes
// from the old record.
func Decode[T Entity](change realtime.Change) (Event[T], error) {
	event := Event[T]{Kind: change.Kind}
	switch change.Kind {
	case realtime.Insert, realtime.Update:
		if err := json.Unmarshal(change.Record, &event.Record); err != nil {
			return Event[T]{}, fmt.Errorf("decode %s %s record: %w", change.Table, change.Kind, err)
		}
		event.HasRecord = true
		event.ID = event.Record.EntityID()
		if event.ID == "" {
			event.ID = gjson.GetBytes(change.Record, "id").String()
		}
	case realtime.Delete:
		event.ID = gjson.GetBytes(change.OldRecord, "id").String()
		if old := gjson.ParseBytes(change.OldRecord); old.IsObject() && len(old.Map()) > 1 {
			if err := json.Unmarshal(change.OldRecord, &event.Record); err == nil {
				event.HasRecord = true
			}
		}
	default:
		return Event[T]{}, fmt.Errorf("unknown change kind %q", change.Kind)
	}
	if event.ID == "" {
		return Event[T]{}, fmt.Errorf("%w: %s %s", ErrMissingID, change.Table, change.Kind)
	}
	return event, nil
}

type Placement int

const (
	Append Placement = iota
	Prepend
)

// Collection is the merge policy for list snapshots. A non-nil Less keeps the
// list sorted and makes updates for unknown ids insert the row.
type Collection[T Entity] struct {
	Placement Placement
	Less      func(a, b T) bool
}

func (c Collection[T]) Ordered() bool { return c.Less != nil }

func (c Collection[T]) Apply(items []T, event Event[T]) []T {
	switch event.Kind {
	case realtime.Insert:
		return c.Insert(items, event.Record)
	case realtime.Update:
		return c.Update(items, event.Record)
	case realtime.Delete:
		return c.ensureSorted(Delete(items, event.ID))
	default:
		return items
	}
}

// ensureSorted returns items in collection order, copying only when the
// input is out of order.
func (c Collection[T]) ensureSorted(items []T) []T {
	if !c.Ordered() || slices.IsSortedFunc(items, c.compare) {
		return items
	}
	out := slices.Clone(items)
	c.sort(out)
	return out
}

// Insert adds item unless its id is already present.
func (c Collection[T]) Insert(items []T, item T) []T {
	if IndexOf(items, item.EntityID()) >= 0 {
		return c.ensureSorted(items)
	}
	out := make([]T, 0, len(items)+1)
	switch {
	case c.Placement == Prepend && !c.Ordered():
		out = append(append(out, item), items...)
	default:
		out = append(append(out, items...), item)
	}
	if c.Ordered() {
		c.sort(out)
	}
	return out
}

// Update replaces the row with the same id. Unknown ids are ignored unless
// the collection is ordered.
func (c Collection[T]) Update(items []T, item T) []T {
	idx := IndexOf(items, item.EntityID())
	if idx < 0 {
		if c.Ordered() {
			return c.Insert(items, item)
		}
		return items
	}
	out := slices.Clone(items)
	out[idx] = item
	if c.Ordered() {
		c.sort(out)
	}
	return out
}

func (c Collection[T]) compare(a, b T) int {
	switch {
	case c.Less(a, b):
		return -1
	case c.Less(b, a):
		return 1
	default:
		return 0
	}
}

func (c Collection[T]) sort(items []T) {
	slices.SortStableFunc(items, c.compare)
}

// Delete removes the row with id, if any.
func Delete[T Entity](items []T, id string) []T {
	idx := IndexOf(items, id)
	if idx < 0 {
		return items
	}
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:idx]...)
	return append(out, items[idx+1:]...)
}

func IndexOf[T Entity](items []T, id string) int {
	return slices.IndexFunc(items, func(item T) bool { return item.EntityID() == id })
}

// ByRank orders by rank key, breaking ties by id.
func ByRank[T Ranked](a, b T) bool {
	if a.RankKey() != b.RankKey() {
		return a.RankKey() < b.RankKey()
	}
	return a.EntityID() < b.EntityID()
}

// Record applies an event to a single-row snapshot: inserts and updates
// replace it, a delete of the same row clears it.
func Record[T Entity](current *T, event Event[T]) *T {
	switch event.Kind {
	case realtime.Insert, realtime.Update:
		next := event.Record
		return &next
	case realtime.Delete:
		if current == nil || (*current).EntityID() == event.ID {
			return nil
		}
		return current
	default:
		return current
	}
}
