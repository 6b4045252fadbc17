package bindings

import (
	"context"
	"fmt"
	"strings"

	"tunesync/internal/model"
	"tunesync/internal/subscription"
)

type Stream string

const (
	StreamGroups   Stream = "groups"
	StreamGroup    Stream = "group"
	StreamChat     Stream = "chat"
	StreamMembers  Stream = "members"
	StreamRequests Stream = "requests"
	StreamPlaylist Stream = "playlist"
)

func Streams() []Stream {
	return []Stream{StreamGroups, StreamGroup, StreamChat, StreamMembers, StreamRequests, StreamPlaylist}
}

func ParseStream(raw string) (Stream, error) {
	name := Stream(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range Streams() {
		if s == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stream %q", raw)
}

// ByUser reports whether the stream is keyed by user id rather than group id.
func (s Stream) ByUser() bool {
	return s == StreamGroups
}

// Summary is a type-erased view of a binding's state.
type Summary struct {
	Stream     Stream
	Identifier string
	Phase      subscription.Phase
	Connected  bool
	Loaded     bool
	Count      int
	Retries    int
	Err        error
}

// Open binds stream for identifier and reports every state change to fn.
// The returned func closes the binding.
func Open(ctx context.Context, backend Backend, stream Stream, identifier string, opts subscription.Options, fn func(Summary)) (func(), error) {
	if fn == nil {
		panic("bindings.Open: callback must not be nil")
	}
	switch stream {
	case StreamGroups:
		return watch(GroupList(ctx, backend, identifier, opts), stream, count[model.GroupMember], fn), nil
	case StreamGroup:
		return watch(GroupInfo(ctx, backend, identifier, opts), stream, countRecord[model.Group], fn), nil
	case StreamChat:
		return watch(ChatMessages(ctx, backend, identifier, opts), stream, count[model.ChatMessage], fn), nil
	case StreamMembers:
		return watch(GroupMembers(ctx, backend, identifier, opts), stream, count[model.GroupMember], fn), nil
	case StreamRequests:
		return watch(JoinRequests(ctx, backend, identifier, opts), stream, count[model.JoinRequest], fn), nil
	case StreamPlaylist:
		return watch(Playlist(ctx, backend, identifier, opts), stream, count[model.PlaylistItem], fn), nil
	default:
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
}

func watch[S any](b *subscription.Binding[S], stream Stream, size func(S) int, fn func(Summary)) func() {
	stop := b.Watch(func(state subscription.State[S]) {
		fn(Summary{
			Stream:     stream,
			Identifier: b.Identifier(),
			Phase:      state.Phase,
			Connected:  state.Connected,
			Loaded:     state.Loaded,
			Count:      size(state.Data),
			Retries:    state.Retries,
			Err:        state.Err,
		})
	})
	return func() {
		stop()
		b.Close()
	}
}

func count[T any](items []T) int { return len(items) }

func countRecord[T any](item *T) int {
	if item == nil {
		return 0
	}
	return 1
}
