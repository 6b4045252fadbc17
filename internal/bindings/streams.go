// Package bindings declares the live views the app mirrors: which channel
// each one listens on, how it loads its snapshot and how changes merge.
package bindings

import (
	"context"

	"tunesync/internal/merge"
	"tunesync/internal/model"
	"tunesync/internal/realtime"
	"tunesync/internal/rest"
	"tunesync/internal/subscription"
)

// Backend is what the bindings need from the connection layer.
type Backend interface {
	subscription.Source
	Query(ctx context.Context, req rest.Request, out any) error
}

// channelName keys the shared channel. Two descriptors on the same table with
// different filters must use different scopes, since the registry shares by
// name alone.
func channelName(prefix, identifier string) string {
	return prefix + ":" + identifier
}

func allChanges(table, filter string) realtime.ChangeFilter {
	return realtime.ChangeFilter{Event: realtime.AnyEvent, Schema: realtime.DefaultSchema, Table: table, Filter: filter}
}

func eq(column, value string) string {
	return column + "=eq." + value
}

func query[S any](backend Backend, req rest.Request) func(ctx context.Context) (S, error) {
	return func(ctx context.Context) (S, error) {
		var out S
		err := backend.Query(ctx, req, &out)
		return out, err
	}
}

func collection[T merge.Entity](policy merge.Collection[T]) func([]T, realtime.Change) ([]T, error) {
	return func(items []T, change realtime.Change) ([]T, error) {
		event, err := merge.Decode[T](change)
		if err != nil {
			return items, err
		}
		return policy.Apply(items, event), nil
	}
}

func record[T merge.Entity](current *T, change realtime.Change) (*T, error) {
	event, err := merge.Decode[T](change)
	if err != nil {
		return current, err
	}
	return merge.Record(current, event), nil
}

// GroupListDescriptor follows the memberships of one user.
func GroupListDescriptor(backend Backend, userID string) subscription.Descriptor[[]model.GroupMember] {
	return subscription.Descriptor[[]model.GroupMember]{
		Identifier: userID,
		Channel:    channelName(model.TableGroupMembers, "user-"+userID),
		Filters:    []realtime.ChangeFilter{allChanges(model.TableGroupMembers, eq("userId", userID))},
		Load: query[[]model.GroupMember](backend, rest.Request{
			Table: model.TableGroupMembers,
			Where: []rest.Filter{rest.Eq("userId", userID)},
		}),
		Merge: collection(merge.Collection[model.GroupMember]{Placement: merge.Append}),
	}
}

// GroupInfoDescriptor mirrors a single group row.
func GroupInfoDescriptor(backend Backend, groupID string) subscription.Descriptor[*model.Group] {
	return subscription.Descriptor[*model.Group]{
		Identifier: groupID,
		Channel:    channelName(model.TableGroups, groupID),
		Filters:    []realtime.ChangeFilter{allChanges(model.TableGroups, eq("id", groupID))},
		Load: query[*model.Group](backend, rest.Request{
			Table:  model.TableGroups,
			Where:  []rest.Filter{rest.Eq("id", groupID)},
			Single: true,
		}),
		Merge: record[model.Group],
	}
}

// ChatMessagesDescriptor keeps messages newest first.
func ChatMessagesDescriptor(backend Backend, groupID string) subscription.Descriptor[[]model.ChatMessage] {
	return subscription.Descriptor[[]model.ChatMessage]{
		Identifier: groupID,
		Channel:    channelName(model.TableChatMessages, groupID),
		Filters:    []realtime.ChangeFilter{allChanges(model.TableChatMessages, eq("groupId", groupID))},
		Load: query[[]model.ChatMessage](backend, rest.Request{
			Table: model.TableChatMessages,
			Where: []rest.Filter{rest.Eq("groupId", groupID)},
			Order: []rest.Order{{Column: "createdAt", Descending: true}},
		}),
		Merge: collection(merge.Collection[model.ChatMessage]{Placement: merge.Prepend}),
	}
}

// GroupMembersDescriptor reloads on any change because rows embed the user.
func GroupMembersDescriptor(backend Backend, groupID string) subscription.Descriptor[[]model.GroupMember] {
	return subscription.Descriptor[[]model.GroupMember]{
		Identifier: groupID,
		Channel:    channelName(model.TableGroupMembers, "group-"+groupID),
		Filters:    []realtime.ChangeFilter{allChanges(model.TableGroupMembers, eq("groupId", groupID))},
		Load: query[[]model.GroupMember](backend, rest.Request{
			Table:  model.TableGroupMembers,
			Select: "*, user:users(*)",
			Where:  []rest.Filter{rest.Eq("groupId", groupID)},
		}),
		RefetchOnChange: true,
	}
}

// JoinRequestsDescriptor lists pending requests with their users.
func JoinRequestsDescriptor(backend Backend, groupID string) subscription.Descriptor[[]model.JoinRequest] {
	return subscription.Descriptor[[]model.JoinRequest]{
		Identifier: groupID,
		Channel:    channelName(model.TableJoinRequests, groupID),
		Filters:    []realtime.ChangeFilter{allChanges(model.TableJoinRequests, eq("groupId", groupID))},
		Load: query[[]model.JoinRequest](backend, rest.Request{
			Table:  model.TableJoinRequests,
			Select: "*, user:users(*)",
			Where:  []rest.Filter{rest.Eq("groupId", groupID), rest.Eq("status", model.JoinRequestPending)},
		}),
		RefetchOnChange: true,
	}
}

// PlaylistDescriptor keeps items in position order. Deletes are not filtered
// by group because the old row only carries the primary key.
func PlaylistDescriptor(backend Backend, groupID string) subscription.Descriptor[[]model.PlaylistItem] {
	byGroup := eq("groupId", groupID)
	return subscription.Descriptor[[]model.PlaylistItem]{
		Identifier: groupID,
		Channel:    channelName("group_playlist", groupID),
		Filters: []realtime.ChangeFilter{
			{Event: string(realtime.Insert), Schema: realtime.DefaultSchema, Table: model.TablePlaylistItems, Filter: byGroup},
			{Event: string(realtime.Update), Schema: realtime.DefaultSchema, Table: model.TablePlaylistItems, Filter: byGroup},
			{Event: string(realtime.Delete), Schema: realtime.DefaultSchema, Table: model.TablePlaylistItems},
		},
		Load: query[[]model.PlaylistItem](backend, rest.Request{
			Table: model.TablePlaylistItems,
			Where: []rest.Filter{rest.Eq("groupId", groupID)},
			Order: []rest.Order{{Column: "position"}},
		}),
		Merge: collection(merge.Collection[model.PlaylistItem]{Less: merge.ByRank[model.PlaylistItem]}),
	}
}

func GroupList(ctx context.Context, backend Backend, userID string, opts subscription.Options) *subscription.Binding[[]model.GroupMember] {
	return subscription.Bind(ctx, backend, GroupListDescriptor(backend, userID), opts)
}

func GroupInfo(ctx context.Context, backend Backend, groupID string, opts subscription.Options) *subscription.Binding[*model.Group] {
	return subscription.Bind(ctx, backend, GroupInfoDescriptor(backend, groupID), opts)
}

func ChatMessages(ctx context.Context, backend Backend, groupID string, opts subscription.Options) *subscription.Binding[[]model.ChatMessage] {
	return subscription.Bind(ctx, backend, ChatMessagesDescriptor(backend, groupID), opts)
}

func GroupMembers(ctx context.Context, backend Backend, groupID string, opts subscription.Options) *subscription.Binding[[]model.GroupMember] {
	return subscription.Bind(ctx, backend, GroupMembersDescriptor(backend, groupID), opts)
}

func JoinRequests(ctx context.Context, backend Backend, groupID string, opts subscription.Options) *subscription.Binding[[]model.JoinRequest] {
	return subscription.Bind(ctx, backend, JoinRequestsDescriptor(backend, groupID), opts)
}

func Playlist(ctx context.Context, backend Backend, groupID string, opts subscription.Options) *subscription.Binding[[]model.PlaylistItem] {
	return subscription.Bind(ctx, backend, PlaylistDescriptor(backend, groupID), opts)
}

// Rebinders follow a changing identifier, e.g. the group on screen.

func NewGroupListRebinder(ctx context.Context, backend Backend, opts subscription.Options) *subscription.Rebinder[[]model.GroupMember] {
	return subscription.NewRebinder(ctx, backend, opts, func(id string) subscription.Descriptor[[]model.GroupMember] {
		return GroupListDescriptor(backend, id)
	})
}

func NewGroupInfoRebinder(ctx context.Context, backend Backend, opts subscription.Options) *subscription.Rebinder[*model.Group] {
	return subscription.NewRebinder(ctx, backend, opts, func(id string) subscription.Descriptor[*model.Group] {
		return GroupInfoDescriptor(backend, id)
	})
}

func NewChatMessagesRebinder(ctx context.Context, backend Backend, opts subscription.Options) *subscription.Rebinder[[]model.ChatMessage] {
	return subscription.NewRebinder(ctx, backend, opts, func(id string) subscription.Descriptor[[]model.ChatMessage] {
		return ChatMessagesDescriptor(backend, id)
	})
}

func NewGroupMembersRebinder(ctx context.Context, backend Backend, opts subscription.Options) *subscription.Rebinder[[]model.GroupMember] {
	return subscription.NewRebinder(ctx, backend, opts, func(id string) subscription.Descriptor[[]model.GroupMember] {
		return GroupMembersDescriptor(backend, id)
	})
}

func NewJoinRequestsRebinder(ctx context.Context, backend Backend, opts subscription.Options) *subscription.Rebinder[[]model.JoinRequest] {
	return subscription.NewRebinder(ctx, backend, opts, func(id string) subscription.Descriptor[[]model.JoinRequest] {
		return JoinRequestsDescriptor(backend, id)
	})
}

func NewPlaylistRebinder(ctx context.Context, backend Backend, opts subscription.Options) *subscription.Rebinder[[]model.PlaylistItem] {
	return subscription.NewRebinder(ctx, backend, opts, func(id string) subscription.Descriptor[[]model.PlaylistItem] {
		return PlaylistDescriptor(backend, id)
	})
}
