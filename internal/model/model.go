// Package model holds the rows mirrored by the realtime bindings.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	TableGroups        = "groups"
	TableGroupMembers  = "group_members"
	TableChatMessages  = "chat_messages"
	TableJoinRequests  = "join_requests"
	TablePlaylistItems = "group_playlist_items"
	TableUsers         = "users"

	JoinRequestPending = "pending"
)

type User struct {
	ID        string    `json:"id"`
	Name      *string   `json:"name"`
	Email     *string   `json:"email"`
	Image     *string   `json:"image"`
	CreatedAt Timestamp `json:"createdAt"`
}

func (u User) EntityID() string { return u.ID }

func (u User) DisplayName() string {
	switch {
	case u.Name != nil && *u.Name != "":
		return *u.Name
	case u.Email != nil:
		return *u.Email
	default:
		return u.ID
	}
}

type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description"`
	IsPublic    bool      `json:"isPublic"`
	CreatedAt   Timestamp `json:"createdAt"`
}

func (g Group) EntityID() string { return g.ID }

// GroupMember is a membership row. User is only present when the query
// embedded it.
type GroupMember struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"groupId"`
	UserID   string    `json:"userId"`
	Role     string    `json:"role"`
	JoinedAt Timestamp `json:"joinedAt"`
	User     *User     `json:"user,omitempty"`
}

func (m GroupMember) EntityID() string { return m.ID }

type ChatMessage struct {
	ID         string     `json:"id"`
	GroupID    string     `json:"groupId"`
	AuthorID   string     `json:"authorId"`
	Text       *string    `json:"text"`
	PostID     *string    `json:"postId"`
	ReplyToID  *string    `json:"replyToId"`
	SpotifyURI *string    `json:"spotifyUri"`
	YoutubeID  *string    `json:"youtubeId"`
	CreatedAt  Timestamp  `json:"createdAt"`
	EditedAt   *Timestamp `json:"editedAt"`
}

func (m ChatMessage) EntityID() string { return m.ID }

type JoinRequest struct {
	ID        string    `json:"id"`
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	Message   *string   `json:"message"`
	Status    string    `json:"status"`
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
	User      *User     `json:"user,omitempty"`
}

func (r JoinRequest) EntityID() string { return r.ID }

// PlaylistItem is ordered by Position, a lexorank string.
type PlaylistItem struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"groupId"`
	AddedByID  string    `json:"addedById"`
	SpotifyURI *string   `json:"spotifyUri"`
	YoutubeID  *string   `json:"youtubeId"`
	Title      *string   `json:"title"`
	Note       *string   `json:"note"`
	Position   *string   `json:"position"`
	PostID     *string   `json:"postId"`
	CreatedAt  Timestamp `json:"createdAt"`
	UpdatedAt  Timestamp `json:"updatedAt"`
}

func (p PlaylistItem) EntityID() string { return p.ID }

func (p PlaylistItem) RankKey() string {
	if p.Position == nil {
		return ""
	}
	return *p.Position
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp accepts both zoned and zoneless timestamps; zoneless values
// are read as UTC.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
