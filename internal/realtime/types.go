package realtime

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is what a channel reports to its subscribe callbacks.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

type ChangeKind string

const (
	Insert ChangeKind = "INSERT"
	Update ChangeKind = "UPDATE"
	Delete ChangeKind = "DELETE"
)

const (
	AnyEvent      = "*"
	DefaultSchema = "public"
)

// ChangeFilter selects postgres change events for a table. Filter uses the
// backend's column=op.value syntax, e.g. "groupId=eq.42".
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (f ChangeFilter) normalized() ChangeFilter {
	if strings.TrimSpace(f.Event) == "" {
		f.Event = AnyEvent
	}
	if strings.TrimSpace(f.Schema) == "" {
		f.Schema = DefaultSchema
	}
	return f
}

// Matches reports whether a change belongs to this filter. Row predicates are
// evaluated by the server; only event kind, schema and table are checked here.
func (f ChangeFilter) Matches(c Change) bool {
	f = f.normalized()
	if f.Event != AnyEvent && !strings.EqualFold(f.Event, string(c.Kind)) {
		return false
	}
	if c.Schema != "" && f.Schema != c.Schema {
		return false
	}
	return f.Table == "" || f.Table == c.Table
}

// Change is one insert/update/delete on a watched table. Record is empty for
// deletes; OldRecord may hold only the primary key.
type Change struct {
	Kind            ChangeKind
	Schema          string
	Table           string
	Record          json.RawMessage
	OldRecord       json.RawMessage
	CommitTimestamp time.Time
}

type message struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig `json:"broadcast"`
	Presence        presenceConfig  `json:"presence"`
	PostgresChanges []ChangeFilter  `json:"postgres_changes"`
	Private         bool            `json:"private"`
}

type broadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type accessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

type changePayload struct {
	Data struct {
		Schema          string          `json:"schema"`
		Table           string          `json:"table"`
		CommitTimestamp string          `json:"commit_timestamp"`
		Type            string          `json:"type"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
	} `json:"data"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	eventJoin        = "phx_join"
	eventLeave       = "phx_leave"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventAccessToken = "access_token"
	eventChanges     = "postgres_changes"
	eventSystem      = "system"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"
)

func decodeChange(raw json.RawMessage) (Change, error) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Change{}, err
	}
	change := Change{
		Kind:      ChangeKind(strings.ToUpper(payload.Data.Type)),
		Schema:    payload.Data.Schema,
		Table:     payload.Data.Table,
		Record:    payload.Data.Record,
		OldRecord: payload.Data.OldRecord,
	}
	if ts, err := time.Parse(time.RFC3339Nano, payload.Data.CommitTimestamp); err == nil {
		change.CommitTimestamp = ts
	}
	return change, nil
}
