package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tunesync/internal/logging"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultTimeout           = 10 * time.Second
	protocolVersion          = "1.0.0"
)

type SocketOptions struct {
	// URL is the websocket endpoint, e.g. wss://<project>.supabase.co/realtime/v1/websocket.
	URL               string
	APIKey            string
	Header            http.Header
	Dialer            *websocket.Dialer
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	Logger            *logging.Logger
}

// Socket is a lazily dialed multiplexed connection to the realtime backend.
// Channels created from it join on Subscribe; the socket dials on first use.
type Socket struct {
	opts   SocketOptions
	logger *logging.Logger

	dialMu  sync.Mutex
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	connDone chan struct{}
	closed   bool
	token    string
	ref      uint64
	channels map[*Channel]struct{}
	pending  map[string]chan message
}

func NewSocket(opts SocketOptions) *Socket {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Socket{
		opts:     opts,
		logger:   opts.Logger,
		channels: map[*Channel]struct{}{},
		pending:  map[string]chan message{},
	}
}

// Channel returns a new channel bound to this socket. It does not join until
// Subscribe is called.
func (s *Socket) Channel(name string, filters []ChangeFilter) *Channel {
	normalized := make([]ChangeFilter, 0, len(filters))
	for _, filter := range filters {
		normalized = append(normalized, filter.normalized())
	}
	ch := &Channel{
		socket:    s,
		name:      name,
		topic:     topicPrefix + name,
		filters:   normalized,
		logger:    s.logger.With(logging.Field("channel", name)),
		listeners: map[int]changeListener{},
		watchers:  map[int]func(Status, error){},
	}
	s.mu.Lock()
	if s.closed {
		ch.removed = true
	} else {
		s.channels[ch] = struct{}{}
	}
	s.mu.Unlock()
	return ch
}

// SetAuth records the token used for future joins and pushes it to every
// joined channel.
func (s *Socket) SetAuth(token string) {
	s.mu.Lock()
	if s.token == token {
		s.mu.Unlock()
		return
	}
	s.token = token
	channels := s.channelSnapshotLocked()
	s.mu.Unlock()

	for _, ch := range channels {
		ch.pushAccessToken(token)
	}
}

func (s *Socket) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Disconnect closes the connection and every channel. The socket cannot be
// reused afterwards.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	channels := s.channelSnapshotLocked()
	s.channels = map[*Channel]struct{}{}
	s.failPendingLocked()
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	for _, ch := range channels {
		ch.socketClosed()
	}
	s.logger.Debug("realtime socket disconnected", logging.Field("channels", len(channels)))
}

func (s *Socket) endpoint() (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(s.opts.URL))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", parsed.Scheme)
	}
	query := parsed.Query()
	if s.opts.APIKey != "" {
		query.Set("apikey", s.opts.APIKey)
	}
	query.Set("vsn", protocolVersion)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (s *Socket) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Socket) connect(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSocketClosed
	}
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	if conn := s.current(); conn != nil {
		return conn, nil
	}

	endpoint, err := s.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := s.opts.Dialer.DialContext(ctx, endpoint, s.opts.Header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			s.logger.Warn("realtime connect failed", logging.Field("status", resp.Status))
			return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrSocketClosed
	}
	s.conn = conn
	s.connDone = done
	s.mu.Unlock()

	s.logger.Debug("realtime socket connected")
	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)
	return conn, nil
}

func (s *Socket) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) write(conn *websocket.Conn, msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// send writes msg without waiting for a reply. With dial false it only uses
// an already open connection.
func (s *Socket) send(ctx context.Context, msg message, dial bool) error {
	var conn *websocket.Conn
	if dial {
		var err error
		if conn, err = s.connect(ctx); err != nil {
			return err
		}
	} else if conn = s.current(); conn == nil {
		return ErrSocketClosed
	}
	if msg.Ref == "" {
		msg.Ref = s.nextRef()
	}
	return s.write(conn, msg)
}

// request writes msg and waits for the matching phx_reply.
func (s *Socket) request(ctx context.Context, msg message, dial bool) (replyPayload, error) {
	if msg.Ref == "" {
		msg.Ref = s.nextRef()
	}
	replies := make(chan message, 1)
	s.mu.Lock()
	s.pending[msg.Ref] = replies
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, msg, dial); err != nil {
		return replyPayload{}, err
	}

	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-replies:
		if !ok {
			return replyPayload{}, ErrSocketClosed
		}
		var payload replyPayload
		if err := json.Unmarshal(reply.Payload, &payload); err != nil {
			return replyPayload{}, fmt.Errorf("invalid reply payload: %w", err)
		}
		return payload, nil
	case <-timer.C:
		return replyPayload{}, ErrPushTimeout
	case <-ctx.Done():
		return replyPayload{}, ctx.Err()
	}
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.dropConn(conn, err)
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed realtime frame",
				logging.Field("error", err),
				logging.Field("frame", logging.FormatHTTPPayload(data)),
			)
			continue
		}
		s.route(msg)
	}
}

func (s *Socket) route(msg message) {
	if msg.Event == eventReply && msg.Ref != "" {
		s.mu.Lock()
		replies, ok := s.pending[msg.Ref]
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
		if ok {
			replies <- msg
		}
		return
	}
	if msg.Topic == phoenixTopic {
		return
	}

	s.mu.Lock()
	var targets []*Channel
	for ch := range s.channels {
		if ch.topic == msg.Topic {
			targets = append(targets, ch)
		}
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		s.logger.Debug("dropping realtime frame for unknown topic",
			logging.Field("topic", msg.Topic),
			logging.Field("event", msg.Event),
		)
		return
	}
	for _, ch := range targets {
		ch.handle(msg)
	}
}

func (s *Socket) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		if s.current() != conn {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
		_, err := s.request(ctx, message{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`)}, false)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrSocketClosed) {
			return
		}
		s.logger.Warn("realtime heartbeat failed, closing connection", logging.Field("error", err))
		_ = conn.Close()
		return
	}
}

// dropConn forgets a dead connection and fails every joined channel.
func (s *Socket) dropConn(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connDone = nil
	s.failPendingLocked()
	channels := s.channelSnapshotLocked()
	s.mu.Unlock()

	_ = conn.Close()
	s.logger.Warn("realtime connection lost", logging.Field("error", cause))
	for _, ch := range channels {
		ch.connectionLost(cause)
	}
}

func (s *Socket) removeChannel(ch *Channel) {
	s.mu.Lock()
	delete(s.channels, ch)
	s.mu.Unlock()
}

func (s *Socket) channelSnapshotLocked() []*Channel {
	out := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Socket) failPendingLocked() {
	for ref, replies := range s.pending {
		close(replies)
		delete(s.pending, ref)
	}
}
