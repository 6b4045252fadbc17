// Package conn owns the process-wide realtime connection and the channels
// multiplexed over it.
package conn

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tunesync/internal/channels"
	"tunesync/internal/logging"
	"tunesync/internal/realtime"
	"tunesync/internal/rest"
	"tunesync/internal/subscription"
)

var ErrConnectionReset = errors.New("realtime connection was reset")

type Tokens interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
	OnRefresh(fn func(token string)) func()
}

type Querier interface {
	Do(ctx context.Context, req rest.Request, token string, out any) error
}

type Options struct {
	RealtimeURL       string
	APIKey            string
	GraceWindow       time.Duration
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	Dialer            *websocket.Dialer
	Logger            *logging.Logger
}

type Manager struct {
	opts   Options
	tokens Tokens
	rest   Querier
	logger *logging.Logger

	createMu sync.Mutex

	mu       sync.Mutex
	socket   *realtime.Socket
	registry *channels.Registry[*realtime.Channel]
	unhook   func()
}

func New(opts Options, tokens Tokens, querier Querier) *Manager {
	if opts.Logger == nil {
		panic("conn.New: logger must not be nil")
	}
	if tokens == nil {
		panic("conn.New: tokens must not be nil")
	}
	m := &Manager{
		opts:     opts,
		tokens:   tokens,
		rest:     querier,
		logger:   opts.Logger,
		registry: channels.New[*realtime.Channel](opts.GraceWindow, opts.Logger),
	}
	m.unhook = tokens.OnRefresh(m.pushToken)
	return m
}

// Connection returns the shared socket, creating it on first use. A token
// failure is logged and the socket is built without user credentials.
func (m *Manager) Connection(ctx context.Context) (*realtime.Socket, error) {
	if socket := m.current(); socket != nil {
		return socket, nil
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if socket := m.current(); socket != nil {
		return socket, nil
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		m.logger.Warn("realtime token unavailable, connecting unauthenticated", logging.Field("error", err))
		token = ""
	}

	header := http.Header{}
	header.Set("apikey", m.opts.APIKey)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	socket := realtime.NewSocket(realtime.SocketOptions{
		URL:               m.opts.RealtimeURL,
		APIKey:            m.opts.APIKey,
		Header:            header,
		Dialer:            m.opts.Dialer,
		HeartbeatInterval: m.opts.HeartbeatInterval,
		Timeout:           m.opts.Timeout,
		Logger:            m.logger.With(logging.Field("component", "realtime")),
	})
	if token != "" {
		socket.SetAuth(token)
	}

	m.mu.Lock()
	m.socket = socket
	m.mu.Unlock()
	m.logger.Debug("realtime connection created", logging.Field("authenticated", token != ""))
	return socket, nil
}

// Acquire hands out the shared channel for name. The returned release is
// tied to this acquisition and is a no-op after a Reset.
func (m *Manager) Acquire(ctx context.Context, name string, filters []realtime.ChangeFilter) (subscription.Channel, func(), error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, errors.New("channel name is required")
	}
	socket, err := m.Connection(ctx)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	registry := m.registry
	current := m.socket
	m.mu.Unlock()
	if current != socket {
		return nil, nil, ErrConnectionReset
	}

	ch, err := registry.Acquire(name, func() (*realtime.Channel, error) {
		return socket.Channel(name, filters), nil
	})
	if err != nil {
		return nil, nil, err
	}
	var once sync.Once
	return ch, func() { once.Do(func() { registry.Release(name) }) }, nil
}

func (m *Manager) Release(name string) {
	m.mu.Lock()
	registry := m.registry
	m.mu.Unlock()
	registry.Release(name)
}

// Query runs a snapshot read with the current token, falling back to the
// anon key when no token is available.
func (m *Manager) Query(ctx context.Context, req rest.Request, out any) error {
	if m.rest == nil {
		return errors.New("query client is not configured")
	}
	token, err := m.tokens.Token(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.logger.Debug("querying without user token", logging.Field("error", err))
		token = ""
	}
	err = m.rest.Do(ctx, req, token, out)
	if token != "" && rest.IsUnauthorized(err) {
		m.logger.Warn("snapshot query rejected token, dropping cached token", logging.Field("table", req.Table))
		m.tokens.Invalidate()
	}
	return err
}

func (m *Manager) ActiveChannels() int {
	m.mu.Lock()
	registry := m.registry
	m.mu.Unlock()
	return registry.Len()
}

// Reset is sign-out: every channel is torn down, the socket is closed and
// the token cache cleared. The next call builds a fresh connection.
func (m *Manager) Reset() {
	m.createMu.Lock()
	m.mu.Lock()
	registry, socket := m.registry, m.socket
	m.registry = channels.New[*realtime.Channel](m.opts.GraceWindow, m.logger)
	m.socket = nil
	m.mu.Unlock()
	m.createMu.Unlock()

	m.tokens.Invalidate()
	drained := registry.Drain()
	if socket != nil {
		socket.Disconnect()
	}
	m.logger.Info("realtime connection reset", logging.Field("channels_closed", drained))
}

func (m *Manager) Close() {
	m.Reset()
	if m.unhook != nil {
		m.unhook()
	}
}

func (m *Manager) current() *realtime.Socket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socket
}

func (m *Manager) pushToken(token string) {
	if socket := m.current(); socket != nil {
		socket.SetAuth(token)
	}
}
