package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"tunesync/internal/logging"
)

const (
	// ExpiryBuffer is how long before expiry a cached token stops being handed out.
	ExpiryBuffer       = 5 * time.Minute
	DefaultLifetime    = time.Hour
	MinRefreshInterval = 30 * time.Second

	fetchTimeout    = 15 * time.Second
	fetchKey        = "token"
	maxStaleFetches = 3
)

type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && c.ExpiresAt.Sub(now) > ExpiryBuffer
}

type Options struct {
	// URL is the app's token route, e.g. https://app.example/api/auth/supabase-token.
	URL string
	// Cookie carries the signed-in session to the token route.
	Cookie string
	HTTP   *http.Client
	Logger *logging.Logger
	Now    func() time.Time
}

// TokenManager caches the short-lived realtime credential and coalesces
// concurrent fetches into one request.
type TokenManager struct {
	url    string
	cookie string
	http   *http.Client
	logger *logging.Logger
	now    func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	cred       Credential
	generation uint64
	nextHookID int
	hooks      map[int]func(string)
}

func NewTokenManager(opts Options) *TokenManager {
	if opts.Logger == nil {
		panic("auth.NewTokenManager: logger must not be nil")
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: fetchTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TokenManager{
		url:    strings.TrimSpace(opts.URL),
		cookie: strings.TrimSpace(opts.Cookie),
		http:   opts.HTTP,
		logger: opts.Logger,
		now:    opts.Now,
		hooks:  map[int]func(string){},
	}
}

// Token returns a cached token while it is outside the expiry buffer and
// fetches a new one otherwise. ctx only bounds this caller's wait.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if cred := m.Cached(); cred.Valid(m.now()) {
		return cred.Token, nil
	}
	cred, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// Refresh fetches a new token regardless of the cache, joining any fetch
// already in flight.
// A fetch overtaken by Invalidate or SetCookie is retried under the new
// session, up to maxStaleFetches times.
func (m *TokenManager) Refresh(ctx context.Context) (Credential, error) {
	var err error
	for range maxStaleFetches {
		var cred Credential
		cred, err = m.refreshOnce(ctx)
		if !errors.Is(err, ErrInvalidated) {
			return cred, err
		}
	}
	return Credential{}, err
}

func (m *TokenManager) refreshOnce(ctx context.Context) (Credential, error) {
	results := m.group.DoChan(fetchKey, func() (any, error) {
		return m.fetch(context.WithoutCancel(ctx))
	})
	select {
	case res := <-results:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

// Cached returns the last fetched credential, which may be stale.
func (m *TokenManager) Cached() Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cred
}

// Invalidate drops the cached credential. A fetch that started earlier will
// not repopulate the cache.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.cred = Credential{}
	m.generation++
	m.mu.Unlock()
	m.group.Forget(fetchKey)
}

// SetCookie swaps the session presented to the token route and drops the
// credential issued for the previous one.
func (m *TokenManager) SetCookie(cookie string) {
	m.mu.Lock()
	m.cookie = strings.TrimSpace(cookie)
	m.mu.Unlock()
	m.Invalidate()
}

// OnRefresh registers fn to run with every newly fetched token.
func (m *TokenManager) OnRefresh(fn func(token string)) func() {
	if fn == nil {
		panic("auth.TokenManager.OnRefresh: callback must not be nil")
	}
	m.mu.Lock()
	id := m.nextHookID
	m.nextHookID++
	m.hooks[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.hooks, id)
		m.mu.Unlock()
	}
}

// RunRefresh keeps the cached token fresh until ctx ends, refreshing ahead of
// the expiry buffer and backing off on failures.
func (m *TokenManager) RunRefresh(ctx context.Context) error {
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	retry.Reset()

	for {
		if !sleepContext(ctx, m.refreshDelay()) {
			return ctx.Err()
		}
		if _, err := m.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := retry.NextBackOff()
			m.logger.Warn("token refresh failed",
				logging.Field("error", err),
				logging.Field("retry_in", wait.String()),
			)
			if !sleepContext(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		retry.Reset()
	}
}

func (m *TokenManager) refreshDelay() time.Duration {
	cred := m.Cached()
	if cred.Token == "" {
		return 0
	}
	delay := cred.ExpiresAt.Add(-ExpiryBuffer).Sub(m.now())
	if delay < MinRefreshInterval {
		return MinRefreshInterval
	}
	return delay
}

func (m *TokenManager) fetch(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	generation := m.generation
	cookie := m.cookie
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Accept", "application/json")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return Credential{}, err
	}
	defer resp.Body.Close()
	m.logger.Debugf("GET %s -> %s", m.url, resp.Status)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		m.logger.Warn("token request rejected",
			logging.Field("status", resp.Status),
			logging.Field("response", logging.FormatHTTPPayload(data)),
		)
		return Credential{}, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	payload := struct {
		Token string `json:"token"`
	}{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Credential{}, err
	}
	token := strings.TrimSpace(payload.Token)
	if token == "" {
		return Credential{}, ErrMissingToken
	}

	cred := Credential{Token: token, ExpiresAt: expiryOf(token, m.now())}
	m.mu.Lock()
	if m.generation != generation {
		m.mu.Unlock()
		m.logger.Debug("discarding token fetched before invalidation")
		return Credential{}, ErrInvalidated
	}
	m.cred = cred
	hooks := make([]func(string), 0, len(m.hooks))
	for _, fn := range m.hooks {
		hooks = append(hooks, fn)
	}
	m.mu.Unlock()

	m.logger.Debug("realtime token refreshed", logging.Field("expires_at", cred.ExpiresAt.Format(time.RFC3339)))
	for _, fn := range hooks {
		fn(token)
	}
	return cred, nil
}

// expiryOf reads the exp claim without verifying the signature; tokens that
// are not JWTs get DefaultLifetime.
func expiryOf(token string, now time.Time) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	return now.Add(DefaultLifetime)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
