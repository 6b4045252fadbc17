package runtime

import (
	"context"
	"net/http"
	"strings"
	"time"

	"tunesync/internal/app"
	"tunesync/internal/auth"
	"tunesync/internal/config"
	"tunesync/internal/conn"
	"tunesync/internal/logging"
	"tunesync/internal/rest"
	"tunesync/internal/sessionwatch"
	"tunesync/internal/subscription"
)

const defaultHTTPTimeout = 10 * time.Second

type Service interface {
	RunContext(ctx context.Context) error
}

func NewService(opts config.Options, logger *logging.Logger) (Service, error) {
	return NewServiceWithHooks(opts, logger, StartHooks{})
}

func NewServiceWithHooks(opts config.Options, logger *logging.Logger, hooks StartHooks) (Service, error) {
	if logger == nil {
		panic("runtime.NewServiceWithHooks: logger must not be nil")
	}
	if err := config.ValidateRequired(opts); err != nil {
		return nil, err
	}
	targets, err := app.Targets(opts)
	if err != nil {
		return nil, err
	}

	endpoints, err := config.BuildEndpoints(opts.SupabaseURL, opts.AppURL)
	if err != nil {
		return nil, err
	}
	logger.Debug("constructed API endpoints",
		logging.Field("rest_url", endpoints.RESTURL),
		logging.Field("realtime_url", endpoints.RealtimeURL),
		logging.Field("token_url", endpoints.TokenURL),
	)

	cookie, err := config.SessionCookie(opts)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	tokens := auth.NewTokenManager(auth.Options{
		URL:    endpoints.TokenURL,
		Cookie: cookie,
		HTTP:   httpClient,
		Logger: logger.With(logging.Field("component", "auth")),
	})
	restClient := rest.New(httpClient, endpoints.RESTURL, opts.AnonKey, logger.With(logging.Field("component", "rest")))
	manager := conn.New(conn.Options{
		RealtimeURL: endpoints.RealtimeURL,
		APIKey:      opts.AnonKey,
		Logger:      logger.With(logging.Field("component", "conn")),
	}, tokens, restClient)

	var session app.SessionSource
	if path := strings.TrimSpace(opts.SessionFile); path != "" {
		watcher, err := sessionwatch.New(sessionwatch.Options{Path: path}, logger.With(logging.Field("component", "session")))
		if err != nil {
			manager.Close()
			return nil, err
		}
		session = watcher
	}

	return app.New(targets, manager, tokens, session, subscription.Options{
		Logger: logger.With(logging.Field("component", "subscription")),
	}, logger, app.Callbacks{
		OnSummary:      hooks.OnSummary,
		OnStatusChange: hooks.OnStatus,
	}), nil
}
