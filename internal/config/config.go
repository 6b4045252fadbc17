package config

import (
	"errors"
	"net/url"
	"os"
	"strings"

	flags "github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
)

type Options struct {
	SupabaseURL   string   `long:"supabase-url" env:"TUNESYNC_SUPABASE_URL" description:"Realtime backend base URL (e.g. https://project.supabase.co)"`
	AnonKey       string   `long:"anon-key" env:"TUNESYNC_ANON_KEY" description:"Public anon API key of the realtime backend"`
	AppURL        string   `long:"app-url" env:"TUNESYNC_APP_URL" description:"Application base URL serving the realtime token endpoint"`
	SessionCookie string   `long:"session-cookie" env:"TUNESYNC_SESSION_COOKIE" description:"Cookie header sent to the token endpoint"`
	SessionFile   string   `long:"session-file" env:"TUNESYNC_SESSION_FILE" description:"File holding the session cookie; changes trigger sign-out and rebind"`
	UserID        string   `long:"user-id" env:"TUNESYNC_USER_ID" description:"Current user id (group list stream)"`
	GroupID       string   `long:"group-id" env:"TUNESYNC_GROUP_ID" description:"Group id for group scoped streams"`
	Streams       []string `long:"stream" env:"TUNESYNC_STREAMS" env-delim:"," description:"Streams to mirror (groups, group, chat, members, requests, playlist); default all"`
	LogToFile     bool     `long:"log-to-file" env:"TUNESYNC_LOG_TO_FILE" description:"Persist logs as JSONL in the user cache directory"`
	LogDir        string   `long:"log-dir" env:"TUNESYNC_LOG_DIR" description:"Directory for persisted logs (default: user cache directory)"`
	LogKeep       int      `long:"log-keep" env:"TUNESYNC_LOG_KEEP" default:"10" description:"Number of log files to keep"`
	Debug         bool     `long:"debug" env:"TUNESYNC_DEBUG" description:"Enable verbose debug output"`
}

type Endpoints struct {
	RESTURL     string
	RealtimeURL string
	TokenURL    string
}

const (
	restPath     = "/rest/v1"
	realtimePath = "/realtime/v1/websocket"
	tokenPath    = "/api/auth/supabase-token"
)

func ParseOptions(args []string) (Options, error) {
	_ = godotenv.Load()
	opts := Options{}
	parser := flags.NewParser(&opts, flags.Default)
	if args == nil {
		args = os.Args[1:]
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func ValidateRequired(opts Options) error {
	if strings.TrimSpace(opts.SupabaseURL) == "" {
		return errors.New("realtime backend URL is required")
	}
	if strings.TrimSpace(opts.AnonKey) == "" {
		return errors.New("anon key is required")
	}
	if strings.TrimSpace(opts.AppURL) == "" {
		return errors.New("application URL is required")
	}
	if strings.TrimSpace(opts.UserID) == "" && strings.TrimSpace(opts.GroupID) == "" {
		return errors.New("set a user id, a group id, or both")
	}
	return nil
}

// SessionCookie returns the cookie to present to the token endpoint, preferring
// the session file when one is configured.
func SessionCookie(opts Options) (string, error) {
	path := strings.TrimSpace(opts.SessionFile)
	if path == "" {
		return strings.TrimSpace(opts.SessionCookie), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func BuildEndpoints(rawSupabaseURL string, rawAppURL string) (Endpoints, error) {
	backend, err := parseBaseURL(rawSupabaseURL)
	if err != nil {
		return Endpoints{}, err
	}
	app, err := parseBaseURL(rawAppURL)
	if err != nil {
		return Endpoints{}, err
	}

	ws := *backend
	if strings.EqualFold(ws.Scheme, "https") {
		ws.Scheme = "wss"
	} else {
		ws.Scheme = "ws"
	}

	return Endpoints{
		RESTURL:     strings.TrimRight(backend.String(), "/") + restPath,
		RealtimeURL: strings.TrimRight(ws.String(), "/") + realtimePath,
		TokenURL:    strings.TrimRight(app.String(), "/") + tokenPath,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("expected absolute URL like https://example.com")
	}
	if !strings.EqualFold(parsed.Scheme, "http") && !strings.EqualFold(parsed.Scheme, "https") {
		return nil, errors.New("URL scheme must be http or https")
	}

	// Pasted endpoint URLs collapse to their origin.
	parsed.Path = ""
	parsed.RawPath = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}
