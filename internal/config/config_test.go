package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildEndpoints_NormalizesOrigins(t *testing.T) {
	tests := []struct {
		name         string
		backend      string
		app          string
		wantREST     string
		wantRealtime string
		wantToken    string
	}{
		{
			name:         "https origins",
			backend:      "https://proj.supabase.co",
			app:          "https://tunes.example.com",
			wantREST:     "https://proj.supabase.co/rest/v1",
			wantRealtime: "wss://proj.supabase.co/realtime/v1/websocket",
			wantToken:    "https://tunes.example.com/api/auth/supabase-token",
		},
		{
			name:         "local http with pasted paths",
			backend:      "http://127.0.0.1:54321/rest/v1/groups?select=*",
			app:          "http://localhost:3000/app/groups/42#chat",
			wantREST:     "http://127.0.0.1:54321/rest/v1",
			wantRealtime: "ws://127.0.0.1:54321/realtime/v1/websocket",
			wantToken:    "http://localhost:3000/api/auth/supabase-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildEndpoints(tt.backend, tt.app)
			if err != nil {
				t.Fatalf("BuildEndpoints() error = %v", err)
			}
			if got.RESTURL != tt.wantREST {
				t.Fatalf("RESTURL = %q, want %q", got.RESTURL, tt.wantREST)
			}
			if got.RealtimeURL != tt.wantRealtime {
				t.Fatalf("RealtimeURL = %q, want %q", got.RealtimeURL, tt.wantRealtime)
			}
			if got.TokenURL != tt.wantToken {
				t.Fatalf("TokenURL = %q, want %q", got.TokenURL, tt.wantToken)
			}
		})
	}
}

func TestBuildEndpoints_InvalidScheme(t *testing.T) {
	for _, base := range []string{"ftp://example.com", "ws://example.com", "not a url"} {
		t.Run(base, func(t *testing.T) {
			if _, err := BuildEndpoints(base, "https://app.example.com"); err == nil {
				t.Fatalf("expected error for %q", base)
			}
		})
	}
}

func TestValidateRequired(t *testing.T) {
	opts := Options{SupabaseURL: "https://proj.supabase.co", AnonKey: "anon", AppURL: "https://app.example.com"}
	if err := ValidateRequired(opts); err == nil {
		t.Fatalf("expected error without user or group id")
	}
	opts.GroupID = "group-42"
	if err := ValidateRequired(opts); err != nil {
		t.Fatalf("ValidateRequired() error = %v", err)
	}
}

func TestParseOptions_StreamsAndEnv(t *testing.T) {
	t.Setenv("TUNESYNC_ANON_KEY", "anon-from-env")
	opts, err := ParseOptions([]string{"--supabase-url", "https://proj.supabase.co", "--stream", "messages", "--stream", "playlist"})
	if err != nil {
		t.Fatalf("ParseOptions() error = %v", err)
	}
	if opts.AnonKey != "anon-from-env" {
		t.Fatalf("AnonKey = %q", opts.AnonKey)
	}
	if len(opts.Streams) != 2 || opts.Streams[0] != "messages" || opts.Streams[1] != "playlist" {
		t.Fatalf("Streams = %v", opts.Streams)
	}
	if opts.LogKeep != 10 || opts.LogDir != "" {
		t.Fatalf("log defaults = keep %d dir %q", opts.LogKeep, opts.LogDir)
	}
}

func TestSessionCookie_PrefersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session")
	if err := os.WriteFile(path, []byte("next-auth.session-token=abc\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := SessionCookie(Options{SessionCookie: "ignored", SessionFile: path})
	if err != nil {
		t.Fatalf("SessionCookie() error = %v", err)
	}
	if got != "next-auth.session-token=abc" {
		t.Fatalf("SessionCookie() = %q", got)
	}

	missing, err := SessionCookie(Options{SessionFile: filepath.Join(dir, "missing")})
	if err != nil || missing != "" {
		t.Fatalf("SessionCookie(missing) = %q, %v", missing, err)
	}
}
