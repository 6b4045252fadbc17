package logging

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type rowPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestOrderedFieldKeys_LeadingAndPayload(t *testing.T) {
	fields := map[string]any{
		"record":     `{"id":"m1"}`,
		"retries":    2,
		"stream":     "chat",
		"attempt":    1,
		"identifier": "group-42",
		"component":  "subscription",
	}
	got := strings.Join(orderedFieldKeys(fields), ",")
	want := "component,stream,identifier,attempt,retries,record"
	if got != want {
		t.Fatalf("orderedFieldKeys() = %s, want %s", got, want)
	}
}

func TestFormatFieldValue(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, "<nil>"},
		{"error", errors.New("join rejected"), "join rejected"},
		{"json string compacted", "{\n  \"id\": \"m1\"\n}", `{"id":"m1"}`},
		{"raw message", json.RawMessage(`[ 1, 2 ]`), `[1,2]`},
		{"embedded json left alone", `500 Internal Server Error: {"message":"failed"}`, `500 Internal Server Error: {"message":"failed"}`},
		{"struct", rowPayload{ID: "p1", Title: "Song"}, `{"id":"p1","title":"Song"}`},
		{"duration", 1500 * time.Millisecond, "1.5s"},
		{"int", 3, "3"},
	}
	for _, tc := range cases {
		if got := formatFieldValue(tc.value); got != tc.want {
			t.Fatalf("%s: formatFieldValue() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestJSONBlock(t *testing.T) {
	block, ok := jsonBlock(`{"id":"m1","text":"hi"}`)
	if !ok || !strings.Contains(block, "\n") {
		t.Fatalf("jsonBlock() = %q, %v", block, ok)
	}
	if _, ok := jsonBlock("plain text"); ok {
		t.Fatalf("plain text should not render as a block")
	}
	if _, ok := jsonBlock(errors.New(`{"id":"m1"}`)); ok {
		t.Fatalf("errors render inline")
	}
}

func TestFormatHTTPPayload(t *testing.T) {
	if got := FormatHTTPPayload(nil); got != "<empty>" {
		t.Fatalf("empty payload = %q", got)
	}
	if got := FormatHTTPPayload([]byte(`"not signed in"`)); got != "not signed in" {
		t.Fatalf("quoted payload = %q", got)
	}
	got := FormatHTTPPayload([]byte(`"{\"code\":\"PGRST116\"}"`))
	if !strings.Contains(got, `"code": "PGRST116"`) {
		t.Fatalf("quoted json payload = %q", got)
	}
	if got := FormatHTTPPayload([]byte("upstream timeout\n")); got != "upstream timeout" {
		t.Fatalf("text payload = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("  a\n\tb  "); got != "a b" {
		t.Fatalf("Truncate() = %q", got)
	}
	if got := Truncate(" \n "); got != "<empty>" {
		t.Fatalf("Truncate(blank) = %q", got)
	}
	long := strings.Repeat("é", clipLimit)
	got := Truncate(long)
	if !strings.HasSuffix(got, "...") || len(got) > clipLimit+3 {
		t.Fatalf("Truncate(long) length = %d", len(got))
	}
	if !strings.HasPrefix(got, "é") || strings.ContainsRune(strings.TrimSuffix(got, "..."), '�') {
		t.Fatalf("Truncate cut inside a rune: %q", got[len(got)-8:])
	}
}

func TestFormatEventLine(t *testing.T) {
	line := FormatEventLine(Event{
		Time:    time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC),
		Message: "stream update",
		Fields:  map[string]any{"count": 3, "stream": "playlist"},
	})
	if line != "09:30:00 [INFO] stream update stream=playlist count=3\n" {
		t.Fatalf("FormatEventLine() = %q", line)
	}
}
