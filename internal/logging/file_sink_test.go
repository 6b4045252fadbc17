package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultLogDirPathSuffix(t *testing.T) {
	path, err := DefaultLogDirPath()
	if err != nil {
		t.Fatalf("DefaultLogDirPath() error = %v", err)
	}
	if want := filepath.Join("tunesync", "logs"); !strings.HasSuffix(path, want) {
		t.Fatalf("DefaultLogDirPath() = %q, want suffix %q", path, want)
	}
}

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("decode %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestFileSinkWritesFlatLines(t *testing.T) {
	dir := t.TempDir()
	sink, err := newFileSink(FileOptions{Dir: dir})
	if err != nil {
		t.Fatalf("newFileSink() error = %v", err)
	}
	err = sink.WriteEvent(Event{
		Time:    time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
		Level:   slog.LevelWarn,
		Message: "change dropped",
		Fields: map[string]any{
			"channel": "chat_messages:group-42",
			"record":  `{"id":"m1"}`,
			"msg":     "shadowed",
			"error":   errors.New("decode failed"),
		},
	})
	if err != nil {
		t.Fatalf("WriteEvent() error = %v", err)
	}
	_ = sink.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}
	lines := readLines(t, filepath.Join(dir, entries[0].Name()))
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	line := lines[0]
	if line["ts"] != "2026-10-19T09:00:00Z" || line["level"] != "warn" || line["msg"] != "change dropped" {
		t.Fatalf("line = %#v", line)
	}
	if line["field.msg"] != "shadowed" || line["error"] != "decode failed" {
		t.Fatalf("line = %#v", line)
	}
	record, ok := line["record"].(map[string]any)
	if !ok || record["id"] != "m1" {
		t.Fatalf("record should persist as nested JSON, got %#v", line["record"])
	}
}

func TestFileSinkRotatesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tunesync-20200101-000000-001.jsonl"), []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0o600); err != nil {
		t.Fatal(err)
	}
	sink, err := newFileSink(FileOptions{Dir: dir, MaxBytes: 160, Keep: 3})
	if err != nil {
		t.Fatalf("newFileSink() error = %v", err)
	}
	event := Event{
		Time:    time.Unix(1760000000, 0),
		Level:   slog.LevelInfo,
		Message: "channel acquired",
		Fields:  map[string]any{"channel": "chat_messages:group-42", "refs": 1},
	}
	for range 8 {
		if err := sink.WriteEvent(event); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}
	_ = sink.Close()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var logs []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".jsonl") {
			logs = append(logs, entry.Name())
		}
	}
	if len(logs) != 3 {
		t.Fatalf("log files = %v, want 3 newest", logs)
	}
	for _, name := range logs {
		if strings.Contains(name, "20200101") {
			t.Fatalf("old run %s should have been pruned", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("unrelated files must survive pruning: %v", err)
	}
	last := readLines(t, filepath.Join(dir, logs[len(logs)-1]))
	if len(last) == 0 || last[0]["channel"] != "chat_messages:group-42" {
		t.Fatalf("last file lines = %#v", last)
	}
}

func TestFileSinkWriteAfterClose(t *testing.T) {
	sink, err := newFileSink(FileOptions{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("newFileSink() error = %v", err)
	}
	_ = sink.Close()
	if err := sink.WriteEvent(Event{Time: time.Now(), Message: "late"}); err != os.ErrClosed {
		t.Fatalf("WriteEvent() after close = %v, want os.ErrClosed", err)
	}
}

func TestEncodeEventLineFallsBackForUnencodable(t *testing.T) {
	line, err := encodeEventLine(Event{Message: "odd", Fields: map[string]any{"fn": func() {}}})
	if err != nil {
		t.Fatalf("encodeEventLine() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(line, &decoded); err != nil {
		t.Fatalf("line is not JSON: %s", line)
	}
	if got, ok := decoded["fn"].(string); !ok || !strings.HasPrefix(got, "0x") {
		t.Fatalf("fn = %#v, want its printed pointer", decoded["fn"])
	}
}
