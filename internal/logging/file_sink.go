package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultLogFileMaxBytes = 5 * 1024 * 1024
	defaultLogFileKeep     = 10
	logFilePrefix          = "tunesync-"
	logFileSuffix          = ".jsonl"
)

// FileOptions configures JSONL persistence. Zero values pick the defaults:
// the user cache directory, 5 MiB per file and the ten newest files kept.
type FileOptions struct {
	Dir      string
	MaxBytes int64
	Keep     int
}

// fileSink writes one JSON object per event. Files rotate at maxBytes and
// only the newest keep files survive a rotation.
type fileSink struct {
	mu       sync.Mutex
	dir      string
	run      string
	maxBytes int64
	keep     int
	part     int
	file     *os.File
	size     int64
	closed   bool
}

func DefaultLogDirPath() (string, error) {
	root, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "tunesync", "logs"), nil
}

func newFileSink(opts FileOptions) (*fileSink, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		var err error
		if dir, err = DefaultLogDirPath(); err != nil {
			return nil, err
		}
	}
	sink := &fileSink{
		dir:      dir,
		run:      time.Now().UTC().Format("20060102-150405"),
		maxBytes: opts.MaxBytes,
		keep:     opts.Keep,
	}
	if sink.maxBytes <= 0 {
		sink.maxBytes = defaultLogFileMaxBytes
	}
	if sink.keep <= 0 {
		sink.keep = defaultLogFileKeep
	}
	if err := sink.openNextLocked(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (s *fileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileSink) WriteEvent(event Event) error {
	if s == nil {
		return nil
	}
	line, err := encodeEventLine(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	if s.file == nil || (s.size > 0 && s.size+int64(len(line)) > s.maxBytes) {
		if err := s.openNextLocked(); err != nil {
			return err
		}
	}
	n, err := s.file.Write(line)
	s.size += int64(n)
	return err
}

func (s *fileSink) openNextLocked() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	s.part++
	name := fmt.Sprintf("%s%s-%03d%s", logFilePrefix, s.run, s.part, logFileSuffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.size = info.Size()
	s.pruneLocked()
	return nil
}

// pruneLocked removes the oldest log files beyond keep. Names sort by run
// timestamp then part, so lexical order is age order.
func (s *fileSink) pruneLocked() {
	if s.keep <= 0 {
		return
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, logFilePrefix) && strings.HasSuffix(name, logFileSuffix) {
			names = append(names, name)
		}
	}
	if len(names) <= s.keep {
		return
	}
	slices.Sort(names)
	for _, name := range names[:len(names)-s.keep] {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
}

var reservedLineKeys = map[string]bool{"ts": true, "level": true, "msg": true}

// encodeEventLine renders a flat JSON object: ts, level and msg first, then
// fields in display order. Fields that collide with those keys get a
// "field." prefix.
func encodeEventLine(event Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"ts":`)
	if err := writeJSON(&buf, event.Time.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	buf.WriteString(`,"level":`)
	if err := writeJSON(&buf, strings.ToLower(event.Level.String())); err != nil {
		return nil, err
	}
	buf.WriteString(`,"msg":`)
	if err := writeJSON(&buf, event.Message); err != nil {
		return nil, err
	}
	for _, key := range orderedFieldKeys(event.Fields) {
		name := key
		if reservedLineKeys[key] {
			name = "field." + key
		}
		buf.WriteByte(',')
		if err := writeJSON(&buf, name); err != nil {
			return nil, err
		}
		buf.WriteByte(':')
		if err := writeJSON(&buf, normalizeLogFieldValue(event.Fields[key])); err != nil {
			// Unencodable values are logged by their Go representation.
			if err := writeJSON(&buf, fmt.Sprint(event.Fields[key])); err != nil {
				return nil, err
			}
		}
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func writeJSON(buf *bytes.Buffer, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

// normalizeLogFieldValue keeps JSON documents as nested JSON in the file so
// change records stay queryable with jq.
func normalizeLogFieldValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case error:
		return v.Error()
	case json.RawMessage:
		if gjson.ValidBytes(v) {
			return v
		}
		return string(v)
	case []byte:
		if isJSONDocument(string(v)) {
			return json.RawMessage(v)
		}
		return string(v)
	case string:
		if isJSONDocument(v) {
			return json.RawMessage(strings.TrimSpace(v))
		}
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return value
	}
}
