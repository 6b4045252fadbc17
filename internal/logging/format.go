package logging

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

const clipLimit = 240

// leadingKeys print first, in this order, so lines about the same binding
// or channel line up.
var leadingKeys = []string{"component", "binding", "stream", "identifier", "channel", "topic", "phase", "status"}

// Truncate collapses whitespace and clips value for single-line output.
func Truncate(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return "<empty>"
	}
	if len(value) <= clipLimit {
		return value
	}
	cut := clipLimit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut] + "..."
}

func FormatEventLine(event Event) string {
	ts := event.Time.Format("15:04:05")
	level := strings.ToUpper(event.Level.String())
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", ts, level, event.Message)
	for _, key := range orderedFieldKeys(event.Fields) {
		fmt.Fprintf(&b, " %s=%s", key, formatFieldValue(event.Fields[key]))
	}
	b.WriteByte('\n')
	return b.String()
}

// formatFieldValue renders a field on one line; JSON documents are compacted.
func formatFieldValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case error:
		return v.Error()
	case string:
		return compactJSON(v)
	case json.RawMessage:
		return compactJSON(string(v))
	case []byte:
		return compactJSON(string(v))
	case fmt.Stringer:
		return v.String()
	}
	if isContainer(value) {
		if raw, err := json.Marshal(value); err == nil {
			return string(raw)
		}
	}
	return fmt.Sprintf("%v", value)
}

// jsonBlock returns an indented rendering for fields that hold a JSON object
// or array, such as change records and response bodies.
func jsonBlock(value any) (string, bool) {
	var raw []byte
	switch v := value.(type) {
	case nil, error:
		return "", false
	case string:
		raw = []byte(v)
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		if !isContainer(value) {
			return "", false
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return "", false
		}
		raw = encoded
	}
	if !isJSONDocument(string(raw)) {
		return "", false
	}
	return strings.TrimSpace(string(pretty.PrettyOptions(raw, &pretty.Options{Width: 80, Indent: "  "}))), true
}

func compactJSON(value string) string {
	if !isJSONDocument(value) {
		return value
	}
	return string(pretty.Ugly([]byte(value)))
}

// isJSONDocument reports whether value is a whole JSON object or array. Text
// that merely ends in JSON, like an error message, does not count.
func isJSONDocument(value string) bool {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return false
	}
	return gjson.Valid(trimmed)
}

func isContainer(value any) bool {
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		return true
	default:
		return false
	}
}

// orderedFieldKeys puts leading keys first, payload keys last and sorts the
// rest.
func orderedFieldKeys(fields map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for _, key := range leadingKeys {
		if _, ok := fields[key]; ok {
			keys = append(keys, key)
		}
	}
	var middle, payload []string
	for key := range fields {
		switch {
		case slices.Contains(leadingKeys, key):
		case isPayloadFieldKey(key):
			payload = append(payload, key)
		default:
			middle = append(middle, key)
		}
	}
	slices.Sort(middle)
	slices.Sort(payload)
	keys = append(keys, middle...)
	return append(keys, payload...)
}

func isPayloadFieldKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "record", "old_record", "payload", "frame", "response", "body":
		return true
	default:
		return false
	}
}
