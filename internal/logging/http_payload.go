package logging

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// FormatHTTPPayload renders a response body or websocket frame for logs.
// A body that is a JSON-encoded string is unwrapped first, then JSON
// documents are indented.
func FormatHTTPPayload(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "<empty>"
	}
	if parsed := gjson.Parse(trimmed); parsed.Type == gjson.String && gjson.Valid(trimmed) {
		trimmed = strings.TrimSpace(parsed.String())
	}
	if isJSONDocument(trimmed) {
		return strings.TrimSpace(string(pretty.PrettyOptions([]byte(trimmed), &pretty.Options{Width: 80, Indent: "  "})))
	}
	return trimmed
}
