package logging

import "log/slog"

// flattenAttrs resolves attrs into a flat map. Group members are keyed as
// "group.key" so file and terminal output stay one level deep.
func flattenAttrs(prefix string, attrs []slog.Attr, into map[string]any) {
	for _, attr := range attrs {
		if attr.Key == "" {
			continue
		}
		key := attr.Key
		if prefix != "" {
			key = prefix + "." + key
		}
		value := attr.Value.Resolve()
		if value.Kind() == slog.KindGroup {
			flattenAttrs(key, value.Group(), into)
			continue
		}
		into[key] = value.Any()
	}
}

func attrsToMap(attrs []slog.Attr) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	values := map[string]any{}
	flattenAttrs("", attrs, values)
	if len(values) == 0 {
		return nil
	}
	return values
}
