package server

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
)

// StructShapes is the built-in ShapeValidator. Descriptors are maps from
// field name to an expected kind: "string", "number", "boolean", "object",
// "array" or "any", with a nested map standing in for a typed object. A "?"
// suffix on the field name marks it optional; absent optional fields pass.
//
//	server.StructShapes{}.Validate(map[string]any{
//		"title":  "string",
//		"limit?": "number",
//		"author": map[string]any{"id": "string"},
//	}, data)
type StructShapes struct{}

// Validate implements ShapeValidator. Fields are checked in name order so
// the reported path is stable when several fields mismatch.
func (StructShapes) Validate(descriptor any, value json.RawMessage) (string, bool) {
	desc, ok := descriptor.(map[string]any)
	if !ok {
		return "", true
	}
	var fields map[string]any
	if err := json.Unmarshal(value, &fields); err != nil {
		return "", false
	}
	return checkObject(desc, fields, "")
}

func checkObject(desc map[string]any, fields map[string]any, prefix string) (string, bool) {
	names := make([]string, 0, len(desc))
	for name := range desc {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field, optional := strings.CutSuffix(name, "?")
		path := field
		if prefix != "" {
			path = prefix + "." + field
		}

		got, present := fields[field]
		if !present {
			if optional {
				continue
			}
			return path, false
		}

		switch want := desc[name].(type) {
		case map[string]any:
			nested, ok := got.(map[string]any)
			if !ok {
				return path, false
			}
			if badPath, ok := checkObject(want, nested, path); !ok {
				return badPath, false
			}
		case string:
			if !kindMatches(want, got) {
				return path, false
			}
		}
	}
	return "", true
}

func kindMatches(kind string, value any) bool {
	switch kind {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// LogReporter is a Reporter that writes captures to a structured logger.
// It is the default sink when no external error tracker is wired in.
type LogReporter struct {
	Logger *slog.Logger
}

// Capture implements Reporter.
func (r LogReporter) Capture(err error, context map[string]any) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2+2*len(context))
	attrs = append(attrs, "error", err)
	for key, value := range context {
		attrs = append(attrs, key, value)
	}
	logger.Error("captured failure", attrs...)
}
