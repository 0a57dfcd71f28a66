package pipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablebus/tablebus/stream"
)

// Template placeholder delimiters. A placeholder is <$.path.to.field>, where
// the path resolves against the record document.
const (
	placeholderOpen  = "<$."
	placeholderClose = ">"
)

// segment is one compiled piece of a template: either a literal chunk or a
// placeholder path
type segment struct {
	literal string
	path    []string // Non-nil for placeholders
}

// Template reshapes change records into event detail payloads. The template
// source is a JSON document with <$.path> placeholders; each placeholder is
// replaced by the JSON encoding of the value at that path in the record
// document.
type Template struct {
	source   string
	segments []segment
}

// CompileTemplate parses and validates a template source string
func CompileTemplate(source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty template")
	}

	t := &Template{source: source}
	rest := source

	for {
		open := strings.Index(rest, placeholderOpen)
		if open < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			break
		}

		if open > 0 {
			t.segments = append(t.segments, segment{literal: rest[:open]})
		}
		rest = rest[open+len(placeholderOpen):]

		closeIdx := strings.Index(rest, placeholderClose)
		if closeIdx < 0 {
			return nil, fmt.Errorf("unterminated placeholder at offset %d", len(source)-len(rest)-len(placeholderOpen))
		}

		pathStr := rest[:closeIdx]
		rest = rest[closeIdx+len(placeholderClose):]

		path := strings.Split(pathStr, ".")
		for _, part := range path {
			if part == "" {
				return nil, fmt.Errorf("invalid placeholder path %q", pathStr)
			}
		}

		t.segments = append(t.segments, segment{path: path})
	}

	return t, nil
}

// Source returns the original template text
func (t *Template) Source() string {
	return t.source
}

// Render resolves the template against a change record and returns the event
// detail payload. It fails if any placeholder path is missing from the record
// document or if the rendered output is not valid JSON.
func (t *Template) Render(rec stream.Record) (json.RawMessage, error) {
	doc := rec.Document()

	var buf bytes.Buffer
	buf.Grow(len(t.source))

	for _, seg := range t.segments {
		if seg.path == nil {
			buf.WriteString(seg.literal)
			continue
		}

		val, err := resolvePath(doc, seg.path)
		if err != nil {
			return nil, err
		}

		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value at %s: %w", strings.Join(seg.path, "."), err)
		}
		buf.Write(encoded)
	}

	out := buf.Bytes()
	if !json.Valid(out) {
		return nil, fmt.Errorf("rendered detail is not valid JSON: %s", out)
	}

	return json.RawMessage(out), nil
}

// resolvePath walks a dot path through nested maps
func resolvePath(doc map[string]interface{}, path []string) (interface{}, error) {
	var current interface{} = doc

	for i, part := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("path %s: %s is not an object", strings.Join(path, "."), strings.Join(path[:i], "."))
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %s: missing field %s", strings.Join(path, "."), part)
		}
		current = val
	}

	return current, nil
}
