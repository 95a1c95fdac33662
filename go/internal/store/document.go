package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// PathSeparator separates segments of a field path.
const PathSeparator = "."

// Path joins segments into a dotted field path.
func Path(segments ...string) string {
	return strings.Join(segments, PathSeparator)
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	return s != "" && !strings.Contains(s, PathSeparator)
}

// SplitPath splits a dotted path, rejecting empty segments.
func SplitPath(path string) ([]string, error) {
	segs := strings.Split(path, PathSeparator)
	for _, s := range segs {
		if s == "" {
			return nil, NewError(CodeInvalidArgument, "path", "", fmt.Errorf("empty segment in %q", path))
		}
	}
	return segs, nil
}

// Apply returns a copy of doc with fields applied in path order, so a parent
// path is always applied before its children. now resolves ServerTimestamp.
func Apply(doc Document, fields Fields, now time.Time) (Document, error) {
	out := CloneDocument(doc)
	if out == nil {
		out = Document{}
	}

	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		segs, err := SplitPath(p)
		if err != nil {
			return nil, err
		}
		if err := applyOne(out, segs, fields[p], now); err != nil {
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	return out, nil
}

func applyOne(doc Document, segs []string, v any, now time.Time) error {
	_, isDelete := v.(deleteSentinel)

	parent := doc
	for _, seg := range segs[:len(segs)-1] {
		child, ok := parent[seg].(map[string]any)
		if !ok {
			if isDelete {
				return nil
			}
			// Nested writes replace scalars on the way down.
			child = map[string]any{}
			parent[seg] = child
		}
		parent = child
	}

	leaf := segs[len(segs)-1]
	switch op := v.(type) {
	case deleteSentinel:
		delete(parent, leaf)
	case IncrementOp:
		cur, ok := ToFloat(parent[leaf])
		if !ok && parent[leaf] != nil {
			return NewError(CodeInvalidArgument, "increment", "", fmt.Errorf("field %q is not numeric", leaf))
		}
		parent[leaf] = cur + op.Delta
	default:
		pv, err := plain(v, now)
		if err != nil {
			return err
		}
		parent[leaf] = pv
	}
	return nil
}

// plain converts v into the JSON value space (maps, slices, float64, string,
// bool, nil), resolving ServerTimestamp sentinels inside nested maps.
func plain(v any, now time.Time) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, float64:
		return t, nil
	case serverTimestampSentinel:
		return FormatTime(now), nil
	case IncrementOp, deleteSentinel:
		return nil, NewError(CodeInvalidArgument, "apply", "", fmt.Errorf("sentinel %T not allowed in nested value", v))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if _, skip := child.(deleteSentinel); skip {
				continue
			}
			pv, err := plain(child, now)
			if err != nil {
				return nil, err
			}
			out[k] = pv
		}
		return out, nil
	case Fields:
		return plain(map[string]any(t), now)
	}
	if f, ok := ToFloat(v); ok {
		return f, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, NewError(CodeInvalidArgument, "apply", "", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, NewError(CodeInvalidArgument, "apply", "", err)
	}
	return out, nil
}

// PlainDocument converts a freshly built document into the JSON value space.
func PlainDocument(doc Document, now time.Time) (Document, error) {
	pv, err := plain(map[string]any(doc), now)
	if err != nil {
		return nil, err
	}
	return pv.(map[string]any), nil
}

// CloneDocument deep-copies a document.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return cloneValue(map[string]any(doc)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return t
	}
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// FormatTime is the canonical encoding of timestamps inside documents.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// EncodeDocument serializes a document for byte-oriented backends.
func EncodeDocument(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

// DecodeDocument parses a serialized document.
func DecodeDocument(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
