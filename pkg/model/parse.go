package model

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrUnparseable is the single outcome for model output that yields no usable
// JSON object. Callers treat it as "nothing to apply", never as fatal.
var ErrUnparseable = errors.New("model output contains no parseable JSON object")

// Unmarshal locates the outermost JSON object in raw model output and decodes
// it into v. Models wrap JSON in prose or code fences often enough that
// decoding the raw text directly is not an option.
func Unmarshal(raw string, v any) error {
	obj, ok := firstJSONObject(raw)
	if !ok {
		return ErrUnparseable
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return ErrUnparseable
	}
	return nil
}

func firstJSONObject(raw string) (string, bool) {
	raw = stripCodeFences(raw)
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	// Keep only the fenced body when present; the fence language tag varies.
	first := strings.Index(trimmed, "```")
	rest := trimmed[first+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// Clamp bounds v to [lo, hi]; upstream model output is trusted to be roughly
// right, never exactly right.
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
