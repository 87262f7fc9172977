// Package extract recovers a JSON payload from free-form model output.
//
// Models asked for "JSON only" still wrap answers in markdown fences, add
// a preamble, or echo earlier steps. Extract is best effort, not a
// validator: callers decode the result and treat a decode failure as an
// extraction failure.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSON = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// Error reports model output from which no decodable JSON was recovered.
type Error struct {
	Snippet string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("no JSON payload in model output (%v): %s", e.Err, e.Snippet)
}

func (e *Error) Unwrap() error { return e.Err }

// Extract returns the most plausible JSON object in text, preferring
// objects that contain the top-level key. Strategies, in order:
//
//  1. fenced ```json blocks: the last one mentioning key, else the last one
//  2. an object shaped like {"key": [ ... ]}
//  3. the last balanced {...} span mentioning key
//
// If nothing matches, text is returned unchanged.
func Extract(text, key string) string {
	quoted := `"` + key + `"`

	if matches := fencedJSON.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		for i := len(matches) - 1; i >= 0; i-- {
			if strings.Contains(matches[i][1], quoted) {
				return matches[i][1]
			}
		}
		return matches[len(matches)-1][1]
	}

	keyed := regexp.MustCompile(`(?s)(\{\s*` + regexp.QuoteMeta(quoted) + `:\s*\[.*?\]\s*\})`)
	if m := keyed.FindStringSubmatch(text); m != nil {
		return m[1]
	}

	objects := Objects(text)
	for i := len(objects) - 1; i >= 0; i-- {
		if strings.Contains(objects[i], quoted) {
			return objects[i]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start != -1 && end > start && strings.Contains(text[start:end+1], quoted) {
		return text[start : end+1]
	}

	return text
}

// Objects returns every top-level balanced {...} span in text. Braces
// inside JSON string literals are ignored.
func Objects(text string) []string {
	var (
		out      []string
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i := 0; i < len(text); i++ {
		c := text[i]
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
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, text[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// Decode extracts the payload for key from text and unmarshals it into v.
func Decode(text, key string, v any) error {
	payload := Extract(text, key)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return &Error{Snippet: snippet(payload, 200), Err: err}
	}
	return nil
}

// Items unwraps a decoded final payload into per-event objects: the array
// under key, else a bare array, else a single object carrying single.
func Items(raw []byte, key, single string) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty payload")
	}

	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}

	if inner, ok := obj[key]; ok {
		var list []json.RawMessage
		if err := json.Unmarshal(inner, &list); err == nil && len(list) > 0 {
			return list, nil
		}
	}
	if _, ok := obj[single]; ok {
		return []json.RawMessage{raw}, nil
	}
	return nil, nil
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
