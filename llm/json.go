package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when a model reply holds no JSON value.
var ErrNoJSON = errors.New("llm: no JSON found in response")

// codeBlockRe strips markdown code fences from model output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSON returns the JSON object or array embedded in a model reply,
// tolerating code fences and surrounding prose.
func ExtractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		return raw, nil
	}

	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(raw, pair[0])
		end := strings.LastIndex(raw, pair[1])
		if start >= 0 && end > start {
			return raw[start : end+1], nil
		}
	}
	return "", ErrNoJSON
}

// DecodeJSON extracts the JSON in raw and unmarshals it into v.
func DecodeJSON(raw string, v any) error {
	s, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(s), v)
}
