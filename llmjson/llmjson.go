// Package llmjson extracts and strictly decodes JSON payloads from LLM text
// responses. Every C1 caller that expects structured output (C5's full
// evaluation, C6's attempt responses, C8's code-generation step) asks for
// JSON in its prompt but must tolerate a model wrapping the payload in a
// markdown code fence, or prefixing it with prose the model was told not to
// add.
package llmjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned by Strict when text yields no payload at all, and
// wrapped by it for any decode failure of the payload (malformed JSON, a
// type mismatch, or an unknown field).
var ErrNoJSON = errors.New("llmjson: no JSON payload found in text")

// Extract returns the JSON payload embedded in text: the contents of the
// first ```json or ``` fenced block if one is present, otherwise the text
// trimmed of surrounding whitespace. It does not validate that the result
// parses; callers decode it and handle failure themselves.
func Extract(text string) string {
	trimmed := strings.TrimSpace(text)
	if body, ok := fencedBody(trimmed); ok {
		return strings.TrimSpace(body)
	}
	return trimmed
}

// fencedBody looks for the first ``` ... ``` block, optionally tagged with a
// language (```json), and returns its interior.
func fencedBody(s string) (string, bool) {
	const fence = "```"
	start := strings.Index(s, fence)
	if start == -1 {
		return "", false
	}
	rest := s[start+len(fence):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		// A bare language tag (e.g. "json") on the opening fence line is
		// dropped; anything else means this wasn't a clean fence and the
		// line belongs to the body.
		if firstLine == "" || isLanguageTag(firstLine) {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, fence)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

func isLanguageTag(s string) bool {
	if len(s) == 0 || len(s) > 16 {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// Strict decodes the JSON payload extracted from text into v, rejecting
// unknown fields so a model that invents extra keys surfaces as a parse
// failure rather than silently dropping data.
func Strict(text string, v any) error {
	payload := Extract(text)
	if payload == "" {
		return ErrNoJSON
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return nil
}
