// Package resultparse extracts the posted-comment body from an agent's
// collected log output: the "result" field of the first balanced-brace
// `{"type":"result", ...}` object in the stream, truncated per the
// wire contract's comment-length rule.
package resultparse

import (
	"encoding/json"
	"strings"
)

// maxScan bounds how much trailing log text is scanned for a result
// block, so a runaway agent emitting megabytes of output cannot make
// extraction unbounded.
const maxScan = 1 << 20 // 1 MiB

// maxResultLen and truncatedLen bound the posted comment body: a result
// longer than maxResultLen is cut to truncatedLen bytes plus a marker.
const (
	maxResultLen = 10000
	truncatedLen = 9900
)

const truncationSuffix = "\n\n... (truncated)"

// Extract scans log for the first `{"type":"result", ...}` object,
// using balanced-brace matching to find its extent, and returns its
// "result" field value, truncated per the comment-length rule if it
// exceeds maxResultLen bytes. Returns ("", false) if no such object is
// present, it is not valid JSON, or its "result" field is empty.
func Extract(log string) (string, bool) {
	object, ok := extractObject(log)
	if !ok {
		return "", false
	}
	var parsed struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(object), &parsed); err != nil || parsed.Result == "" {
		return "", false
	}
	return truncate(parsed.Result), true
}

// truncate cuts r to truncatedLen bytes plus a trailing marker once it
// exceeds maxResultLen bytes; shorter results are returned unchanged.
func truncate(r string) string {
	if len(r) <= maxResultLen {
		return r
	}
	return r[:truncatedLen] + truncationSuffix
}

// extractObject finds the first `{"type":"result", ...}` object in log,
// using balanced-brace matching to find its extent, and returns its raw
// JSON text.
func extractObject(log string) (string, bool) {
	if len(log) > maxScan {
		log = log[len(log)-maxScan:]
	}

	searchFrom := 0
	for {
		idx := strings.Index(log[searchFrom:], "{")
		if idx == -1 {
			return "", false
		}
		start := searchFrom + idx
		end, ok := matchBrace(log, start)
		if !ok {
			searchFrom = start + 1
			continue
		}
		candidate := log[start : end+1]
		if isResultObject(candidate) {
			return candidate, true
		}
		searchFrom = start + 1
	}
}

// matchBrace returns the index of the closing brace matching the
// opening brace at start, respecting string literals and escapes, or
// false if the braces never balance before the input ends.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
				return i, true
			}
		}
	}
	return 0, false
}

func isResultObject(candidate string) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(candidate), &probe); err != nil {
		return false
	}
	return probe.Type == "result"
}
