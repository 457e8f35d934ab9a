package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Model output rarely arrives as clean JSON. Providers wrap payloads in
// markdown fences, reasoning models leak <think> blocks, and truncated
// responses cut objects mid-field. The helpers here recover the payload
// without asking the model to try again.

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractJSON pulls the first JSON object or array out of model output.
// Returns "" when no candidate is found.
func ExtractJSON(text string) string {
	text = thinkBlockRe.ReplaceAllString(text, "")
	text = stripFences(text)
	text = strings.TrimSpace(text)

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	candidate := text[start:]

	if end := balancedEnd(candidate); end > 0 {
		return candidate[:end]
	}
	// Truncated output: close whatever is still open.
	return repairTruncated(candidate)
}

// DecodeInto extracts JSON from model output and unmarshals it into v.
func DecodeInto(text string, v any) error {
	payload := ExtractJSON(text)
	if payload == "" {
		return fmt.Errorf("no JSON found in model output (%d bytes)", len(text))
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decoding model JSON: %w", err)
	}
	return nil
}

// stripFences removes markdown code fences around the payload.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.Contains(trimmed, "```") {
		return trimmed
	}
	// Prefer the content of the first fenced block.
	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		// Language tag on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			firstLine := strings.TrimSpace(rest[:nl])
			if firstLine == "json" || firstLine == "JSON" || firstLine == "" {
				rest = rest[nl+1:]
			}
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return trimmed
}

// balancedEnd returns the exclusive end index of the first balanced JSON
// value in s, or 0 if it never closes.
func balancedEnd(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return 0
}

// repairTruncated closes unterminated strings, objects and arrays so that a
// cut-off payload still parses. A dangling partial field is dropped.
func repairTruncated(s string) string {
	var stack []byte
	inString := false
	escaped := false
	lastComplete := 0

	for i := 0; i < len(s); i++ {
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
				lastComplete = i + 1
			}
		}
	}
	if len(stack) == 0 {
		return s
	}

	// Cut back to the last structural boundary to drop a partial element,
	// then close the open containers.
	if lastComplete > 0 {
		s = s[:lastComplete]
		stack = recomputeStack(s)
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(s, ", \n\t"))
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// recomputeStack returns the open-container stack after scanning s.
func recomputeStack(s string) []byte {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	return stack
}
