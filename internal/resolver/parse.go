package resolver

import (
	"encoding/json"
	"strings"

	"github.com/hs-classifier/backend/internal/catalog"
)

// parseJSON decodes the first JSON object or array found in model output.
// Code fences, leading prose and trailing commentary are tolerated.
func parseJSON(content string, target any) error {
	raw := extractJSON(content)
	if raw == "" {
		return catalog.Malformed("no json in model output %q", truncate(content, 120))
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return catalog.Malformed("invalid json in model output: %v", err)
	}
	return nil
}

func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open, close := s[start], byte('}')
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// flexBool accepts true, "true", "yes" and 1 from sloppy model output.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.ToLower(strings.Trim(string(data), `" `)) {
	case "true", "yes", "1", "y":
		*b = true
	default:
		*b = false
	}
	return nil
}

// flexString accepts a JSON string or number, for codes like 8419 sent unquoted.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	*s = flexString(strings.Trim(string(data), `" `))
	if *s == "null" {
		*s = ""
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
