package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first complete JSON object out of completion text and
// unmarshals it into v. Models routinely wrap payloads in prose or code
// fences, so scan for the outermost balanced braces rather than trusting the
// whole body.
func ExtractJSON(text string, v any) error {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return fmt.Errorf("%w: no json object in completion", ErrMalformed)
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				if err := json.Unmarshal([]byte(text[start:i+1]), v); err != nil {
					return fmt.Errorf("%w: %v", ErrMalformed, err)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: unterminated json object", ErrMalformed)
}
