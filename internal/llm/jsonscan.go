package llm

import "encoding/json"

// scanState is the state of the JSON object scanner.
type scanState int

const (
	stateOutside  scanState = iota // prose around objects
	stateInObject                  // inside braces, outside strings
	stateInString                  // inside a string literal within an object
	stateEscape                    // just read a backslash inside a string
)

// FindJSONObjects returns every balanced top-level {...} span in s, in order.
// Braces inside string literals are ignored; quotes in the surrounding prose
// are not treated as strings.
func FindJSONObjects(s string) []string {
	var out []string
	state := stateOutside
	depth := 0
	start := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch state {
		case stateOutside:
			if c == '{' {
				state = stateInObject
				depth = 1
				start = i
			}
		case stateInObject:
			switch c {
			case '"':
				state = stateInString
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					out = append(out, s[start:i+1])
					state = stateOutside
					start = -1
				}
			}
		case stateInString:
			switch c {
			case '\\':
				state = stateEscape
			case '"':
				state = stateInObject
			}
		case stateEscape:
			state = stateInString
		}
	}
	return out
}

// ExtractJSONObject returns the first balanced object in s that parses as
// JSON. Code fences and leading or trailing prose are tolerated.
func ExtractJSONObject(s string) (string, bool) {
	for _, cand := range FindJSONObjects(s) {
		if json.Valid([]byte(cand)) {
			return cand, true
		}
	}
	return "", false
}
