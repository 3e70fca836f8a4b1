package firestore

import (
	"fmt"
	"strconv"
	"strings"
)

// The channel stream frames one or more numbered telegrams as
//
//	[ [msgNo,[payload]] , [msgNo,{payload}] , ... ]
//
// with structurally significant characters legal inside quoted strings.
// extractTelegrams scans the full frame body character by character: an
// in-string flag toggled on unescaped quotes, plus bracket and brace depth
// counters that only move outside strings. The caller guarantees via the
// length prefix that the frame is complete; running out of input before the
// opening depth closes is therefore a protocol error, not a short read.

type rawTelegram struct {
	msgNo   int64
	payload string
}

func extractTelegrams(frame string) ([]rawTelegram, error) {
	body := strings.TrimSpace(frame)
	if !strings.HasPrefix(body, "[") {
		return nil, fmt.Errorf("frame does not open with '[': %w", ErrProtocol)
	}
	if !strings.HasSuffix(body, "]") {
		return nil, fmt.Errorf("frame does not close with ']': %w", ErrProtocol)
	}
	// strip the outer envelope
	body = body[1 : len(body)-1]

	telegrams := []rawTelegram{}
	i := 0
	for i < len(body) {
		// skip separators between telegrams
		for i < len(body) && (body[i] == ',' || body[i] == '\n' || body[i] == '\r' || body[i] == ' ') {
			i += 1
		}
		if i == len(body) {
			break
		}
		if body[i] != '[' {
			return nil, fmt.Errorf("telegram does not open with '[': %w", ErrProtocol)
		}
		i += 1

		// leading message number up to the first top-level comma
		numStart := i
		for i < len(body) && body[i] != ',' {
			i += 1
		}
		if i == len(body) {
			return nil, fmt.Errorf("telegram missing payload separator: %w", ErrProtocol)
		}
		msgNo, err := strconv.ParseInt(strings.TrimSpace(body[numStart:i]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram number %q: %w", body[numStart:i], ErrProtocol)
		}
		i += 1

		payload, next, err := scanValue(body, i)
		if err != nil {
			return nil, err
		}
		i = next

		// the telegram's own closing bracket
		for i < len(body) && (body[i] == '\n' || body[i] == '\r' || body[i] == ' ') {
			i += 1
		}
		if i == len(body) || body[i] != ']' {
			return nil, fmt.Errorf("telegram %d not closed: %w", msgNo, ErrProtocol)
		}
		i += 1

		telegrams = append(telegrams, rawTelegram{
			msgNo:   msgNo,
			payload: payload,
		})
	}
	return telegrams, nil
}

// scanValue extracts one complete JSON value starting at offset i: an array,
// an object, or a bare string literal such as "noop". Newlines inside strings
// are preserved verbatim; newlines outside strings are stripped. Returns the
// value text and the offset just past it.
func scanValue(body string, i int) (string, int, error) {
	for i < len(body) && (body[i] == '\n' || body[i] == '\r' || body[i] == ' ') {
		i += 1
	}
	if i == len(body) {
		return "", 0, fmt.Errorf("telegram payload missing: %w", ErrProtocol)
	}

	switch body[i] {
	case '[', '{', '"':
	default:
		return "", 0, fmt.Errorf("ambiguous payload separator %q: %w", body[i], ErrProtocol)
	}

	var out strings.Builder
	inString := false
	escaped := false
	bracketDepth := 0
	braceDepth := 0
	for ; i < len(body); i += 1 {
		c := body[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
				if bracketDepth == 0 && braceDepth == 0 {
					// bare string payload
					return out.String(), i + 1, nil
				}
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			out.WriteByte(c)
		case '\n', '\r':
			// stripped outside strings
		case '[':
			bracketDepth += 1
			out.WriteByte(c)
		case ']':
			bracketDepth -= 1
			out.WriteByte(c)
			if bracketDepth == 0 && braceDepth == 0 {
				return out.String(), i + 1, nil
			}
		case '{':
			braceDepth += 1
			out.WriteByte(c)
		case '}':
			braceDepth -= 1
			out.WriteByte(c)
			if bracketDepth == 0 && braceDepth == 0 {
				return out.String(), i + 1, nil
			}
		default:
			out.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("telegram payload truncated at depth %d/%d: %w", bracketDepth, braceDepth, ErrProtocol)
}
