// Package wire holds the ASCII framing helpers for the tracker's UDP
// protocol, used by the tracker and by its peer-side callers (spec §6);
// the peer server's TCP protocol parses its own lines. Frames
// are space-separated tokens with an optional trailing JSON payload;
// the deliberately human-readable shape is a Non-goal exclusion of
// compact/binary encoding, not an oversight.
package wire

import "strings"

// Split breaks a frame into whitespace-separated tokens, stopping
// before any JSON payload: the payload is everything after the Nth
// token, kept verbatim (including internal spaces) so JSON strings
// survive untouched.
//
// maxTokens bounds how many leading tokens are split off; the
// remainder (if any) is returned as payload with surrounding
// whitespace trimmed.
func Split(frame string, maxTokens int) (tokens []string, payload string) {
	frame = strings.TrimRight(frame, "\r\n")
	rest := frame
	for i := 0; i < maxTokens; i++ {
		rest = strings.TrimLeft(rest, " ")
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			tokens = append(tokens, rest)
			rest = ""
			break
		}
		tokens = append(tokens, rest[:idx])
		rest = rest[idx+1:]
	}
	return tokens, strings.TrimLeft(rest, " ")
}

// StatusCode extracts the leading three-character numeric status code
// from a tracker response line, per spec §4.2 ("the first three
// characters of every response are the numeric code").
func StatusCode(response string) string {
	if len(response) < 3 {
		return response
	}
	return response[:3]
}
