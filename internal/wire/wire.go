// Package wire implements the byte level device protocol: separators,
// terminators, frame extraction from a TCP stream and frame encoding.
package wire

import (
	"bytes"
	"strings"
)

const (
	// FrameStart opens every frame, followed by a single kind byte.
	FrameStart byte = '#'
	// Separator is the canonical field separator emitted on output.
	Separator byte = 0xAA
	// Terminator ends a frame. Devices may follow or replace it with LineFeed.
	Terminator byte = 0xFD
	// LineFeed is the alternate frame terminator.
	LineFeed byte = 0x0A

	// UTF-8 lead bytes for U+00AA and U+00FD, sent by firmware that encodes
	// the separator and terminator as text instead of raw bytes.
	utf8SeparatorLead  byte = 0xC2
	utf8TerminatorLead byte = 0xC3
	utf8TerminatorTail byte = 0xBD
)

// legacySeparators are accepted on input and collapsed to Separator.
var legacySeparators = []byte{'|', '?', '*'}

// IsSeparator reports whether b is the canonical or a legacy separator.
func IsSeparator(b byte) bool {
	return b == Separator || bytes.IndexByte(legacySeparators, b) >= 0
}

// Normalize turns raw frame bytes into text ready for positional splitting.
// Every separator variant becomes Separator, terminators and bytes outside
// the printable ASCII range are dropped.
func Normalize(raw []byte) string {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		switch {
		case b == utf8SeparatorLead && i+1 < len(raw) && raw[i+1] == Separator:
			out = append(out, Separator)
			i++
		case b == utf8TerminatorLead && i+1 < len(raw) && raw[i+1] == utf8TerminatorTail:
			i++
		case IsSeparator(b):
			out = append(out, Separator)
		case b >= 0x20 && b <= 0x7E:
			out = append(out, b)
		}
	}
	return strings.TrimSpace(string(out))
}

// Split splits normalized text on the canonical separator. The empty slot
// left by a trailing separator is not returned.
func Split(text string) []string {
	if text == "" {
		return nil
	}
	fields := strings.Split(text, string([]byte{Separator}))
	if len(fields) > 1 && fields[len(fields)-1] == "" {
		fields = fields[:len(fields)-1]
	}
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// Encode builds a canonical outbound frame:
// '#' kind (Separator field)* Separator LineFeed.
func Encode(kind byte, fields ...string) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + len(fields)*16)
	buf.WriteByte(FrameStart)
	buf.WriteByte(kind)
	for _, f := range fields {
		buf.WriteByte(Separator)
		writeField(&buf, f)
	}
	buf.WriteByte(Separator)
	buf.WriteByte(LineFeed)
	return buf.Bytes()
}

// ValidField reports whether Encode would send f unchanged.
func ValidField(f string) bool {
	for i := 0; i < len(f); i++ {
		if b := f[i]; IsSeparator(b) || b < 0x20 || b > 0x7E {
			return false
		}
	}
	return true
}

// writeField copies a field value, dropping bytes that would break framing.
func writeField(buf *bytes.Buffer, f string) {
	for i := 0; i < len(f); i++ {
		b := f[i]
		if IsSeparator(b) || b < 0x20 || b > 0x7E {
			continue
		}
		buf.WriteByte(b)
	}
}

// ExtractFrame finds the next complete frame in buf. Bytes preceding the
// frame start marker are discarded. The returned frame excludes its
// terminator. When no complete frame is available ok is false and rest holds
// the bytes to keep for the next read.
func ExtractFrame(buf []byte) (frame []byte, rest []byte, ok bool) {
	start := bytes.IndexByte(buf, FrameStart)
	if start == -1 {
		return nil, nil, false
	}

	for i := start + 1; i < len(buf); i++ {
		end := -1
		switch buf[i] {
		case Terminator, LineFeed:
			end = i + 1
		case utf8TerminatorLead:
			if i+1 < len(buf) && buf[i+1] == utf8TerminatorTail {
				end = i + 2
			}
		}
		if end == -1 {
			continue
		}
		// 0xFD 0x0A is a single terminator.
		if buf[i] != LineFeed && end < len(buf) && buf[end] == LineFeed {
			end++
		}
		return buf[start:i], buf[end:], true
	}
	return nil, buf[start:], false
}

// Latin1 renders raw frame bytes as text with one rune per byte, so that the
// payload can be stored verbatim in a UTF-8 column and restored with Bytes.
func Latin1(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, b := range raw {
		sb.WriteRune(rune(b))
	}
	return sb.String()
}

// Bytes reverses Latin1.
func Bytes(latin1 string) []byte {
	out := make([]byte, 0, len(latin1))
	for _, r := range latin1 {
		out = append(out, byte(r))
	}
	return out
}
