package parse

import (
	"errors"
	"strconv"
	"strings"

	"labdevice-gateway/internal/wire"
)

// ErrTooFewFields is returned when a frame has fewer fields than its kind requires.
var ErrTooFewFields = errors.New("too few fields")

// ErrInvalidField is returned for an outbound value containing a separator
// or a byte outside printable ASCII.
var ErrInvalidField = errors.New("field cannot be encoded")

// minRecordFields is the field count a status or data frame must reach.
const minRecordFields = 5

// atoi parses a trimmed integer, returning def when it is not a number.
func atoi(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

// DeviceID returns the device identifier carried in field 1 of any frame.
func DeviceID(text string) string {
	fields := wire.Split(text)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

// cursor walks a split field sequence section by section.
type cursor struct {
	fields []string
	pos    int
}

func newCursor(fields []string) *cursor {
	return &cursor{fields: fields}
}

func (c *cursor) done() bool {
	return c.pos >= len(c.fields)
}

// next returns the current field and advances. ok is false past the end.
func (c *cursor) next() (string, bool) {
	if c.done() {
		return "", false
	}
	f := c.fields[c.pos]
	c.pos++
	return f, true
}

// nextInt reads the current field as an integer with a fallback.
func (c *cursor) nextInt(def int) (int, bool) {
	f, ok := c.next()
	if !ok {
		return def, false
	}
	return atoi(f, def), true
}

// nextFlag reads a "1"/other boolean field.
func (c *cursor) nextFlag() (bool, bool) {
	f, ok := c.next()
	if !ok {
		return false, false
	}
	return f == "1", true
}

// marker consumes the current field if it equals m.
func (c *cursor) marker(m string) bool {
	if c.done() || c.fields[c.pos] != m {
		return false
	}
	c.pos++
	return true
}

// find returns the index of the first field equal to m at or after from.
func find(fields []string, from int, m string) int {
	for i := from; i < len(fields); i++ {
		if fields[i] == m {
			return i
		}
	}
	return -1
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}
