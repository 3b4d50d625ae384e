package parse

import (
	"strings"

	"labdevice-gateway/internal/wire"
)

const (
	serialResultFields = 4
	serialResultOK     = "OK"
)

var separator = string([]byte{wire.Separator})

// serialReplyDelimiters are extra delimiters seen in serial change replies on
// top of the frame separators Normalize already folds.
var serialReplyDelimiters = strings.NewReplacer(",", separator, ";", separator)

// ValidateSerialChange reports whether resp confirms that the device renamed
// itself from oldSerial to newSerial. Any mismatch is reported as false.
func ValidateSerialChange(resp, oldSerial, newSerial string) bool {
	text := serialReplyDelimiters.Replace(wire.Normalize([]byte(resp)))

	var parts []string
	for _, p := range strings.Split(text, separator) {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < serialResultFields {
		return false
	}
	return parts[0] == KindSerialChangeResult.Prefix() &&
		parts[1] == oldSerial &&
		parts[2] == newSerial &&
		parts[3] == serialResultOK
}
