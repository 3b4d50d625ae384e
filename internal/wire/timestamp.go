package wire

import (
	"strings"
	"time"
)

const (
	// timestampLayout is the punctuation-free HHmmssddMMyyyy device clock.
	timestampLayout = "15040502012006"
	// displayLayout is how device timestamps are written on outbound frames.
	displayLayout = "15:04:0502:01:2006"
	// timeSyncLayout is the ddMMyyyyHHmm value of a time sync command.
	timeSyncLayout = "020120061504"
)

// ParseTimestamp decodes a device timestamp such as "14:18:2826:02:2025".
// Punctuation is stripped, the first six digits are the time of day and the
// remainder the ddMMyyyy date. Any failure yields the current local time.
func ParseTimestamp(s string) time.Time {
	digits := strings.Map(func(r rune) rune {
		if r == ':' || r == '.' || r == ' ' {
			return -1
		}
		return r
	}, s)

	t, err := time.ParseInLocation(timestampLayout, digits, time.Local)
	if err != nil {
		return time.Now()
	}
	return t
}

// FormatTimestamp is the inverse of ParseTimestamp.
func FormatTimestamp(t time.Time) string {
	return t.Format(displayLayout)
}

// FormatTimeSync renders t for the time sync command.
func FormatTimeSync(t time.Time) string {
	return t.Format(timeSyncLayout)
}
