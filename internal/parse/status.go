package parse

import (
	"fmt"
	"time"

	"labdevice-gateway/internal/wire"
)

// DeviceState is the device-reported processing state.
type DeviceState int

const (
	StateIdle       DeviceState = 0
	StateProcessing DeviceState = 1
	StateComplete   DeviceState = 2
	StateUnknown    DeviceState = -1
)

func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// Status is a decoded #S frame.
type Status struct {
	DeviceID   string
	StatusCode int
	State      DeviceState
	DeviceTime time.Time
	Available  int
	Checksum   string
}

// ParseStatus decodes [prefix, deviceId, statusCode, timestamp, available, checksum...].
func ParseStatus(text string) (*Status, error) {
	fields := wire.Split(text)
	if len(fields) < minRecordFields {
		return nil, fmt.Errorf("status frame has %d fields: %w", len(fields), ErrTooFewFields)
	}

	code := atoi(fields[2], 0)
	available := atoi(fields[4], 0)
	if available < 0 {
		available = 0
	}

	return &Status{
		DeviceID:   fields[1],
		StatusCode: code,
		State:      stateFromCode(code),
		DeviceTime: wire.ParseTimestamp(fields[3]),
		Available:  available,
		Checksum:   field(fields, 5),
	}, nil
}

func stateFromCode(code int) DeviceState {
	switch DeviceState(code) {
	case StateIdle, StateProcessing, StateComplete:
		return DeviceState(code)
	}
	return StateUnknown
}
