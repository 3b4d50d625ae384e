// Package parse classifies normalized device frames and decodes them into
// typed records.
package parse

import "labdevice-gateway/internal/wire"

// Kind identifies a frame by its two byte prefix.
type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindData
	KindPullRequest
	KindAck
	KindNoMoreData
	KindSerialChange
	KindSerialChangeResult
	KindTimeSync
	KindConfigRequest
	KindConfigResponse
	KindConfigWrite
	KindConfigWriteAck
	KindConfigWriteConfirm
)

// kindBytes maps every known kind to the byte following '#'.
var kindBytes = map[Kind]byte{
	KindStatus:             'S',
	KindData:               'D',
	KindPullRequest:        'u',
	KindAck:                'A',
	KindNoMoreData:         'U',
	KindSerialChange:       'i',
	KindSerialChangeResult: 'I',
	KindTimeSync:           't',
	KindConfigRequest:      'r',
	KindConfigResponse:     'R',
	KindConfigWrite:        'W',
	KindConfigWriteAck:     'w',
	KindConfigWriteConfirm: 'f',
}

var kindsByByte = func() map[byte]Kind {
	m := make(map[byte]Kind, len(kindBytes))
	for k, b := range kindBytes {
		m[b] = k
	}
	return m
}()

// Classify maps the prefix of normalized text to a Kind.
func Classify(text string) Kind {
	if len(text) < 2 || text[0] != wire.FrameStart {
		return KindUnknown
	}
	if k, ok := kindsByByte[text[1]]; ok {
		return k
	}
	return KindUnknown
}

// Byte returns the kind byte written after '#', or 0 for KindUnknown.
func (k Kind) Byte() byte {
	return kindBytes[k]
}

// Prefix returns the two character frame prefix, e.g. "#S".
func (k Kind) Prefix() string {
	b, ok := kindBytes[k]
	if !ok {
		return ""
	}
	return string([]byte{wire.FrameStart, b})
}

// Inbound reports whether devices send this kind to the server.
func (k Kind) Inbound() bool {
	switch k {
	case KindStatus, KindData, KindAck, KindNoMoreData, KindSerialChangeResult,
		KindConfigResponse, KindConfigWriteAck, KindConfigWriteConfirm:
		return true
	case KindPullRequest, KindSerialChange, KindTimeSync, KindConfigRequest, KindConfigWrite, KindUnknown:
		return false
	}
	return false
}

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindData:
		return "data"
	case KindPullRequest:
		return "pull_request"
	case KindAck:
		return "ack"
	case KindNoMoreData:
		return "no_more_data"
	case KindSerialChange:
		return "serial_change"
	case KindSerialChangeResult:
		return "serial_change_result"
	case KindTimeSync:
		return "time_sync"
	case KindConfigRequest:
		return "config_request"
	case KindConfigResponse:
		return "config_response"
	case KindConfigWrite:
		return "config_write"
	case KindConfigWriteAck:
		return "config_write_ack"
	case KindConfigWriteConfirm:
		return "config_write_confirm"
	case KindUnknown:
		return "unknown"
	}
	return "unknown"
}
