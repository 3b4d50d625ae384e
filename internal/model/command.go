package model

import "time"

// Command kinds recorded in DeviceCommand.Command.
const (
	CmdSerialChange = "SERIAL_CHANGE"
	CmdTimeSync     = "TIME_SYNC"
	CmdConfigRead   = "CONFIG_READ"
	CmdConfigWrite  = "CONFIG_WRITE"
)

// Command statuses.
const (
	CommandPending = "pending"
	CommandSuccess = "success"
	CommandFailed  = "failed"
	CommandTimeout = "timeout"
)

// DeviceCommand is the audit record of an admin issued device command.
type DeviceCommand struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	DeviceSerial string     `gorm:"size:64;not null;index" json:"device_serial"`
	Command      string     `gorm:"size:32;not null" json:"command"`
	Params       string     `gorm:"type:text" json:"params,omitempty"`
	Status       string     `gorm:"size:16;not null;default:'pending'" json:"status"`
	Response     string     `gorm:"type:text" json:"response,omitempty"`
	ErrorMsg     string     `gorm:"type:text" json:"error_msg,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}
