package model

import (
	"strings"
	"time"
)

// placeholderPrefix marks a device registered from a bare TCP connect,
// before any frame carried its serial number.
const placeholderPrefix = "Device_"

// Device is a laboratory device known to the gateway.
type Device struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SerialNumber     string    `gorm:"uniqueIndex;size:64;not null" json:"serial_number"`
	Name             string    `gorm:"size:128" json:"name"`
	LastConnectionAt time.Time `gorm:"index" json:"last_connection_at"`
	RegisteredAt     time.Time `gorm:"not null" json:"registered_at"`
	IsActive         bool      `gorm:"not null;default:false" json:"is_active"`
	// Notes keeps the last known address as a breadcrumb.
	Notes     string    `gorm:"size:512" json:"notes"`
	LastIP    string    `gorm:"size:64" json:"last_ip"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlaceholderSerial is the temporary serial of a peer seen at ip.
func PlaceholderSerial(ip string) string {
	return placeholderPrefix + strings.ReplaceAll(ip, ".", "_")
}

// IsPlaceholder reports whether the device was registered under a
// synthesized serial.
func (d *Device) IsPlaceholder() bool {
	return strings.HasPrefix(d.SerialNumber, placeholderPrefix)
}
