package model

import "time"

// StatusRecord is one #S push, kept as history.
type StatusRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceSerial string    `gorm:"size:64;not null;index:idx_status_device_received,priority:1" json:"device_serial"`
	ReceivedAt   time.Time `gorm:"not null;index:idx_status_device_received,priority:2" json:"received_at"`
	DeviceTime   time.Time `json:"device_time"`
	StatusCode   int       `gorm:"not null" json:"status_code"`
	State        string    `gorm:"size:16;not null" json:"state"`
	Available    int       `gorm:"not null" json:"available"`
	Checksum     string    `gorm:"size:32" json:"checksum"`
	SourceIP     string    `gorm:"size:64" json:"source_ip"`
	SourcePort   int       `json:"source_port"`
	Fingerprint  string    `gorm:"size:64;index" json:"-"`
}

// DeviceStatus is the latest status per device (hot table).
type DeviceStatus struct {
	DeviceSerial string    `gorm:"primaryKey;size:64" json:"device_serial"`
	ReceivedAt   time.Time `gorm:"not null" json:"received_at"`
	DeviceTime   time.Time `json:"device_time"`
	StatusCode   int       `gorm:"not null" json:"status_code"`
	State        string    `gorm:"size:16;not null" json:"state"`
	Available    int       `gorm:"not null" json:"available"`
	SourceIP     string    `gorm:"size:64" json:"source_ip"`
}
