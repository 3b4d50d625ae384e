package model

import "time"

// DonationRecord is one #D reading. Only Exported changes after insert.
type DonationRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	DeviceSerial string    `gorm:"size:64;not null;index:idx_donation_device_received,priority:1" json:"device_serial"`
	ReceivedAt   time.Time `gorm:"not null;index:idx_donation_device_received,priority:2" json:"received_at"`
	DeviceTime   time.Time `json:"device_time"`
	Kind         string    `gorm:"size:8;not null" json:"kind"`
	// RawPayload is the frame as received, one rune per byte.
	RawPayload string `gorm:"type:text;not null" json:"raw_payload"`
	SourceIP   string `gorm:"size:64" json:"source_ip"`
	SourcePort int    `json:"source_port"`

	RefCode    string `gorm:"size:64" json:"ref_code,omitempty"`
	DonationID string `gorm:"size:64;index" json:"donation_id,omitempty"`
	OperatorID string `gorm:"size:64" json:"operator_id,omitempty"`
	LotNumber  string `gorm:"size:64" json:"lot_number,omitempty"`

	LipemicValue  *int   `json:"lipemic_value,omitempty"`
	LipemicGroup  string `gorm:"size:4" json:"lipemic_group,omitempty"`
	LipemicStatus string `gorm:"size:32" json:"lipemic_status,omitempty"`
	IsLipemic     bool   `gorm:"not null;default:false" json:"is_lipemic"`

	Checksum    string `gorm:"size:32" json:"checksum"`
	Exported    bool   `gorm:"not null;default:false;index" json:"exported"`
	Fingerprint string `gorm:"size:64;index" json:"-"`
}
