package model

import "time"

// PushSubscription is a browser endpoint that receives offline alerts for
// the devices it watches.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey" json:"endpoint"`
	P256DH    string    `gorm:"column:p256dh;not null" json:"p256dh"`
	Auth      string    `gorm:"not null" json:"-"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`

	Devices []*Device `gorm:"many2many:subscription_device_mapping;" json:"devices,omitempty"`
}
