package model

import (
	"time"

	"labdevice-gateway/internal/parse"
)

// DeviceSetup is the last configuration read back from a device.
type DeviceSetup struct {
	DeviceSerial    string `gorm:"primaryKey;size:64" json:"device_serial"`
	SoftwareVersion string `gorm:"size:32" json:"software_version"`
	HardwareVersion string `gorm:"size:32" json:"hardware_version"`
	ServerAddress   string `gorm:"size:64" json:"server_address"`
	DeviceIP        string `gorm:"size:64" json:"device_ip"`
	SubnetMask      string `gorm:"size:64" json:"subnet_mask"`
	RemotePort      int    `json:"remote_port"`
	LocalPort       int    `json:"local_port"`
	ThresholdLow    int    `json:"threshold_low"`
	ThresholdMid    int    `json:"threshold_mid"`
	ThresholdHigh   int    `json:"threshold_high"`

	Profiles []parse.Profile `gorm:"serializer:json" json:"profiles"`

	TransferEnabled bool `json:"transfer_enabled"`
	BarcodeEnabled  bool `json:"barcode_enabled"`
	OperatorEnabled bool `json:"operator_enabled"`
	LotEnabled      bool `json:"lot_enabled"`

	SSID         string `gorm:"size:64" json:"ssid"`
	WiFiMode     string `gorm:"size:16" json:"wifi_mode"`
	SecurityType string `gorm:"size:16" json:"security_type"`
	WiFiPassword string `gorm:"size:64" json:"-"`

	BarcodeRules []parse.BarcodeRule `gorm:"serializer:json" json:"barcode_rules"`

	Complete  bool      `json:"complete"`
	ReadAt    time.Time `gorm:"not null" json:"read_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDeviceSetup snapshots a decoded #R frame.
func NewDeviceSetup(cfg *parse.Configuration, readAt time.Time) *DeviceSetup {
	return &DeviceSetup{
		DeviceSerial:    cfg.DeviceID,
		SoftwareVersion: cfg.SoftwareVersion,
		HardwareVersion: cfg.HardwareVersion,
		ServerAddress:   cfg.ServerAddress,
		DeviceIP:        cfg.DeviceIP,
		SubnetMask:      cfg.SubnetMask,
		RemotePort:      cfg.RemotePort,
		LocalPort:       cfg.LocalPort,
		ThresholdLow:    cfg.Thresholds[0],
		ThresholdMid:    cfg.Thresholds[1],
		ThresholdHigh:   cfg.Thresholds[2],
		Profiles:        cfg.Profiles,
		TransferEnabled: cfg.TransferEnabled,
		BarcodeEnabled:  cfg.BarcodeEnabled,
		OperatorEnabled: cfg.OperatorEnabled,
		LotEnabled:      cfg.LotEnabled,
		SSID:            cfg.SSID,
		WiFiMode:        cfg.WiFiMode,
		SecurityType:    cfg.SecurityType,
		WiFiPassword:    cfg.WiFiPassword,
		BarcodeRules:    cfg.BarcodeRules,
		Complete:        cfg.Complete,
		ReadAt:          readAt,
	}
}

// Configuration converts the snapshot back to its wire form.
func (s *DeviceSetup) Configuration() *parse.Configuration {
	return &parse.Configuration{
		DeviceID:        s.DeviceSerial,
		SoftwareVersion: s.SoftwareVersion,
		HardwareVersion: s.HardwareVersion,
		ServerAddress:   s.ServerAddress,
		DeviceIP:        s.DeviceIP,
		SubnetMask:      s.SubnetMask,
		RemotePort:      s.RemotePort,
		LocalPort:       s.LocalPort,
		Thresholds:      [3]int{s.ThresholdLow, s.ThresholdMid, s.ThresholdHigh},
		Profiles:        s.Profiles,
		TransferEnabled: s.TransferEnabled,
		BarcodeEnabled:  s.BarcodeEnabled,
		OperatorEnabled: s.OperatorEnabled,
		LotEnabled:      s.LotEnabled,
		SSID:            s.SSID,
		WiFiMode:        s.WiFiMode,
		SecurityType:    s.SecurityType,
		WiFiPassword:    s.WiFiPassword,
		BarcodeRules:    s.BarcodeRules,
		Complete:        s.Complete,
	}
}
