package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"labdevice-gateway/internal/model"
)

var (
	// ErrNotFound is returned when the addressed device or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSerialTaken is returned when renaming onto a serial already registered.
	ErrSerialTaken = errors.New("serial number already registered")
)

// Store defines the interface for all database operations.
type Store interface {
	RegisterDevice(ctx context.Context, serial, ip string, port int, seenAt time.Time) error
	RegisterPeer(ctx context.Context, ip string, port int, seenAt time.Time) error
	SetDeviceActive(ctx context.Context, serial string, active bool, seenAt time.Time) error
	MarkInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	RenameDevice(ctx context.Context, oldSerial, newSerial string) error
	GetDevice(ctx context.Context, serial string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)

	SaveStatus(ctx context.Context, rec *model.StatusRecord) error
	CurrentStatus(ctx context.Context, serial string) (*model.DeviceStatus, error)
	ListStatuses(ctx context.Context, serial string, from, to time.Time) ([]model.StatusRecord, error)

	SaveDonation(ctx context.Context, rec *model.DonationRecord) error
	ListDonations(ctx context.Context, serial string, from, to time.Time) ([]model.DonationRecord, error)

	SaveSetup(ctx context.Context, setup *model.DeviceSetup) error
	GetSetup(ctx context.Context, serial string) (*model.DeviceSetup, error)

	CreateCommand(ctx context.Context, cmd *model.DeviceCommand) error
	CompleteCommand(ctx context.Context, id, status, response, errMsg string, at time.Time) error
	ListCommands(ctx context.Context, serial string) ([]model.DeviceCommand, error)

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

func breadcrumb(ip string, port int) string {
	if ip == "" {
		return ""
	}
	return fmt.Sprintf("Last IP: %s:%d", ip, port)
}

// RegisterDevice creates the device on first contact or refreshes its last
// connection. A placeholder registered earlier for the same IP is removed.
func (s *gormStore) RegisterDevice(ctx context.Context, serial, ip string, port int, seenAt time.Time) error {
	if serial == "" {
		return errors.New("register device: empty serial number")
	}

	device := model.Device{
		SerialNumber:     serial,
		Name:             serial,
		LastConnectionAt: seenAt,
		RegisteredAt:     seenAt,
		IsActive:         true,
		Notes:            breadcrumb(ip, port),
		LastIP:           ip,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertDevice(tx, &device); err != nil {
			return fmt.Errorf("failed to register device %s: %w", serial, err)
		}

		if ip != "" && !device.IsPlaceholder() {
			placeholder := model.PlaceholderSerial(ip)
			if err := tx.Where("serial_number = ?", placeholder).Delete(&model.Device{}).Error; err != nil {
				return fmt.Errorf("failed to remove placeholder %s: %w", placeholder, err)
			}
		}
		return nil
	})
}

// RegisterPeer records a bare TCP connect. A known device last seen at ip is
// touched, otherwise a placeholder device is registered for the address.
func (s *gormStore) RegisterPeer(ctx context.Context, ip string, port int, seenAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Device{}).
			Where("last_ip = ? AND serial_number <> ?", ip, model.PlaceholderSerial(ip)).
			Updates(map[string]interface{}{
				"last_connection_at": seenAt,
				"is_active":          true,
				"notes":              breadcrumb(ip, port),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to touch devices at %s: %w", ip, res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		placeholder := model.Device{
			SerialNumber:     model.PlaceholderSerial(ip),
			Name:             model.PlaceholderSerial(ip),
			LastConnectionAt: seenAt,
			RegisteredAt:     seenAt,
			IsActive:         true,
			Notes:            breadcrumb(ip, port),
			LastIP:           ip,
		}
		if err := upsertDevice(tx, &placeholder); err != nil {
			return fmt.Errorf("failed to register peer %s: %w", ip, err)
		}
		return nil
	})
}

func upsertDevice(tx *gorm.DB, device *model.Device) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "serial_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_connection_at", "is_active", "notes", "last_ip", "updated_at"}),
	}).Create(device).Error
}

// SetDeviceActive flips the active flag. A non-zero seenAt also refreshes the
// last connection time.
func (s *gormStore) SetDeviceActive(ctx context.Context, serial string, active bool, seenAt time.Time) error {
	updates := map[string]interface{}{"is_active": active}
	if !seenAt.IsZero() {
		updates["last_connection_at"] = seenAt
	}

	res := s.db.WithContext(ctx).Model(&model.Device{}).Where("serial_number = ?", serial).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update device %s: %w", serial, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkInactiveBefore flips every active device not seen since cutoff to
// inactive and returns their serial numbers.
func (s *gormStore) MarkInactiveBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	var serials []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Device{}).
			Where("is_active = ? AND last_connection_at < ?", true, cutoff).
			Pluck("serial_number", &serials).Error; err != nil {
			return err
		}
		if len(serials) == 0 {
			return nil
		}
		return tx.Model(&model.Device{}).
			Where("serial_number IN ?", serials).
			Update("is_active", false).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark inactive devices: %w", err)
	}
	return serials, nil
}

// deviceSerialTables hold a device_serial column that follows a rename.
var deviceSerialTables = []interface{}{
	&model.StatusRecord{},
	&model.DeviceStatus{},
	&model.DonationRecord{},
	&model.DeviceSetup{},
	&model.DeviceCommand{},
}

// RenameDevice moves a device and its history to a new serial number.
func (s *gormStore) RenameDevice(ctx context.Context, oldSerial, newSerial string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var taken int64
		if err := tx.Model(&model.Device{}).Where("serial_number = ?", newSerial).Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return ErrSerialTaken
		}

		res := tx.Model(&model.Device{}).Where("serial_number = ?", oldSerial).
			Updates(map[string]interface{}{"serial_number": newSerial, "name": newSerial})
		if res.Error != nil {
			return fmt.Errorf("failed to rename device %s: %w", oldSerial, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}

		for _, table := range deviceSerialTables {
			if err := tx.Model(table).Where("device_serial = ?", oldSerial).
				Update("device_serial", newSerial).Error; err != nil {
				return fmt.Errorf("failed to move %T rows to %s: %w", table, newSerial, err)
			}
		}
		return nil
	})
}

func (s *gormStore) GetDevice(ctx context.Context, serial string) (*model.Device, error) {
	var device model.Device
	if err := s.db.WithContext(ctx).Where("serial_number = ?", serial).First(&device).Error; err != nil {
		return nil, notFound(err)
	}
	return &device, nil
}

func (s *gormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).Order("serial_number").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// SaveStatus appends the status to history and refreshes the current
// status projection in one transaction.
func (s *gormStore) SaveStatus(ctx context.Context, rec *model.StatusRecord) error {
	current := model.DeviceStatus{
		DeviceSerial: rec.DeviceSerial,
		ReceivedAt:   rec.ReceivedAt,
		DeviceTime:   rec.DeviceTime,
		StatusCode:   rec.StatusCode,
		State:        rec.State,
		Available:    rec.Available,
		SourceIP:     rec.SourceIP,
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to save status for %s: %w", rec.DeviceSerial, err)
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_serial"}},
			UpdateAll: true,
		}).Create(&current).Error; err != nil {
			return fmt.Errorf("failed to update current status for %s: %w", rec.DeviceSerial, err)
		}
		return nil
	})
}

func (s *gormStore) CurrentStatus(ctx context.Context, serial string) (*model.DeviceStatus, error) {
	var status model.DeviceStatus
	if err := s.db.WithContext(ctx).Where("device_serial = ?", serial).First(&status).Error; err != nil {
		return nil, notFound(err)
	}
	return &status, nil
}

func (s *gormStore) ListStatuses(ctx context.Context, serial string, from, to time.Time) ([]model.StatusRecord, error) {
	var records []model.StatusRecord
	err := s.db.WithContext(ctx).
		Where("device_serial = ? AND received_at >= ? AND received_at < ?", serial, from, to).
		Order("received_at").
		Find(&records).Error
	return records, err
}

func (s *gormStore) SaveDonation(ctx context.Context, rec *model.DonationRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("failed to save donation for %s: %w", rec.DeviceSerial, err)
		}
		return nil
	})
}

func (s *gormStore) ListDonations(ctx context.Context, serial string, from, to time.Time) ([]model.DonationRecord, error) {
	var records []model.DonationRecord
	err := s.db.WithContext(ctx).
		Where("device_serial = ? AND received_at >= ? AND received_at < ?", serial, from, to).
		Order("received_at").
		Find(&records).Error
	return records, err
}

func (s *gormStore) SaveSetup(ctx context.Context, setup *model.DeviceSetup) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_serial"}},
		UpdateAll: true,
	}).Create(setup).Error
}

func (s *gormStore) GetSetup(ctx context.Context, serial string) (*model.DeviceSetup, error) {
	var setup model.DeviceSetup
	if err := s.db.WithContext(ctx).Where("device_serial = ?", serial).First(&setup).Error; err != nil {
		return nil, notFound(err)
	}
	return &setup, nil
}

func (s *gormStore) CreateCommand(ctx context.Context, cmd *model.DeviceCommand) error {
	return s.db.WithContext(ctx).Create(cmd).Error
}

func (s *gormStore) CompleteCommand(ctx context.Context, id, status, response, errMsg string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.DeviceCommand{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"response":     response,
			"error_msg":    errMsg,
			"completed_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormStore) ListCommands(ctx context.Context, serial string) ([]model.DeviceCommand, error) {
	var cmds []model.DeviceCommand
	err := s.db.WithContext(ctx).Where("device_serial = ?", serial).Order("created_at DESC").Find(&cmds).Error
	return cmds, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
