package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"labdevice-gateway/internal/model"
	"labdevice-gateway/internal/parse"
)

// A helper function to create a mock database connection.
func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteStore opens a private in-memory database per test.
func newSQLiteStore(t *testing.T) Store {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", regexp.MustCompile(`\W`).ReplaceAllString(t.Name(), "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(
		&model.Device{}, &model.StatusRecord{}, &model.DeviceStatus{}, &model.DonationRecord{},
		&model.DeviceSetup{}, &model.DeviceCommand{}, &model.PushSubscription{},
	))
	return NewGormStore(gdb)
}

func TestGormStore_SaveDonation(t *testing.T) {
	value := 850
	rec := &model.DonationRecord{
		DeviceSerial:  "LD1",
		ReceivedAt:    time.Now(),
		Kind:          "#D",
		RawPayload:    "#DªLD1",
		LipemicValue:  &value,
		LipemicGroup:  "II",
		LipemicStatus: "PASSED",
	}

	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedErr      bool
	}{
		{
			name: "Insert commits",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "donation_records"`)).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
				mock.ExpectCommit()
			},
		},
		{
			name: "Insert failure rolls back",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "donation_records"`)).
					WillReturnError(errors.New("disk full"))
				mock.ExpectRollback()
			},
			expectedErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newMockDB(t)
			s := NewGormStore(gormDB)
			tc.mockExpectations(mock)

			err := s.SaveDonation(context.Background(), rec)
			if tc.expectedErr {
				assert.ErrorContains(t, err, "failed to save donation for LD1")
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_MarkInactiveBeforeNothingStale(t *testing.T) {
	gormDB, mock := newMockDB(t)
	s := NewGormStore(gormDB)
	cutoff := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "serial_number" FROM "devices" WHERE is_active = $1 AND last_connection_at < $2`)).
		WithArgs(true, Any{}).
		WillReturnRows(sqlmock.NewRows([]string{"serial_number"}))
	mock.ExpectCommit()

	serials, err := s.MarkInactiveBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Empty(t, serials)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStore_RegisterDevice(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	first := time.Now().Add(-time.Hour).Truncate(time.Second)
	later := first.Add(30 * time.Minute)

	require.NoError(t, s.RegisterDevice(ctx, "LD1", "10.0.0.5", 9000, first))
	require.NoError(t, s.RegisterDevice(ctx, "LD1", "10.0.0.6", 9001, later))

	d, err := s.GetDevice(ctx, "LD1")
	require.NoError(t, err)
	assert.True(t, d.IsActive)
	assert.True(t, d.RegisteredAt.Equal(first), "registration time kept")
	assert.True(t, d.LastConnectionAt.Equal(later))
	assert.Equal(t, "10.0.0.6", d.LastIP)
	assert.Equal(t, "Last IP: 10.0.0.6:9001", d.Notes)

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	assert.Error(t, s.RegisterDevice(ctx, "", "10.0.0.5", 9000, later))
}

func TestGormStore_PlaceholderSuperseded(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RegisterPeer(ctx, "10.0.0.5", 9000, now))
	p, err := s.GetDevice(ctx, "Device_10_0_0_5")
	require.NoError(t, err)
	assert.True(t, p.IsPlaceholder())

	require.NoError(t, s.RegisterDevice(ctx, "LD1", "10.0.0.5", 9000, now))
	_, err = s.GetDevice(ctx, "Device_10_0_0_5")
	assert.ErrorIs(t, err, ErrNotFound)

	// A reconnect from a known address touches the real device.
	require.NoError(t, s.SetDeviceActive(ctx, "LD1", false, time.Time{}))
	require.NoError(t, s.RegisterPeer(ctx, "10.0.0.5", 9100, now.Add(time.Minute)))
	d, err := s.GetDevice(ctx, "LD1")
	require.NoError(t, err)
	assert.True(t, d.IsActive)
	_, err = s.GetDevice(ctx, "Device_10_0_0_5")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_MarkInactiveBefore(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RegisterDevice(ctx, "STALE", "10.0.0.1", 1, now.Add(-time.Minute)))
	require.NoError(t, s.RegisterDevice(ctx, "FRESH", "10.0.0.2", 1, now))

	serials, err := s.MarkInactiveBefore(ctx, now.Add(-10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"STALE"}, serials)

	stale, _ := s.GetDevice(ctx, "STALE")
	fresh, _ := s.GetDevice(ctx, "FRESH")
	assert.False(t, stale.IsActive)
	assert.True(t, fresh.IsActive)

	serials, err = s.MarkInactiveBefore(ctx, now.Add(-10*time.Second))
	require.NoError(t, err)
	assert.Empty(t, serials, "already inactive devices are not reported again")
}

func TestGormStore_SetDeviceActive(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, s.RegisterDevice(ctx, "LD1", "10.0.0.1", 1, now.Add(-time.Hour)))
	require.NoError(t, s.SetDeviceActive(ctx, "LD1", false, time.Time{}))
	require.NoError(t, s.SetDeviceActive(ctx, "LD1", true, now))

	d, err := s.GetDevice(ctx, "LD1")
	require.NoError(t, err)
	assert.True(t, d.IsActive)
	assert.True(t, d.LastConnectionAt.Equal(now))

	assert.ErrorIs(t, s.SetDeviceActive(ctx, "NOPE", true, now), ErrNotFound)
}

func TestGormStore_SaveStatusProjection(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, available := range []int{3, 0} {
		require.NoError(t, s.SaveStatus(ctx, &model.StatusRecord{
			DeviceSerial: "LD1",
			ReceivedAt:   now.Add(time.Duration(i) * time.Second),
			StatusCode:   i,
			State:        "idle",
			Available:    available,
		}))
	}

	current, err := s.CurrentStatus(ctx, "LD1")
	require.NoError(t, err)
	assert.Equal(t, 0, current.Available)
	assert.Equal(t, 1, current.StatusCode)

	history, err := s.ListStatuses(ctx, "LD1", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = s.CurrentStatus(ctx, "LD2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_ListDonationsRange(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, at := range []time.Time{now.Add(-2 * time.Hour), now, now.Add(2 * time.Hour)} {
		require.NoError(t, s.SaveDonation(ctx, &model.DonationRecord{DeviceSerial: "LD1", ReceivedAt: at, Kind: "#D", RawPayload: "x"}))
	}

	got, err := s.ListDonations(ctx, "LD1", now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Exported)
}

func TestGormStore_RenameDevice(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RegisterDevice(ctx, "OLD", "10.0.0.1", 1, now))
	require.NoError(t, s.RegisterDevice(ctx, "OTHER", "10.0.0.2", 1, now))
	require.NoError(t, s.SaveDonation(ctx, &model.DonationRecord{DeviceSerial: "OLD", ReceivedAt: now, Kind: "#D", RawPayload: "x"}))

	assert.ErrorIs(t, s.RenameDevice(ctx, "OLD", "OTHER"), ErrSerialTaken)
	assert.ErrorIs(t, s.RenameDevice(ctx, "MISSING", "NEW2"), ErrNotFound)

	require.NoError(t, s.RenameDevice(ctx, "OLD", "NEW"))
	_, err := s.GetDevice(ctx, "OLD")
	assert.ErrorIs(t, err, ErrNotFound)
	d, err := s.GetDevice(ctx, "NEW")
	require.NoError(t, err)
	assert.Equal(t, "NEW", d.Name)

	moved, err := s.ListDonations(ctx, "NEW", now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, moved, 1)
}

func TestGormStore_SetupAndCommands(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Now()

	cfg := &parse.Configuration{
		DeviceID:     "LD1",
		RemotePort:   5000,
		Thresholds:   [3]int{1, 2, 3},
		Profiles:     []parse.Profile{{Name: "A", RefCode: "R1", Offset: 2}},
		BarcodeRules: []parse.BarcodeRule{{MinLength: 4, MaxLength: 10, StartCode: "X", StopCode: "Y"}},
	}
	require.NoError(t, s.SaveSetup(ctx, model.NewDeviceSetup(cfg, now)))
	cfg.Thresholds[0] = 9
	require.NoError(t, s.SaveSetup(ctx, model.NewDeviceSetup(cfg, now)))

	setup, err := s.GetSetup(ctx, "LD1")
	require.NoError(t, err)
	assert.Equal(t, 9, setup.ThresholdLow)
	assert.Equal(t, cfg.Profiles, setup.Profiles)
	assert.Equal(t, cfg.BarcodeRules, setup.Configuration().BarcodeRules)

	cmd := &model.DeviceCommand{ID: "c1", DeviceSerial: "LD1", Command: model.CmdConfigRead, Status: model.CommandPending, CreatedAt: now}
	require.NoError(t, s.CreateCommand(ctx, cmd))
	require.NoError(t, s.CompleteCommand(ctx, "c1", model.CommandTimeout, "", "device did not respond", now))
	assert.ErrorIs(t, s.CompleteCommand(ctx, "c2", model.CommandSuccess, "", "", now), ErrNotFound)

	cmds, err := s.ListCommands(ctx, "LD1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandTimeout, cmds[0].Status)
	assert.NotNil(t, cmds[0].CompletedAt)
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}
