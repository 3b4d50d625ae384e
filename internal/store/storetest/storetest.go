// Package storetest opens throwaway SQLite backed stores for tests.
package storetest

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"labdevice-gateway/internal/db"
	"labdevice-gateway/internal/store"
)

var unsafeName = regexp.MustCompile(`\W`)

// New returns a migrated store on a private in-memory database that is
// closed when the test ends.
func New(t testing.TB) store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", unsafeName.ReplaceAllString(t.Name(), "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return store.NewGormStore(gdb)
}
