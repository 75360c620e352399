package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

var idemColumns = []string{"id", "handler_name", "message_id", "status", "last_error", "created_at", "updated_at"}

func TestIdempotencyStore_FirstDelivery(t *testing.T) {
	db, mock := newMockDB(t)
	store := &IdempotencyStore{DB: db}

	mock.ExpectExec("INSERT INTO `idempotency_keys`").WillReturnResult(sqlmock.NewResult(1, 1))
	skip, err := store.Begin(context.Background(), reportRunHandler, "m-1")
	require.NoError(t, err)
	assert.False(t, skip)

	mock.ExpectExec("UPDATE `idempotency_keys` SET .*status.* WHERE handler_name = \\? AND message_id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Succeeded(context.Background(), reportRunHandler, "m-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore_SkipsSucceededMessage(t *testing.T) {
	db, mock := newMockDB(t)
	store := &IdempotencyStore{DB: db}

	mock.ExpectExec("INSERT INTO `idempotency_keys`").WillReturnError(&mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"})
	now := time.Now()
	mock.ExpectQuery("SELECT \\* FROM `idempotency_keys` WHERE handler_name = \\? AND message_id = \\?").
		WillReturnRows(sqlmock.NewRows(idemColumns).AddRow(7, reportRunHandler, "m-1", "SUCCEEDED", nil, now, now))

	skip, err := store.Begin(context.Background(), reportRunHandler, "m-1")
	require.NoError(t, err)
	assert.True(t, skip)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore_InProgressAsksForRedelivery(t *testing.T) {
	db, mock := newMockDB(t)
	store := &IdempotencyStore{DB: db}

	mock.ExpectExec("INSERT INTO `idempotency_keys`").WillReturnError(&mysqlDriver.MySQLError{Number: 1062})
	now := time.Now()
	mock.ExpectQuery("SELECT \\* FROM `idempotency_keys`").
		WillReturnRows(sqlmock.NewRows(idemColumns).AddRow(7, reportRunHandler, "m-1", "STARTED", nil, now, now))

	_, err := store.Begin(context.Background(), reportRunHandler, "m-1")
	assert.ErrorIs(t, err, ErrIdempotencyInProgress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotencyStore_RestartsFailedMessage(t *testing.T) {
	db, mock := newMockDB(t)
	store := &IdempotencyStore{DB: db}

	mock.ExpectExec("INSERT INTO `idempotency_keys`").WillReturnError(&mysqlDriver.MySQLError{Number: 1062})
	old := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT \\* FROM `idempotency_keys`").
		WillReturnRows(sqlmock.NewRows(idemColumns).AddRow(7, reportRunHandler, "m-1", "FAILED", "boom", old, old))
	mock.ExpectExec("UPDATE `idempotency_keys` SET .*WHERE id = \\?").WillReturnResult(sqlmock.NewResult(0, 1))

	skip, err := store.Begin(context.Background(), reportRunHandler, "m-1")
	require.NoError(t, err)
	assert.False(t, skip)
	require.NoError(t, mock.ExpectationsWereMet())
}
