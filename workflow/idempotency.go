package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/Dm1tryAndreev1ch/apperate/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// staleIdempotencyAfter is how long a STARTED key blocks redelivery before it
// is treated as abandoned.
const staleIdempotencyAfter = 5 * time.Minute

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, nil) meaning "skip safely".
func BeginIdempotency(tx *gorm.DB, handlerName, messageId string) (skip bool, err error) {
	key := models.IdempotencyKey{
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      models.IdempotencyStatusStarted,
	}
	if err := tx.Create(&key).Error; err == nil {
		return false, nil
	} else if !isDuplicateKeyErr(err) {
		return false, err
	}

	var existing models.IdempotencyKey
	if err := tx.Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, err
	}

	switch existing.Status {
	case models.IdempotencyStatusSucceeded:
		return true, nil
	case models.IdempotencyStatusStarted:
		// Another worker holds it; let the broker redeliver later.
		if time.Since(existing.UpdatedAt) < staleIdempotencyAfter {
			return false, ErrIdempotencyInProgress
		}
	}
	return false, tx.Model(&models.IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(tx *gorm.DB, handlerName, messageId string) error {
	return tx.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusSucceeded, "last_error": nil}).Error
}

func MarkIdempotencyFailed(tx *gorm.DB, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return tx.Model(&models.IdempotencyKey{}).
		Where("handler_name = ? AND message_id = ?", handlerName, messageId).
		Updates(map[string]interface{}{"status": models.IdempotencyStatusFailed, "last_error": &msg}).Error
}

// MessageGuard deduplicates redelivered bus messages.
type MessageGuard interface {
	Begin(ctx context.Context, handlerName, messageID string) (skip bool, err error)
	Succeeded(ctx context.Context, handlerName, messageID string) error
	Failed(ctx context.Context, handlerName, messageID string, cause error) error
}

// IdempotencyStore is the MySQL-backed MessageGuard.
type IdempotencyStore struct {
	DB *gorm.DB
}

func (s *IdempotencyStore) Begin(ctx context.Context, handlerName, messageID string) (bool, error) {
	return BeginIdempotency(s.DB.WithContext(ctx), handlerName, messageID)
}

func (s *IdempotencyStore) Succeeded(ctx context.Context, handlerName, messageID string) error {
	return MarkIdempotencySucceeded(s.DB.WithContext(ctx), handlerName, messageID)
}

func (s *IdempotencyStore) Failed(ctx context.Context, handlerName, messageID string, cause error) error {
	return MarkIdempotencyFailed(s.DB.WithContext(ctx), handlerName, messageID, cause)
}
