package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/retail_pos/config"
)

var ErrIdempotencyInProgress = errors.New("idempotency in progress")

// IsDuplicateKeyErr reports a MySQL unique-key violation (1062).
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// BeginIdempotency inserts STARTED. If the key already SUCCEEDED it returns the stored
// response and skip=true. A key STARTED less than five minutes ago is still owned by
// another request.
func BeginIdempotency(ctx context.Context, deviceId, handlerName, messageId string) (skip bool, response []byte, err error) {
	db := config.GetDB().WithContext(ctx)
	key := IdempotencyKey{
		DeviceId:    deviceId,
		HandlerName: handlerName,
		MessageId:   messageId,
		Status:      IdempotencyStatusStarted,
	}
	if err := db.Create(&key).Error; err == nil {
		return false, nil, nil
	} else if !IsDuplicateKeyErr(err) {
		return false, nil, err
	}

	var existing IdempotencyKey
	if err := db.Where("device_id = ? AND handler_name = ? AND message_id = ?", deviceId, handlerName, messageId).
		First(&existing).Error; err != nil {
		return false, nil, err
	}

	switch existing.Status {
	case IdempotencyStatusSucceeded:
		return true, existing.ResponseJSON, nil
	case IdempotencyStatusStarted:
		if time.Since(existing.UpdatedAt) < 5*time.Minute {
			return false, nil, ErrIdempotencyInProgress
		}
	}
	return false, nil, db.Model(&IdempotencyKey{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"status": IdempotencyStatusStarted, "last_error": nil}).Error
}

func MarkIdempotencySucceeded(ctx context.Context, deviceId, handlerName, messageId string, response []byte) error {
	return config.GetDB().WithContext(ctx).Model(&IdempotencyKey{}).
		Where("device_id = ? AND handler_name = ? AND message_id = ?", deviceId, handlerName, messageId).
		Updates(map[string]interface{}{"status": IdempotencyStatusSucceeded, "response_json": response, "last_error": nil}).Error
}

func MarkIdempotencyFailed(ctx context.Context, deviceId, handlerName, messageId string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return config.GetDB().WithContext(ctx).Model(&IdempotencyKey{}).
		Where("device_id = ? AND handler_name = ? AND message_id = ?", deviceId, handlerName, messageId).
		Updates(map[string]interface{}{"status": IdempotencyStatusFailed, "last_error": &msg}).Error
}
