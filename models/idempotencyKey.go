package models

import "time"

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyKey makes a device's batch push safe to repeat.
// Unique constraint: (device_id, handler_name, message_id).
type IdempotencyKey struct {
	ID           int               `gorm:"primary_key" json:"id"`
	DeviceId     string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"device_id"`
	HandlerName  string            `gorm:"size:100;not null;index:uniq_idem,unique" json:"handler_name"`
	MessageId    string            `gorm:"size:255;not null;index:uniq_idem,unique" json:"message_id"`
	Status       IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ResponseJSON []byte            `gorm:"type:json" json:"response"`
	LastError    *string           `gorm:"type:text" json:"last_error"`
	CreatedAt    time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}
