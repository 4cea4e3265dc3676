package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/utils"
	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

// DeviceSyncRun records one batch push from a device.
type DeviceSyncRun struct {
	ID             uint       `gorm:"primary_key" json:"id"`
	StoreId        string     `gorm:"index;size:64" json:"store_id"`
	DeviceId       string     `gorm:"index;size:64;not null" json:"device_id"`
	EntityType     string     `gorm:"index;size:20;not null" json:"entity_type"`
	IdempotencyKey string     `gorm:"size:255" json:"idempotency_key"`
	CorrelationId  string     `gorm:"size:64" json:"correlation_id"`
	Status         string     `gorm:"size:20;not null" json:"status"`
	StatsJSON      []byte     `gorm:"type:json" json:"stats"`
	RecordsSynced  int        `json:"records_synced"`
	ErrorCount     int        `json:"error_count"`
	StartedAt      *time.Time `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type DeviceSyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	DeviceId    string    `gorm:"index;size:64;not null" json:"device_id"`
	EntityType  string    `gorm:"size:20" json:"entity_type"`
	ClientId    string    `gorm:"size:128" json:"client_id"`
	ErrorCode   string    `gorm:"size:64" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// StartDeviceSyncRun creates the run directly in running; queued is kept for runs
// scheduled by other producers.
func StartDeviceSyncRun(ctx context.Context, deviceId string, entityType string, idempotencyKey string) (*DeviceSyncRun, error) {
	storeId, _ := utils.GetStoreIdFromContext(ctx)
	now := time.Now()
	run := DeviceSyncRun{
		StoreId:        storeId,
		DeviceId:       deviceId,
		EntityType:     entityType,
		IdempotencyKey: idempotencyKey,
		CorrelationId:  utils.CorrelationIdFromContextOrNew(ctx),
		Status:         SyncRunStatusRunning,
		StartedAt:      &now,
	}
	if err := config.GetDB().WithContext(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// FinishDeviceSyncRun settles the run: success when nothing failed, failed when nothing
// synced, partial otherwise.
func FinishDeviceSyncRun(ctx context.Context, run *DeviceSyncRun, stats map[string]int, synced int, errorCount int) error {
	finishedAt := time.Now()
	startedAt := finishedAt
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}
	status := SyncRunStatusSuccess
	if errorCount > 0 && synced == 0 {
		status = SyncRunStatusFailed
	} else if errorCount > 0 {
		status = SyncRunStatusPartial
	}
	statsJSON, _ := json.Marshal(stats)

	run.Status = status
	run.FinishedAt = &finishedAt
	run.DurationMs = finishedAt.Sub(startedAt).Milliseconds()
	run.RecordsSynced = synced
	run.ErrorCount = errorCount
	run.StatsJSON = statsJSON
	return config.GetDB().WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    run.DurationMs,
		"records_synced": synced,
		"error_count":    errorCount,
		"stats_json":     statsJSON,
	}).Error
}

func CreateDeviceSyncError(ctx context.Context, runId uint, deviceId string, entityType string, clientId string, code string, message string, payload any, retryable bool) error {
	var payloadJSON []byte
	if payload != nil {
		payloadJSON, _ = json.Marshal(payload)
	}
	return config.GetDB().WithContext(ctx).Create(&DeviceSyncError{
		SyncRunId:   runId,
		DeviceId:    deviceId,
		EntityType:  entityType,
		ClientId:    clientId,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payloadJSON,
		Retryable:   retryable,
	}).Error
}

func ListDeviceSyncRuns(ctx context.Context, deviceId string, limit int) ([]DeviceSyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []DeviceSyncRun
	err := config.GetDB().WithContext(ctx).
		Where("device_id = ?", deviceId).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func GetDeviceSyncRun(ctx context.Context, deviceId string, runId uint) (*DeviceSyncRun, []DeviceSyncError, error) {
	db := config.GetDB().WithContext(ctx)
	var run DeviceSyncRun
	if err := db.Where("id = ? AND device_id = ?", runId, deviceId).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, utils.ErrorRecordNotFound
		}
		return nil, nil, err
	}
	var errs []DeviceSyncError
	if err := db.Where("sync_run_id = ?", run.ID).Order("id ASC").Find(&errs).Error; err != nil {
		return nil, nil, err
	}
	return &run, errs, nil
}
