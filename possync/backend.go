package possync

import (
	"context"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/models"
)

// Backend is everything the sync handlers need from the server of record.
type Backend interface {
	BeginIdempotency(ctx context.Context, deviceId, handlerName, key string) (skip bool, response []byte, err error)
	MarkIdempotencySucceeded(ctx context.Context, deviceId, handlerName, key string, response []byte) error
	MarkIdempotencyFailed(ctx context.Context, deviceId, handlerName, key string, err error) error

	StartRun(ctx context.Context, deviceId, entityType, key string) (*models.DeviceSyncRun, error)
	FinishRun(ctx context.Context, run *models.DeviceSyncRun, stats map[string]int, synced, errorCount int) error
	RecordError(ctx context.Context, runId uint, deviceId, entityType, clientId, code, message string, payload any, retryable bool) error
	ListRuns(ctx context.Context, deviceId string, limit int) ([]models.DeviceSyncRun, error)
	GetRun(ctx context.Context, deviceId string, runId uint) (*models.DeviceSyncRun, []models.DeviceSyncError, error)

	UpsertCategory(ctx context.Context, deviceId string, input *models.NewPosCategory) (*models.PosCategory, models.UpsertOutcome, error)
	UpsertProduct(ctx context.Context, deviceId string, input *models.NewPosProduct) (*models.PosProduct, models.UpsertOutcome, error)
	CreateSale(ctx context.Context, deviceId string, input *models.NewPosSale) (*models.PosSale, bool, error)
	ListProducts(ctx context.Context, since time.Time, afterId uint, limit int) (*models.ProductPage, error)

	PublishSaleSynced(ctx context.Context, msg config.SaleSyncedMessage) (string, error)
}

// ModelsBackend serves the handlers from MySQL, redis and Pub/Sub.
type ModelsBackend struct{}

func (ModelsBackend) BeginIdempotency(ctx context.Context, deviceId, handlerName, key string) (bool, []byte, error) {
	return models.BeginIdempotency(ctx, deviceId, handlerName, key)
}

func (ModelsBackend) MarkIdempotencySucceeded(ctx context.Context, deviceId, handlerName, key string, response []byte) error {
	return models.MarkIdempotencySucceeded(ctx, deviceId, handlerName, key, response)
}

func (ModelsBackend) MarkIdempotencyFailed(ctx context.Context, deviceId, handlerName, key string, err error) error {
	return models.MarkIdempotencyFailed(ctx, deviceId, handlerName, key, err)
}

func (ModelsBackend) StartRun(ctx context.Context, deviceId, entityType, key string) (*models.DeviceSyncRun, error) {
	return models.StartDeviceSyncRun(ctx, deviceId, entityType, key)
}

func (ModelsBackend) FinishRun(ctx context.Context, run *models.DeviceSyncRun, stats map[string]int, synced, errorCount int) error {
	return models.FinishDeviceSyncRun(ctx, run, stats, synced, errorCount)
}

func (ModelsBackend) RecordError(ctx context.Context, runId uint, deviceId, entityType, clientId, code, message string, payload any, retryable bool) error {
	return models.CreateDeviceSyncError(ctx, runId, deviceId, entityType, clientId, code, message, payload, retryable)
}

func (ModelsBackend) ListRuns(ctx context.Context, deviceId string, limit int) ([]models.DeviceSyncRun, error) {
	return models.ListDeviceSyncRuns(ctx, deviceId, limit)
}

func (ModelsBackend) GetRun(ctx context.Context, deviceId string, runId uint) (*models.DeviceSyncRun, []models.DeviceSyncError, error) {
	return models.GetDeviceSyncRun(ctx, deviceId, runId)
}

func (ModelsBackend) UpsertCategory(ctx context.Context, deviceId string, input *models.NewPosCategory) (*models.PosCategory, models.UpsertOutcome, error) {
	return models.UpsertCategoryFromDevice(ctx, deviceId, input)
}

func (ModelsBackend) UpsertProduct(ctx context.Context, deviceId string, input *models.NewPosProduct) (*models.PosProduct, models.UpsertOutcome, error) {
	return models.UpsertProductFromDevice(ctx, deviceId, input)
}

func (ModelsBackend) CreateSale(ctx context.Context, deviceId string, input *models.NewPosSale) (*models.PosSale, bool, error) {
	return models.CreateSaleFromDevice(ctx, deviceId, input)
}

func (ModelsBackend) ListProducts(ctx context.Context, since time.Time, afterId uint, limit int) (*models.ProductPage, error) {
	return models.ListProductsUpdatedSince(ctx, since, afterId, limit)
}

func (ModelsBackend) PublishSaleSynced(ctx context.Context, msg config.SaleSyncedMessage) (string, error) {
	return config.PublishSaleSynced(ctx, msg)
}
