package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PosCategory is the server-of-record copy of a category created on a device.
// (device_id, client_id) identifies it across retries.
type PosCategory struct {
	ID              uint      `gorm:"primary_key" json:"id"`
	StoreId         string    `gorm:"index;size:64" json:"store_id"`
	DeviceId        string    `gorm:"uniqueIndex:idx_pos_category_client,priority:1;size:64;not null" json:"device_id"`
	ClientId        string    `gorm:"uniqueIndex:idx_pos_category_client,priority:2;size:128;not null" json:"client_id"`
	Name            string    `gorm:"index;size:100;not null" json:"name"`
	Description     string    `gorm:"type:text" json:"description"`
	ParentClientId  *string   `gorm:"size:128" json:"parent_client_id"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	ClientUpdatedAt time.Time `gorm:"not null" json:"client_updated_at"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPosCategory struct {
	ClientId        string    `json:"client_id" validate:"required,max=128"`
	Name            string    `json:"name" validate:"required,max=100"`
	Description     string    `json:"description"`
	ParentClientId  *string   `json:"parent_client_id"`
	IsActive        bool      `json:"is_active"`
	ClientUpdatedAt time.Time `json:"client_updated_at" validate:"required"`
}

// UpsertOutcome says what an upsert did with the incoming version.
type UpsertOutcome string

const (
	UpsertCreated UpsertOutcome = "created"
	UpsertUpdated UpsertOutcome = "updated"
	// UpsertStale: the stored row is newer and was kept.
	UpsertStale UpsertOutcome = "stale"
)

// UpsertCategoryFromDevice applies input unless the stored row carries a later
// client_updated_at. Equal timestamps re-apply, so a retried push is harmless.
func UpsertCategoryFromDevice(ctx context.Context, deviceId string, input *NewPosCategory) (*PosCategory, UpsertOutcome, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, "", invalidInput(err)
	}
	if input.ParentClientId != nil && *input.ParentClientId == input.ClientId {
		return nil, "", invalidInput(errors.New("self-parent not allowed"))
	}
	storeId, _ := utils.GetStoreIdFromContext(ctx)
	db := config.GetDB().WithContext(ctx)

	var (
		result  PosCategory
		outcome UpsertOutcome
	)
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing PosCategory
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND client_id = ?", deviceId, input.ClientId).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = PosCategory{
				StoreId:         storeId,
				DeviceId:        deviceId,
				ClientId:        input.ClientId,
				Name:            strings.TrimSpace(input.Name),
				Description:     input.Description,
				ParentClientId:  input.ParentClientId,
				IsActive:        &input.IsActive,
				ClientUpdatedAt: input.ClientUpdatedAt.UTC(),
			}
			outcome = UpsertCreated
			return tx.Create(&result).Error
		}
		if err != nil {
			return err
		}
		if existing.ClientUpdatedAt.After(input.ClientUpdatedAt) {
			result = existing
			outcome = UpsertStale
			return nil
		}
		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"name":              strings.TrimSpace(input.Name),
			"description":       input.Description,
			"parent_client_id":  input.ParentClientId,
			"is_active":         input.IsActive,
			"client_updated_at": input.ClientUpdatedAt.UTC(),
		}).Error; err != nil {
			return err
		}
		outcome = UpsertUpdated
		return tx.Where("id = ?", existing.ID).Take(&result).Error
	})
	if err != nil {
		return nil, "", err
	}
	return &result, outcome, nil
}
