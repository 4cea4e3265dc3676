package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PosProduct is the catalogue row devices mirror. Rows created on a device keep the
// (device_id, client_id) they came from; rows created on the server leave them empty.
type PosProduct struct {
	ID               uint            `gorm:"primary_key" json:"id"`
	StoreId          string          `gorm:"index;size:64" json:"store_id"`
	DeviceId         *string         `gorm:"uniqueIndex:idx_pos_product_client,priority:1;size:64" json:"device_id"`
	ClientId         *string         `gorm:"uniqueIndex:idx_pos_product_client,priority:2;size:128" json:"client_id"`
	Name             string          `gorm:"index;size:200;not null" json:"name"`
	Sku              string          `gorm:"index;size:100" json:"sku"`
	Barcode          string          `gorm:"index;size:100" json:"barcode"`
	CategoryClientId *string         `gorm:"size:128" json:"category_client_id"`
	Price            decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"price"`
	CostPrice        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"cost_price"`
	StockQuantity    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"stock_quantity"`
	Unit             string          `gorm:"size:20" json:"unit"`
	IsActive         *bool           `gorm:"not null;default:true" json:"is_active"`
	ClientUpdatedAt  *time.Time      `json:"client_updated_at"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
}

type NewPosProduct struct {
	ClientId         string          `json:"client_id" validate:"required,max=128"`
	Name             string          `json:"name" validate:"required,max=200"`
	Sku              string          `json:"sku" validate:"max=100"`
	Barcode          string          `json:"barcode" validate:"max=100"`
	CategoryClientId *string         `json:"category_client_id"`
	Price            decimal.Decimal `json:"price" validate:"gte=0"`
	CostPrice        decimal.Decimal `json:"cost_price" validate:"gte=0"`
	StockQuantity    decimal.Decimal `json:"stock_quantity"`
	Unit             string          `json:"unit" validate:"max=20"`
	IsActive         bool            `json:"is_active"`
	ClientUpdatedAt  time.Time       `json:"client_updated_at" validate:"required"`
}

func productListCacheKey(storeId string) string {
	return fmt.Sprintf("pos:products:%s", storeId)
}

// UpsertProductFromDevice applies the device's version unless the stored row carries a
// later client_updated_at.
func UpsertProductFromDevice(ctx context.Context, deviceId string, input *NewPosProduct) (*PosProduct, UpsertOutcome, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, "", invalidInput(err)
	}
	storeId, _ := utils.GetStoreIdFromContext(ctx)
	db := config.GetDB().WithContext(ctx)

	var (
		result  PosProduct
		outcome UpsertOutcome
	)
	err := db.Transaction(func(tx *gorm.DB) error {
		var existing PosProduct
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("device_id = ? AND client_id = ?", deviceId, input.ClientId).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			clientUpdatedAt := input.ClientUpdatedAt.UTC()
			result = PosProduct{
				StoreId:          storeId,
				DeviceId:         &deviceId,
				ClientId:         &input.ClientId,
				Name:             strings.TrimSpace(input.Name),
				Sku:              strings.TrimSpace(input.Sku),
				Barcode:          strings.TrimSpace(input.Barcode),
				CategoryClientId: input.CategoryClientId,
				Price:            input.Price,
				CostPrice:        input.CostPrice,
				StockQuantity:    input.StockQuantity,
				Unit:             input.Unit,
				IsActive:         &input.IsActive,
				ClientUpdatedAt:  &clientUpdatedAt,
			}
			outcome = UpsertCreated
			return tx.Create(&result).Error
		}
		if err != nil {
			return err
		}
		if existing.ClientUpdatedAt != nil && existing.ClientUpdatedAt.After(input.ClientUpdatedAt) {
			result = existing
			outcome = UpsertStale
			return nil
		}
		if err := tx.Model(&existing).Updates(map[string]interface{}{
			"name":               strings.TrimSpace(input.Name),
			"sku":                strings.TrimSpace(input.Sku),
			"barcode":            strings.TrimSpace(input.Barcode),
			"category_client_id": input.CategoryClientId,
			"price":              input.Price,
			"cost_price":         input.CostPrice,
			"stock_quantity":     input.StockQuantity,
			"unit":               input.Unit,
			"is_active":          input.IsActive,
			"client_updated_at":  input.ClientUpdatedAt.UTC(),
		}).Error; err != nil {
			return err
		}
		outcome = UpsertUpdated
		return tx.Where("id = ?", existing.ID).Take(&result).Error
	})
	if err != nil {
		return nil, "", err
	}
	if outcome != UpsertStale {
		if err := config.RemoveRedisKey(productListCacheKey(result.StoreId)); err != nil {
			config.LogError(config.GetLogger(), "models", "UpsertProductFromDevice", "clear product cache", result.StoreId, err)
		}
	}
	return &result, outcome, nil
}

// ProductPage is one page of the catalogue ordered by (updated_at, id).
type ProductPage struct {
	Items   []*PosProduct
	HasMore bool
}

// ListProductsUpdatedSince pages through products changed after (since, afterId).
// The first page for a store is served from redis when it is warm.
func ListProductsUpdatedSince(ctx context.Context, since time.Time, afterId uint, limit int) (*ProductPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	storeId, _ := utils.GetStoreIdFromContext(ctx)
	cacheable := since.IsZero() && afterId == 0
	cacheKey := productListCacheKey(storeId)

	if cacheable {
		var cached ProductPage
		if ok, err := config.GetRedisObject(cacheKey, &cached); err == nil && ok && len(cached.Items) <= limit {
			return &cached, nil
		}
	}

	db := config.GetDB().WithContext(ctx)
	q := db.Model(&PosProduct{})
	if !since.IsZero() {
		q = q.Where("(updated_at > ? OR (updated_at = ? AND id > ?))", since, since, afterId)
	}
	var rows []*PosProduct
	if err := q.Order("updated_at ASC, id ASC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}
	page := &ProductPage{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		page.HasMore = true
	}

	if cacheable && !page.HasMore {
		if err := config.SetRedisObject(cacheKey, page, 10*time.Minute); err != nil {
			config.LogError(config.GetLogger(), "models", "ListProductsUpdatedSince", "cache product list", storeId, err)
		}
	}
	return page, nil
}

// InvalidateProductCache drops the cached catalogue for a store.
func InvalidateProductCache(storeId string) error {
	return config.RemoveRedisKey(productListCacheKey(storeId))
}
