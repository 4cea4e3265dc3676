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
)

type PosSale struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	StoreId         string          `gorm:"index;size:64" json:"store_id"`
	DeviceId        string          `gorm:"uniqueIndex:idx_pos_sale_client,priority:1;size:64;not null" json:"device_id"`
	ClientId        string          `gorm:"uniqueIndex:idx_pos_sale_client,priority:2;size:128;not null" json:"client_id"`
	CashierId       string          `gorm:"index;size:64" json:"cashier_id"`
	PaymentMethod   string          `gorm:"size:20" json:"payment_method"`
	TotalAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_amount"`
	SoldAt          time.Time       `gorm:"index;not null" json:"sold_at"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
	Items           []PosSaleItem   `gorm:"foreignKey:SaleId" json:"items"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type PosSaleItem struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	SaleId          uint            `gorm:"index;not null" json:"sale_id"`
	ProductClientId string          `gorm:"size:128;not null" json:"product_client_id"`
	ProductId       *uint           `gorm:"index" json:"product_id"`
	Name            string          `gorm:"size:200" json:"name"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Price           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	Total           decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total"`
}

type NewPosSaleItem struct {
	ProductClientId string          `json:"product_client_id" validate:"required"`
	ProductServerId *uint           `json:"product_server_id"`
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity" validate:"gt=0"`
	Price           decimal.Decimal `json:"price" validate:"gte=0"`
	Total           decimal.Decimal `json:"total"`
}

type NewPosSale struct {
	ClientId        string           `json:"client_id" validate:"required,max=128"`
	Items           []NewPosSaleItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount     decimal.Decimal  `json:"total_amount"`
	PaymentMethod   string           `json:"payment_method" validate:"max=20"`
	CashierId       string           `json:"cashier_id" validate:"max=64"`
	SoldAt          time.Time        `json:"sold_at"`
	ClientUpdatedAt time.Time        `json:"client_updated_at"`
}

func (input *NewPosSale) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	sum := decimal.Zero
	for i, item := range input.Items {
		line := item.Quantity.Mul(item.Price)
		if !item.Total.Equal(line) {
			return fmt.Errorf("item %d: total %s does not equal quantity x price %s", i, item.Total, line)
		}
		sum = sum.Add(item.Total)
	}
	if !input.TotalAmount.Equal(sum) {
		return fmt.Errorf("total_amount %s does not equal the sum of item totals %s", input.TotalAmount, sum)
	}
	return nil
}

// CreateSaleFromDevice stores a sale pushed by a device exactly once. A repeat push of
// the same (device_id, client_id) returns the stored sale with created=false.
// Stock of products the device referenced by server id is deducted in the same
// transaction.
func CreateSaleFromDevice(ctx context.Context, deviceId string, input *NewPosSale) (sale *PosSale, created bool, err error) {
	if strings.TrimSpace(deviceId) == "" {
		return nil, false, errors.New("device id is required")
	}
	if err := input.validate(); err != nil {
		return nil, false, invalidInput(err)
	}
	storeId, _ := utils.GetStoreIdFromContext(ctx)
	db := config.GetDB().WithContext(ctx)

	soldAt := input.SoldAt
	if soldAt.IsZero() {
		soldAt = time.Now()
	}
	row := PosSale{
		StoreId:         storeId,
		DeviceId:        deviceId,
		ClientId:        input.ClientId,
		CashierId:       input.CashierId,
		PaymentMethod:   input.PaymentMethod,
		TotalAmount:     input.TotalAmount,
		SoldAt:          soldAt.UTC(),
		ClientUpdatedAt: input.ClientUpdatedAt.UTC(),
	}
	for _, item := range input.Items {
		row.Items = append(row.Items, PosSaleItem{
			ProductClientId: item.ProductClientId,
			ProductId:       item.ProductServerId,
			Name:            item.Name,
			Quantity:        item.Quantity,
			Price:           item.Price,
			Total:           item.Total,
		})
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, item := range row.Items {
			if item.ProductId == nil {
				continue
			}
			if err := tx.Model(&PosProduct{}).
				Where("id = ?", *item.ProductId).
				Update("stock_quantity", gorm.Expr("stock_quantity - ?", item.Quantity)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !IsDuplicateKeyErr(err) {
			return nil, false, err
		}
		existing, ferr := GetDeviceSale(ctx, deviceId, input.ClientId)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, false, nil
	}

	if err := InvalidateProductCache(storeId); err != nil {
		config.LogError(config.GetLogger(), "models", "CreateSaleFromDevice", "clear product cache", storeId, err)
	}
	return &row, true, nil
}

func GetDeviceSale(ctx context.Context, deviceId string, clientId string) (*PosSale, error) {
	db := config.GetDB().WithContext(ctx)
	var sale PosSale
	err := db.Preload("Items").Where("device_id = ? AND client_id = ?", deviceId, clientId).Take(&sale).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}
