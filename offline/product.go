package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/shopspring/decimal"
)

type Product struct {
	Meta
	Name          string          `json:"name" validate:"required,max=200"`
	Sku           string          `json:"sku,omitempty" validate:"max=100"`
	Barcode       string          `json:"barcode,omitempty" validate:"max=100"`
	CategoryId    *string         `json:"category_id,omitempty"`
	Price         decimal.Decimal `json:"price" validate:"gte=0"`
	CostPrice     decimal.Decimal `json:"cost_price" validate:"gte=0"`
	StockQuantity decimal.Decimal `json:"stock_quantity"`
	Unit          string          `json:"unit,omitempty" validate:"max=20"`
	IsActive      *bool           `json:"is_active"`
	// ServerId links a catalogue mirror to its row on the server of record.
	ServerId        *uint      `json:"server_id,omitempty"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
}

type ProductModel struct {
	*Repository[Product, *Product]
}

func NewProductModel(col docstore.Collection, opts Options) *ProductModel {
	repo := newRepository[Product](col, "name", false, normalizeProduct, opts)
	repo.syncKeys = []string{"server_id", "server_updated_at"}
	return &ProductModel{Repository: repo}
}

func normalizeProduct(ctx context.Context, next *Product, prev *Product) error {
	next.Name = strings.TrimSpace(next.Name)
	next.Sku = strings.TrimSpace(next.Sku)
	next.Barcode = strings.TrimSpace(next.Barcode)
	if next.IsActive == nil {
		next.IsActive = utils.NewTrue()
	}
	if next.CategoryId != nil && *next.CategoryId == "" {
		next.CategoryId = nil
	}
	if prev != nil && prev.ServerId != nil && next.ServerId == nil {
		next.ServerId = prev.ServerId
	}
	return utils.ValidateStruct(next)
}

func (m *ProductModel) FindBySKU(ctx context.Context, sku string) Result[Product] {
	return m.findOne(ctx, "sku", strings.TrimSpace(sku))
}

func (m *ProductModel) FindByBarcode(ctx context.Context, barcode string) Result[Product] {
	return m.findOne(ctx, "barcode", strings.TrimSpace(barcode))
}

func (m *ProductModel) FindByServerID(ctx context.Context, serverId uint) Result[Product] {
	return m.findOne(ctx, "server_id", serverId)
}

func (m *ProductModel) FindByCategory(ctx context.Context, categoryId string, opts ListOptions) ListResult[Product] {
	return m.FindWhere(ctx, map[string]any{"category_id": categoryId}, opts)
}

func (m *ProductModel) findOne(ctx context.Context, field string, value any) Result[Product] {
	if value == "" {
		return fail[Product](invalid("find", fmt.Errorf("%s is required", field)))
	}
	res := m.FindWhere(ctx, map[string]any{field: value}, ListOptions{Limit: 1})
	if !res.Success {
		return Result[Product]{Success: false, Error: res.Error, Kind: res.Kind}
	}
	if len(res.Entities) == 0 {
		return fail[Product](&docstore.Error{
			Kind:       docstore.KindNotFound,
			Op:         "find",
			EntityType: docstore.EntityTypeProduct,
			ID:         fmt.Sprintf("%s=%v", field, value),
		})
	}
	return ok(res.Entities[0])
}

// AdjustStock adds delta (negative to deduct) to the stored quantity. The new quantity
// is always computed from the latest stored value.
func (m *ProductModel) AdjustStock(ctx context.Context, id string, delta decimal.Decimal) Result[Product] {
	return m.mutate(ctx, "adjust_stock", id, func(cur *Product) error {
		cur.StockQuantity = cur.StockQuantity.Add(delta)
		return nil
	})
}

// SetServerID links a device-created product to its server-of-record row.
func (m *ProductModel) SetServerID(ctx context.Context, id string, serverId uint) Result[Product] {
	return m.mutate(ctx, "set_server_id", id, func(cur *Product) error {
		cur.ServerId = &serverId
		return nil
	})
}

// UpsertFromServer mirrors a catalogue row from the server of record. The server is
// authoritative; only the local id survives. Rows not newer than the mirror are skipped.
func (m *ProductModel) UpsertFromServer(ctx context.Context, incoming *Product) Result[Product] {
	if incoming == nil || incoming.ServerId == nil {
		return fail[Product](invalid("upsert_from_server", errors.New("server_id is required")))
	}
	existing := m.FindByServerID(ctx, *incoming.ServerId)
	if !existing.Success && existing.Kind != docstore.KindNotFound {
		return existing
	}
	if !existing.Success {
		p := *incoming
		p.Meta = Meta{}
		return m.Create(ctx, &p)
	}

	cur := existing.Entity
	if cur.ServerUpdatedAt != nil && incoming.ServerUpdatedAt != nil && !incoming.ServerUpdatedAt.After(*cur.ServerUpdatedAt) {
		return existing
	}
	return m.mutate(ctx, "upsert_from_server", cur.ID, func(cur *Product) error {
		meta := cur.Meta
		*cur = *incoming
		cur.Meta = meta
		return nil
	})
}
