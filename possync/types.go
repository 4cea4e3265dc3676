package possync

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item outcomes reported back to the device.
const (
	ItemStatusCreated   = "created"
	ItemStatusUpdated   = "updated"
	ItemStatusDuplicate = "duplicate"
	// ItemStatusSkipped: the server already holds a newer version.
	ItemStatusSkipped = "skipped"
	ItemStatusFailed  = "failed"
)

type CategoryPayload struct {
	ClientId        string    `json:"client_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	ParentClientId  *string   `json:"parent_client_id"`
	IsActive        bool      `json:"is_active"`
	ClientUpdatedAt time.Time `json:"client_updated_at"`
}

type ProductPayload struct {
	ClientId         string          `json:"client_id"`
	Name             string          `json:"name"`
	Sku              string          `json:"sku"`
	Barcode          string          `json:"barcode"`
	CategoryClientId *string         `json:"category_client_id"`
	Price            decimal.Decimal `json:"price"`
	CostPrice        decimal.Decimal `json:"cost_price"`
	StockQuantity    decimal.Decimal `json:"stock_quantity"`
	Unit             string          `json:"unit"`
	IsActive         bool            `json:"is_active"`
	ClientUpdatedAt  time.Time       `json:"client_updated_at"`
}

type SaleItemPayload struct {
	ProductClientId string          `json:"product_client_id"`
	ProductServerId *uint           `json:"product_server_id"`
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Total           decimal.Decimal `json:"total"`
}

type SalePayload struct {
	ClientId        string            `json:"client_id"`
	Items           []SaleItemPayload `json:"items"`
	TotalAmount     decimal.Decimal   `json:"total_amount"`
	PaymentMethod   string            `json:"payment_method"`
	CashierId       string            `json:"cashier_id"`
	StoreId         string            `json:"store_id"`
	SoldAt          time.Time         `json:"sold_at"`
	ClientUpdatedAt time.Time         `json:"client_updated_at"`
}

// PushRequest carries a batch. Items are validated one by one so a bad item fails
// alone instead of rejecting the batch.
type PushRequest[T any] struct {
	IdempotencyKey string `json:"idempotency_key"`
	Items          []T    `json:"items" binding:"required"`
}

type PushItemResult struct {
	ClientId string `json:"client_id"`
	ServerId uint   `json:"server_id,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	// Retryable is false when resending the item unchanged would fail again.
	Retryable bool `json:"retryable,omitempty"`
}

type PushResponse struct {
	RunId   uint             `json:"run_id"`
	Status  string           `json:"status"`
	Results []PushItemResult `json:"results"`
}

// ResultFor finds the outcome for clientId, if the server reported one.
func (r *PushResponse) ResultFor(clientId string) (PushItemResult, bool) {
	for _, res := range r.Results {
		if res.ClientId == clientId {
			return res, true
		}
	}
	return PushItemResult{}, false
}

type ServerProduct struct {
	Id               uint            `json:"id"`
	Name             string          `json:"name"`
	CategoryClientId *string         `json:"category_client_id,omitempty"`
	Sku              string          `json:"sku"`
	Barcode          string          `json:"barcode"`
	Price            decimal.Decimal `json:"price"`
	CostPrice        decimal.Decimal `json:"cost_price"`
	StockQuantity    decimal.Decimal `json:"stock_quantity"`
	Unit             string          `json:"unit"`
	IsActive         bool            `json:"is_active"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type ProductListResponse struct {
	Items   []ServerProduct `json:"items"`
	HasMore bool            `json:"has_more"`
	// NextAfterId pages through rows sharing the last updated_at.
	NextAfterId uint      `json:"next_after_id"`
	NextSince   time.Time `json:"next_since"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	DeviceId      string  `json:"device_id"`
	EntityType    string  `json:"entity_type"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"started_at"`
	FinishedAt    *string `json:"finished_at"`
	DurationMs    int64   `json:"duration_ms"`
	RecordsSynced int     `json:"records_synced"`
	ErrorCount    int     `json:"error_count"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entity_type"`
	ClientId   string `json:"client_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}
