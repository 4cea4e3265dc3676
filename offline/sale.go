package offline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/retail_pos/docstore"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/shopspring/decimal"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

type SaleItem struct {
	ProductId string          `json:"product_id" validate:"required"`
	Name      string          `json:"name,omitempty"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	// Total defaults to Quantity x Price.
	Total *decimal.Decimal `json:"total,omitempty"`
}

type Sale struct {
	Meta
	Items []SaleItem `json:"items" validate:"required,min=1,dive"`
	// TotalAmount defaults to the sum of item totals.
	TotalAmount   *decimal.Decimal `json:"total_amount,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty" validate:"omitempty,oneof=cash card mobile voucher other"`
	CashierId     string           `json:"cashier_id,omitempty"`
	StoreId       string           `json:"store_id,omitempty"`
	DeviceId      string           `json:"device_id,omitempty"`
	SoldAt        time.Time        `json:"sold_at"`

	SyncStatus        SyncStatus `json:"sync_status"`
	SyncAttempts      int        `json:"sync_attempts"`
	LastSyncError     string     `json:"last_sync_error,omitempty"`
	NextSyncAttemptAt *time.Time `json:"next_sync_attempt_at,omitempty"`
	SyncedAt          *time.Time `json:"synced_at,omitempty"`
	ServerId          *uint      `json:"server_id,omitempty"`
}

var (
	ErrSaleSynced        = errors.New("sale is already synced and can no longer change")
	ErrNewSaleNotPending = errors.New("a new sale must start as pending")
)

type SaleModel struct {
	*Repository[Sale, *Sale]
	now func() time.Time
}

func NewSaleModel(col docstore.Collection, opts Options) *SaleModel {
	m := &SaleModel{now: func() time.Time { return time.Now().UTC() }}
	if opts.Conventions != nil && opts.Conventions.Now != nil {
		m.now = func() time.Time { return opts.Conventions.Now().UTC() }
	}
	m.Repository = newRepository[Sale](col, docstore.SortFieldCreatedAt, false, m.normalize, opts)
	m.syncKeys = []string{"sync_status", "sync_attempts", "last_sync_error", "next_sync_attempt_at", "synced_at", "server_id"}
	return m
}

func (m *SaleModel) normalize(ctx context.Context, next *Sale, prev *Sale) error {
	if prev == nil {
		if next.SyncStatus == "" {
			next.SyncStatus = SyncStatusPending
		}
		if next.SyncStatus != SyncStatusPending {
			return ErrNewSaleNotPending
		}
		next.SyncAttempts = 0
		next.LastSyncError = ""
		next.NextSyncAttemptAt = nil
		next.SyncedAt = nil
		next.ServerId = nil
		if v, ok := utils.GetCashierIdFromContext(ctx); ok && next.CashierId == "" {
			next.CashierId = v
		}
		if v, ok := utils.GetStoreIdFromContext(ctx); ok && next.StoreId == "" {
			next.StoreId = v
		}
		if v, ok := utils.GetDeviceIdFromContext(ctx); ok && next.DeviceId == "" {
			next.DeviceId = v
		}
		if next.SoldAt.IsZero() {
			next.SoldAt = m.now()
		}
	} else {
		if prev.SyncStatus == SyncStatusSynced {
			return ErrSaleSynced
		}
		if next.SyncStatus == SyncStatusSynced && next.ServerId == nil {
			return errors.New("a synced sale needs a server_id")
		}
	}
	if !next.SyncStatus.IsValid() {
		return fmt.Errorf("unknown sync_status %q", next.SyncStatus)
	}
	if err := utils.ValidateStruct(next); err != nil {
		return err
	}
	return computeTotals(next)
}

// computeTotals fills in missing item totals and the sale total, and rejects
// provided values that do not add up.
func computeTotals(s *Sale) error {
	sum := decimal.Zero
	for i := range s.Items {
		item := &s.Items[i]
		line := item.Quantity.Mul(item.Price)
		if item.Total == nil {
			item.Total = &line
		} else if !item.Total.Equal(line) {
			return fmt.Errorf("item %d: total %s does not equal quantity x price %s", i, item.Total, line)
		}
		sum = sum.Add(*item.Total)
	}
	if s.TotalAmount == nil {
		s.TotalAmount = &sum
	} else if !s.TotalAmount.Equal(sum) {
		return fmt.Errorf("total_amount %s does not equal the sum of item totals %s", s.TotalAmount, sum)
	}
	return nil
}

func (m *SaleModel) FindByStatus(ctx context.Context, status SyncStatus, opts ListOptions) ListResult[Sale] {
	if !status.IsValid() {
		return listFail[Sale](invalid("find", fmt.Errorf("unknown sync_status %q", status)))
	}
	return m.FindWhere(ctx, map[string]any{"sync_status": string(status)}, opts)
}

func (m *SaleModel) CountByStatus(ctx context.Context, status SyncStatus) CountResult {
	res := m.FindByStatus(ctx, status, ListOptions{})
	if !res.Success {
		return CountResult{Success: false, Error: res.Error, Kind: res.Kind}
	}
	return CountResult{Success: true, Count: len(res.Entities)}
}

// DueForSync lists pending sales and failed sales whose retry time has passed,
// oldest first.
func (m *SaleModel) DueForSync(ctx context.Context, now time.Time, limit int) ListResult[Sale] {
	pending := m.FindByStatus(ctx, SyncStatusPending, ListOptions{})
	if !pending.Success {
		return pending
	}
	failed := m.FindByStatus(ctx, SyncStatusFailed, ListOptions{})
	if !failed.Success {
		return failed
	}

	due := pending.Entities
	for _, s := range failed.Entities {
		if s.NextSyncAttemptAt == nil || !s.NextSyncAttemptAt.After(now) {
			due = append(due, s)
		}
	}
	sortByCreated(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return listOK(due)
}

// MarkSynced records the server's acceptance. It is the only way into synced and
// happens once per sale.
func (m *SaleModel) MarkSynced(ctx context.Context, id string, serverId uint) Result[Sale] {
	return m.mutate(ctx, "mark_synced", id, func(cur *Sale) error {
		if cur.SyncStatus == SyncStatusSynced {
			return ErrSaleSynced
		}
		now := m.now()
		cur.SyncStatus = SyncStatusSynced
		cur.ServerId = &serverId
		cur.SyncedAt = &now
		cur.SyncAttempts++
		cur.LastSyncError = ""
		cur.NextSyncAttemptAt = nil
		return nil
	})
}

// MarkFailed records a failed push and when it may be retried.
func (m *SaleModel) MarkFailed(ctx context.Context, id string, message string, nextAttemptAt time.Time) Result[Sale] {
	return m.mutate(ctx, "mark_failed", id, func(cur *Sale) error {
		if cur.SyncStatus == SyncStatusSynced {
			return ErrSaleSynced
		}
		next := nextAttemptAt.UTC()
		cur.SyncStatus = SyncStatusFailed
		cur.SyncAttempts++
		cur.LastSyncError = message
		cur.NextSyncAttemptAt = &next
		return nil
	})
}

// PurgeSynced removes synced sales last written before olderThan.
func (m *SaleModel) PurgeSynced(ctx context.Context, olderThan time.Time) CountResult {
	docs, err := m.col.Query(ctx, docstore.Query{
		Selector: docstore.Selector{
			Fields:        map[string]any{"sync_status": string(SyncStatusSynced)},
			UpdatedBefore: &olderThan,
		},
	})
	if err != nil {
		return countFail(err)
	}
	removed := 0
	for _, d := range docs {
		if err := m.col.Remove(ctx, d); err != nil {
			if docstore.IsNotFound(err) || docstore.IsConflict(err) {
				continue
			}
			return CountResult{Success: false, Count: removed, Error: err.Error(), Kind: docstore.KindOf(err)}
		}
		removed++
	}
	return CountResult{Success: true, Count: removed}
}

func sortByCreated(sales []*Sale) {
	sort.SliceStable(sales, func(i, j int) bool {
		if sales[i].CreatedAt.Equal(sales[j].CreatedAt) {
			return sales[i].ID < sales[j].ID
		}
		return sales[i].CreatedAt.Before(sales[j].CreatedAt)
	})
}
