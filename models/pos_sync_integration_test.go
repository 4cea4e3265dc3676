package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/retail_pos/config"
	"github.com/mmdatafocus/retail_pos/models"
	"github.com/mmdatafocus/retail_pos/utils"
	"github.com/shopspring/decimal"
)

// The cases share one MySQL and redis pair and run in order.
func TestPosSyncAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t, "retail_pos_test")
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "retail_pos_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := utils.SetStoreIdInContext(context.Background(), "store-1")
	ctx = utils.SetCorrelationIdInContext(ctx, "it-pos-sync")
	const device = "till-1"
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("category upsert keeps the later client version", func(t *testing.T) {
		in := &models.NewPosCategory{ClientId: "category_a", Name: "Drinks", IsActive: true, ClientUpdatedAt: t0.Add(time.Minute)}
		if _, outcome, err := models.UpsertCategoryFromDevice(ctx, device, in); err != nil || outcome != models.UpsertCreated {
			t.Fatalf("first upsert = %s, %v", outcome, err)
		}

		older := &models.NewPosCategory{ClientId: "category_a", Name: "Old drinks", IsActive: true, ClientUpdatedAt: t0}
		got, outcome, err := models.UpsertCategoryFromDevice(ctx, device, older)
		if err != nil || outcome != models.UpsertStale {
			t.Fatalf("older upsert = %s, %v", outcome, err)
		}
		if got.Name != "Drinks" {
			t.Fatalf("stale write replaced name with %q", got.Name)
		}

		// A retried push carries the same timestamp and re-applies.
		got, outcome, err = models.UpsertCategoryFromDevice(ctx, device, in)
		if err != nil || outcome != models.UpsertUpdated || got.Name != "Drinks" {
			t.Fatalf("retried upsert = %s %q, %v", outcome, got.Name, err)
		}
	})

	t.Run("invalid category is rejected as invalid input", func(t *testing.T) {
		parent := "category_b"
		_, _, err := models.UpsertCategoryFromDevice(ctx, device, &models.NewPosCategory{
			ClientId: "category_b", Name: "Loop", ParentClientId: &parent, ClientUpdatedAt: t0,
		})
		if !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("self parent err = %v, want ErrInvalidInput", err)
		}
	})

	var productId uint
	t.Run("product upsert shows up in the catalogue", func(t *testing.T) {
		p, outcome, err := models.UpsertProductFromDevice(ctx, device, &models.NewPosProduct{
			ClientId:        "product_a",
			Name:            "Test Coffee",
			Price:           decimal.RequireFromString("2.50"),
			StockQuantity:   decimal.NewFromInt(100),
			IsActive:        true,
			ClientUpdatedAt: t0,
		})
		if err != nil || outcome != models.UpsertCreated {
			t.Fatalf("upsert product = %s, %v", outcome, err)
		}
		productId = p.ID

		page, err := models.ListProductsUpdatedSince(ctx, time.Time{}, 0, 10)
		if err != nil {
			t.Fatalf("ListProductsUpdatedSince: %v", err)
		}
		if len(page.Items) != 1 || page.Items[0].ID != productId || page.HasMore {
			t.Fatalf("catalogue page = %+v", page)
		}

		after, err := models.ListProductsUpdatedSince(ctx, page.Items[0].UpdatedAt, page.Items[0].ID, 10)
		if err != nil || len(after.Items) != 0 {
			t.Fatalf("page after the last item = %d items, %v", len(after.Items), err)
		}
	})

	t.Run("sale is created once and deducts stock", func(t *testing.T) {
		sale := &models.NewPosSale{
			ClientId: "sale_a",
			Items: []models.NewPosSaleItem{{
				ProductClientId: "product_a",
				ProductServerId: &productId,
				Quantity:        decimal.NewFromInt(2),
				Price:           decimal.RequireFromString("2.50"),
				Total:           decimal.RequireFromString("5.00"),
			}},
			TotalAmount:     decimal.RequireFromString("5.00"),
			SoldAt:          t0,
			ClientUpdatedAt: t0,
		}
		first, created, err := models.CreateSaleFromDevice(ctx, device, sale)
		if err != nil || !created {
			t.Fatalf("first create = %v, %v", created, err)
		}
		again, created, err := models.CreateSaleFromDevice(ctx, device, sale)
		if err != nil || created {
			t.Fatalf("repeat create = %v, %v", created, err)
		}
		if again.ID != first.ID {
			t.Fatalf("repeat returned sale %d, want %d", again.ID, first.ID)
		}

		var p models.PosProduct
		if err := config.GetDB().WithContext(ctx).Where("id = ?", productId).Take(&p).Error; err != nil {
			t.Fatalf("load product: %v", err)
		}
		if !p.StockQuantity.Equal(decimal.NewFromInt(98)) {
			t.Fatalf("stock = %s, want 98 after one deduction", p.StockQuantity)
		}

		bad := *sale
		bad.ClientId = "sale_b"
		bad.TotalAmount = decimal.NewFromInt(7)
		if _, _, err := models.CreateSaleFromDevice(ctx, device, &bad); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("mismatched total err = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("idempotency key replays the stored response", func(t *testing.T) {
		skip, _, err := models.BeginIdempotency(ctx, device, "pos_push_sale", "batch-1")
		if err != nil || skip {
			t.Fatalf("first begin = %v, %v", skip, err)
		}
		if _, _, err := models.BeginIdempotency(ctx, device, "pos_push_sale", "batch-1"); !errors.Is(err, models.ErrIdempotencyInProgress) {
			t.Fatalf("concurrent begin err = %v, want ErrIdempotencyInProgress", err)
		}
		if err := models.MarkIdempotencySucceeded(ctx, device, "pos_push_sale", "batch-1", []byte(`{"status":"success"}`)); err != nil {
			t.Fatalf("MarkIdempotencySucceeded: %v", err)
		}
		skip, body, err := models.BeginIdempotency(ctx, device, "pos_push_sale", "batch-1")
		if err != nil || !skip || !strings.Contains(string(body), "success") {
			t.Fatalf("replay = %v %s, %v", skip, body, err)
		}
	})

	t.Run("run status follows its errors", func(t *testing.T) {
		cases := []struct {
			synced, failed int
			want           string
		}{
			{synced: 3, failed: 0, want: models.SyncRunStatusSuccess},
			{synced: 2, failed: 1, want: models.SyncRunStatusPartial},
			{synced: 0, failed: 2, want: models.SyncRunStatusFailed},
		}
		for _, tc := range cases {
			run, err := models.StartDeviceSyncRun(ctx, device, "sale", "")
			if err != nil {
				t.Fatalf("StartDeviceSyncRun: %v", err)
			}
			if tc.failed > 0 {
				if err := models.CreateDeviceSyncError(ctx, run.ID, device, "sale", "sale_x", "apply_failed", "boom", nil, true); err != nil {
					t.Fatalf("CreateDeviceSyncError: %v", err)
				}
			}
			if err := models.FinishDeviceSyncRun(ctx, run, map[string]int{"synced": tc.synced}, tc.synced, tc.failed); err != nil {
				t.Fatalf("FinishDeviceSyncRun: %v", err)
			}
			stored, errs, err := models.GetDeviceSyncRun(ctx, device, run.ID)
			if err != nil {
				t.Fatalf("GetDeviceSyncRun: %v", err)
			}
			if stored.Status != tc.want {
				t.Fatalf("synced=%d failed=%d status = %s, want %s", tc.synced, tc.failed, stored.Status, tc.want)
			}
			if tc.failed > 0 && len(errs) != 1 {
				t.Fatalf("run errors = %d, want 1", len(errs))
			}
		}

		if _, _, err := models.GetDeviceSyncRun(ctx, "other-device", 1); !errors.Is(err, utils.ErrorRecordNotFound) {
			t.Fatalf("foreign run err = %v, want ErrorRecordNotFound", err)
		}
		runs, err := models.ListDeviceSyncRuns(ctx, device, 10)
		if err != nil || len(runs) != len(cases) {
			t.Fatalf("ListDeviceSyncRuns = %d, %v", len(runs), err)
		}
	})
}
