package config

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mmdatafocus/retail_pos/appctx"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

type guardedRow struct {
	ID      uint
	StoreId string `gorm:"size:64"`
	Name    string
}

type unguardedRow struct {
	ID   uint
	Name string
}

// newDryRunDB builds statements without a server behind them.
func newDryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "pos:pos@tcp(127.0.0.1:3306)/pos?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Use(NewStoreGuardPlugin()); err != nil {
		t.Fatalf("use store guard: %v", err)
	}
	return db
}

func storeCtx(storeId string) context.Context {
	return appctx.Set(context.Background(), appctx.ContextKeyStoreId, storeId)
}

func TestStoreGuardScopesReads(t *testing.T) {
	db := newDryRunDB(t)
	tests := []struct {
		name      string
		run       func() *gorm.DB
		wantStore int
		wantVars  []any
	}{
		{
			name:      "device read",
			run:       func() *gorm.DB { return db.WithContext(storeCtx("store-1")).Find(&[]guardedRow{}) },
			wantStore: 1,
			wantVars:  []any{"store-1"},
		},
		{
			name: "other store filter is still scoped",
			run: func() *gorm.DB {
				return db.WithContext(storeCtx("store-1")).Where("store_id = ?", "store-2").Find(&[]guardedRow{})
			},
			wantStore: 2,
			wantVars:  []any{"store-2", "store-1"},
		},
		{
			name: "own store filter is not repeated",
			run: func() *gorm.DB {
				return db.WithContext(storeCtx("store-1")).Where("store_id = ?", "store-1").Find(&[]guardedRow{})
			},
			wantStore: 1,
			wantVars:  []any{"store-1"},
		},
		{
			name:      "no device store",
			run:       func() *gorm.DB { return db.WithContext(context.Background()).Find(&[]guardedRow{}) },
			wantStore: 0,
		},
		{
			name:      "table without store column",
			run:       func() *gorm.DB { return db.WithContext(storeCtx("store-1")).Find(&[]unguardedRow{}) },
			wantStore: 0,
		},
		{
			name:      "delete",
			run:       func() *gorm.DB { return db.WithContext(storeCtx("store-1")).Delete(&guardedRow{ID: 9}) },
			wantStore: 1,
		},
		{
			name: "update",
			run: func() *gorm.DB {
				return db.WithContext(storeCtx("store-1")).Model(&guardedRow{ID: 9}).Update("name", "x")
			},
			wantStore: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := tt.run()
			if tx.Error != nil {
				t.Fatalf("statement error: %v", tx.Error)
			}
			sql := tx.Statement.SQL.String()
			if got := strings.Count(sql, "store_id"); got != tt.wantStore {
				t.Fatalf("store_id conditions = %d in %q, want %d", got, sql, tt.wantStore)
			}
			if tt.wantVars == nil {
				return
			}
			if len(tx.Statement.Vars) != len(tt.wantVars) {
				t.Fatalf("vars = %v, want %v", tx.Statement.Vars, tt.wantVars)
			}
			for i, v := range tt.wantVars {
				if tx.Statement.Vars[i] != v {
					t.Fatalf("vars = %v, want %v", tx.Statement.Vars, tt.wantVars)
				}
			}
		})
	}
}

func TestStoreGuardStampsCreates(t *testing.T) {
	db := newDryRunDB(t)
	ctx := storeCtx("store-1")

	row := guardedRow{Name: "till"}
	if err := db.WithContext(ctx).Create(&row).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if row.StoreId != "store-1" {
		t.Fatalf("store id = %q, want store-1", row.StoreId)
	}

	rows := []*guardedRow{{Name: "a"}, {Name: "b", StoreId: "store-1"}}
	if err := db.WithContext(ctx).Create(&rows).Error; err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for _, r := range rows {
		if r.StoreId != "store-1" {
			t.Fatalf("batch row store id = %q", r.StoreId)
		}
	}

	err := db.WithContext(ctx).Create(&guardedRow{Name: "foreign", StoreId: "store-2"}).Error
	if !errors.Is(err, ErrCrossStoreWrite) {
		t.Fatalf("cross store create err = %v, want ErrCrossStoreWrite", err)
	}

	admin := guardedRow{Name: "seed"}
	if err := db.WithContext(context.Background()).Create(&admin).Error; err != nil || admin.StoreId != "" {
		t.Fatalf("create without device store = %q, %v", admin.StoreId, err)
	}
}
