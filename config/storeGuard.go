package config

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/mmdatafocus/retail_pos/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const storeColumn = "store_id"

// ErrCrossStoreWrite is returned when a device writes a row that names another store.
var ErrCrossStoreWrite = errors.New("row belongs to another store")

// StoreGuardPlugin keeps device requests inside the device's store. Tables with a
// store_id column get the store stamped on insert, and every read, update and delete is
// ANDed with store_id = <device store>. Requests without a store in the context (admin
// jobs, migrations) are left alone.
//
// Raw SQL is not covered and must filter on store_id itself.
type StoreGuardPlugin struct{}

func NewStoreGuardPlugin() *StoreGuardPlugin { return &StoreGuardPlugin{} }

func (p *StoreGuardPlugin) Name() string { return "store_guard" }

func (p *StoreGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().Before("gorm:create").Register("store_guard:create", stampStore); err != nil {
		return err
	}
	if err := cb.Query().Before("gorm:query").Register("store_guard:query", scopeToStore); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("store_guard:row", scopeToStore); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("store_guard:update", scopeToStore); err != nil {
		return err
	}
	return cb.Delete().Before("gorm:delete").Register("store_guard:delete", scopeToStore)
}

// guardedStore returns the device store and the model's store_id field, or a nil field
// when the statement is not store scoped.
func guardedStore(db *gorm.DB) (string, *schema.Field) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", nil
	}
	storeId := storeIdFromContext(db.Statement.Context)
	if storeId == "" {
		return "", nil
	}
	return storeId, db.Statement.Schema.LookUpField(storeColumn)
}

func stampStore(db *gorm.DB) {
	storeId, field := guardedStore(db)
	if field == nil {
		return
	}
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stampRow(db, field, reflect.Indirect(rv.Index(i)), storeId)
		}
	case reflect.Struct:
		stampRow(db, field, rv, storeId)
	}
}

func stampRow(db *gorm.DB, field *schema.Field, row reflect.Value, storeId string) {
	ctx := db.Statement.Context
	v, zero := field.ValueOf(ctx, row)
	if zero {
		if err := field.Set(ctx, row, storeId); err != nil {
			db.AddError(err)
		}
		return
	}
	if got, _ := v.(string); got != storeId {
		db.AddError(fmt.Errorf("%w: %q", ErrCrossStoreWrite, got))
	}
}

func scopeToStore(db *gorm.DB) {
	storeId, field := guardedStore(db)
	if field == nil {
		return
	}
	if scopedTo(db.Statement.Clauses["WHERE"], storeId) {
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: storeColumn}, Value: storeId},
	}})
}

func storeIdFromContext(ctx context.Context) string {
	v, _ := appctx.GetString(ctx, appctx.ContextKeyStoreId)
	return v
}

// scopedTo reports whether the top-level WHERE already pins store_id to storeId. Any
// other store_id condition is still ANDed with the guard.
func scopedTo(c clause.Clause, storeId string) bool {
	w, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, e := range w.Exprs {
		switch v := e.(type) {
		case clause.Eq:
			if isStoreColumn(v.Column) && v.Value == storeId {
				return true
			}
		case clause.Expr:
			sql := strings.ToLower(strings.Join(strings.Fields(v.SQL), ""))
			if (sql == "store_id=?" || strings.HasSuffix(sql, ".store_id=?")) && len(v.Vars) == 1 && v.Vars[0] == storeId {
				return true
			}
		}
	}
	return false
}

func isStoreColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, storeColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, storeColumn)
	}
	return false
}
