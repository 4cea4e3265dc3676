package utils

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// GetValidator returns the shared validator with decimal support registered.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		// decimals are validated as float64 so gte/gt/lte tags apply to them
		validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
			if d, ok := v.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
	})
	return validate
}

// ValidateStruct runs the struct tags and flattens failures into one readable message.
func ValidateStruct(v any) error {
	err := GetValidator().Struct(v)
	if err == nil {
		return nil
	}
	fields := ProcessValidationErrors(err)
	if len(fields) == 0 {
		return err
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s failed %s", k, fields[k]))
	}
	return fmt.Errorf("validation failed: %s", strings.Join(parts, ", "))
}
