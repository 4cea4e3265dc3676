package models

import (
	"log"

	"github.com/mmdatafocus/retail_pos/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&PosCategory{}, &PosProduct{}, &PosSale{}, &PosSaleItem{},
		&DeviceSyncRun{}, &DeviceSyncError{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
