package migrations

import (
	"github.com/ksred/ordersync/internal/types"
	"gorm.io/gorm"
)

// CreateOrderRecords creates the shared order queue table
func CreateOrderRecords(db *gorm.DB) error {
	return db.AutoMigrate(&types.OrderRecord{})
}
