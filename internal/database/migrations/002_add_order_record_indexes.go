package migrations

import "gorm.io/gorm"

// AddOrderRecordIndexes adds the indexes used by the claim cycle and by
// retention cleanup
func AddOrderRecordIndexes(db *gorm.DB) error {
	indexes := []string{
		// Pending fetch: status filter within a trading day
		`CREATE INDEX IF NOT EXISTS idx_order_records_status_created_at
		 ON order_records(status, created_at)`,

		// Retention deletes by age
		`CREATE INDEX IF NOT EXISTS idx_order_records_created_at
		 ON order_records(created_at)`,

		// Stale claim sweep
		`CREATE INDEX IF NOT EXISTS idx_order_records_claimed_at
		 ON order_records(claimed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
