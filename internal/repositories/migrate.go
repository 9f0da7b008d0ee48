package repositories

import (
	"fmt"

	"gorm.io/gorm"

	"lending/internal/models"
)

// Migrate creates or updates the lending tables and the indexes gorm tags
// cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.BookCopy{},
		&models.CartEntry{},
		&models.BorrowRequest{},
		&models.BorrowRequestItem{},
		&models.Transition{},
	); err != nil {
		return err
	}

	items := models.BorrowRequestItem{}.TableName()

	// a copy is held by at most one unreleased binding
	if err := db.Exec(fmt.Sprintf(`
	  CREATE UNIQUE INDEX IF NOT EXISTS %s_one_holder_per_copy
	  ON %s (copy_id)
	  WHERE copy_id IS NOT NULL AND released = false;
	`, items, items)).Error; err != nil {
		return err
	}

	// return scans look up the latest closed binding of a copy
	if err := db.Exec(fmt.Sprintf(`
	  CREATE INDEX IF NOT EXISTS %s_copy_returned_desc
	  ON %s (copy_id, returned_at DESC)
	  WHERE returned_at IS NOT NULL;
	`, items, items)).Error; err != nil {
		return err
	}

	return nil
}
