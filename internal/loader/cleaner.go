package loader

import (
	"context"
	"time"

	"github.com/deeplynx/loader/internal/store"
)

// Cleaner enforces a retention window on a table.
type Cleaner struct {
	// Days is the retention window in whole days.
	Days int

	// Now is the time source (default time.Now).
	Now func() time.Time
}

// Cutoff returns the instant before which rows are expired.
func (c Cleaner) Cutoff() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().Add(-time.Duration(c.Days) * 24 * time.Hour)
}

// Clean deletes the rows of table whose column value is strictly older than
// the cutoff and returns how many were deleted.
func (c Cleaner) Clean(ctx context.Context, db *store.DB, table, column string) (int64, error) {
	return db.DeleteOlderThan(ctx, table, column, c.Cutoff())
}
