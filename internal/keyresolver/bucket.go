package keyresolver

import (
	"fmt"
	"time"

	"workledger/internal/domain"
)

// BucketStart returns the start of the canonical period of the given width
// that contains t. Buckets are computed in UTC and weeks start on Monday.
func BucketStart(t time.Time, width domain.BucketWidth) (time.Time, error) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch width {
	case domain.BucketDay:
		return day, nil
	case domain.BucketWeek:
		sinceMonday := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -sinceMonday), nil
	case domain.BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, domain.NewConfigError("bucket_width", fmt.Sprintf("unknown bucket width %q", width))
}
