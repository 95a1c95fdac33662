package sqlutil

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// TimeOr returns the timestamp or fallback when it is null
func TimeOr(val pgtype.Timestamptz, fallback time.Time) time.Time {
	if !val.Valid {
		return fallback
	}
	return val.Time
}
