// Package reports computes analytical views over the synced ledger history.
// Monetary aggregation runs on decimals so long cumulative sums do not drift.
package reports

import (
	"fmt"
	"time"
)

// Timeframe is the bucketing granularity of a report.
type Timeframe string

const (
	TimeframeDay   Timeframe = "day"
	TimeframeWeek  Timeframe = "week"
	TimeframeMonth Timeframe = "month"
)

// Params scopes a report to a user and a time range. Zero bounds mean
// unbounded.
type Params struct {
	UserID    int64
	Start     int64
	End       int64
	Timeframe Timeframe
}

func (p Params) validate() error {
	switch p.Timeframe {
	case TimeframeDay, TimeframeWeek, TimeframeMonth:
	default:
		return fmt.Errorf("unsupported timeframe %q", p.Timeframe)
	}
	if p.UserID == 0 {
		return fmt.Errorf("missing user id")
	}
	return nil
}

// bucketStart truncates a millisecond timestamp to the start of its bucket,
// in UTC. Weeks start on Monday.
func bucketStart(mts int64, tf Timeframe) int64 {
	t := time.UnixMilli(mts).UTC()
	switch tf {
	case TimeframeWeek:
		day := t.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset).UnixMilli()
	case TimeframeMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	default:
		return t.Truncate(24 * time.Hour).UnixMilli()
	}
}
