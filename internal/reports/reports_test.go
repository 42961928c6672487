package reports

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func mtsOf(t time.Time) int64 { return t.UnixMilli() }

func TestBucketStartDay(t *testing.T) {
	in := time.Date(2024, 3, 15, 17, 42, 3, 0, time.UTC)
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, mtsOf(want), bucketStart(mtsOf(in), TimeframeDay))
}

func TestBucketStartWeekStartsMonday(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		// A Friday maps back to its Monday.
		{time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		// A Sunday belongs to the week that started six days earlier.
		{time.Date(2024, 3, 17, 23, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		// A Monday is its own bucket start.
		{time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, mtsOf(tt.want), bucketStart(mtsOf(tt.in), TimeframeWeek), tt.in.String())
	}
}

func TestBucketStartMonth(t *testing.T) {
	in := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, mtsOf(want), bucketStart(mtsOf(in), TimeframeMonth))
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, Params{UserID: 1, Timeframe: TimeframeDay}.validate())
	assert.Error(t, Params{UserID: 1, Timeframe: "hour"}.validate())
	assert.Error(t, Params{Timeframe: TimeframeDay}.validate())
}
