package reports

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// Ledger categories that move money in or out of the account rather than
// gaining or losing it. Excluded from win/loss so a deposit never shows as a
// win.
var transferCategories = []string{"deposit", "withdrawal", "transfer"}

// WinLossPoint is the cumulative USD result at the start of one bucket.
type WinLossPoint struct {
	MTS int64
	USD decimal.Decimal
}

// WinLossReport computes win/loss curves from the ledger history.
type WinLossReport struct {
	store  storage.Gateway
	logger *slog.Logger
}

func NewWinLossReport(store storage.Gateway, logger *slog.Logger) *WinLossReport {
	return &WinLossReport{store: store, logger: logger.With("component", "winloss")}
}

// Generate returns the cumulative USD gain/loss per bucket over the range.
// Each point carries the running total through the end of its bucket.
func (r *WinLossReport) Generate(ctx context.Context, p Params) ([]WinLossPoint, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	q := storage.Query{
		Filter: storage.Filter{schema.FieldUserID: p.UserID},
		Not:    storage.Filter{"category": anySlice(transferCategories)},
		Sort:   []schema.SortOrder{{Field: "mts", Dir: schema.Asc}},
	}
	if p.Start > 0 {
		q.Gte = map[string]int64{"mts": p.Start}
	}
	if p.End > 0 {
		q.Lte = map[string]int64{"mts": p.End}
	}

	recs, err := r.store.GetElems(ctx, "ledgers", q)
	if err != nil {
		return nil, err
	}

	buckets := make(map[int64]decimal.Decimal)
	for _, rec := range recs {
		amount, ok := recDecimal(rec, "amount_usd")
		if !ok {
			continue
		}
		b := bucketStart(recInt64(rec, "mts"), p.Timeframe)
		buckets[b] = buckets[b].Add(amount)
	}

	starts := make([]int64, 0, len(buckets))
	for b := range buckets {
		starts = append(starts, b)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	points := make([]WinLossPoint, 0, len(starts))
	running := decimal.Zero
	for _, b := range starts {
		running = running.Add(buckets[b])
		points = append(points, WinLossPoint{MTS: b, USD: running})
	}

	r.logger.Debug("win/loss report generated",
		"user_id", p.UserID, "buckets", len(points), "entries", len(recs))
	return points, nil
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func recInt64(rec schema.Record, field string) int64 {
	switch v := rec[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func recDecimal(rec schema.Record, field string) (decimal.Decimal, bool) {
	switch v := rec[field].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}
