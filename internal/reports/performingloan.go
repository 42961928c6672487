package reports

import (
	"context"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// PerformingLoanPoint is one bucket of funding earnings.
type PerformingLoanPoint struct {
	MTS int64

	// USD earned in this bucket from funding and staking payments.
	USD decimal.Decimal

	// CumulativeUSD is the running total through this bucket.
	CumulativeUSD decimal.Decimal

	// Perc is the annualized percentage rate implied by this bucket's
	// payments, averaged over the bucket's entries.
	Perc decimal.Decimal
}

// PerformingLoanReport computes funding earnings from the ledger history.
// A ledger entry counts as a funding payment when it is flagged as a margin
// funding payment or a staking payment during normalization.
type PerformingLoanReport struct {
	store  storage.Gateway
	logger *slog.Logger
}

func NewPerformingLoanReport(store storage.Gateway, logger *slog.Logger) *PerformingLoanReport {
	return &PerformingLoanReport{store: store, logger: logger.With("component", "performingloan")}
}

var daysPerYear = decimal.NewFromInt(365)
var hundred = decimal.NewFromInt(100)

// Generate returns per-bucket funding earnings over the range.
func (r *PerformingLoanReport) Generate(ctx context.Context, p Params) ([]PerformingLoanPoint, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	recs, err := r.fundingEntries(ctx, p)
	if err != nil {
		return nil, err
	}

	type bucketAgg struct {
		usd       decimal.Decimal
		percSum   decimal.Decimal
		percCount int64
	}
	buckets := make(map[int64]*bucketAgg)

	for _, rec := range recs {
		amount, ok := recDecimal(rec, "amount_usd")
		if !ok {
			continue
		}
		b := bucketStart(recInt64(rec, "mts"), p.Timeframe)
		agg := buckets[b]
		if agg == nil {
			agg = &bucketAgg{}
			buckets[b] = agg
		}
		agg.usd = agg.usd.Add(amount)

		// Daily rate implied by one payment against the balance it was paid
		// on, annualized. Entries without a usable balance are skipped.
		if nativeAmount, ok := recDecimal(rec, "amount"); ok {
			if balance, ok := recDecimal(rec, "balance"); ok {
				principal := balance.Sub(nativeAmount)
				if principal.IsPositive() && nativeAmount.IsPositive() {
					perc := nativeAmount.Div(principal).Mul(daysPerYear).Mul(hundred)
					agg.percSum = agg.percSum.Add(perc)
					agg.percCount++
				}
			}
		}
	}

	starts := make([]int64, 0, len(buckets))
	for b := range buckets {
		starts = append(starts, b)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	points := make([]PerformingLoanPoint, 0, len(starts))
	cumulative := decimal.Zero
	for _, b := range starts {
		agg := buckets[b]
		cumulative = cumulative.Add(agg.usd)
		point := PerformingLoanPoint{
			MTS:           b,
			USD:           agg.usd,
			CumulativeUSD: cumulative,
		}
		if agg.percCount > 0 {
			point.Perc = agg.percSum.Div(decimal.NewFromInt(agg.percCount))
		}
		points = append(points, point)
	}

	r.logger.Debug("performing loan report generated",
		"user_id", p.UserID, "buckets", len(points), "entries", len(recs))
	return points, nil
}

// fundingEntries collects margin funding and staking payments. The two flags
// are separate columns, so the union takes two queries merged by entry id.
func (r *PerformingLoanReport) fundingEntries(ctx context.Context, p Params) ([]schema.Record, error) {
	var out []schema.Record
	seen := make(map[int64]bool)

	for _, flag := range []string{"is_margin_funding_payment", "is_staking_payment"} {
		q := storage.Query{
			Filter: storage.Filter{
				schema.FieldUserID: p.UserID,
				flag:               true,
			},
			Sort: []schema.SortOrder{{Field: "mts", Dir: schema.Asc}},
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
		for _, rec := range recs {
			id := recInt64(rec, "id")
			if !seen[id] {
				seen[id] = true
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return recInt64(out[i], "mts") < recInt64(out[j], "mts")
	})
	return out, nil
}
