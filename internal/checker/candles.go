package checker

import (
	"context"
	"sort"
	"strings"

	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// deriveCandlesPairs builds the candles sync set from the ledger history:
// one trading pair per currency that appears in any user's ledgers, quoted in
// the conversion currency, plus BTC pairs against each fiat so cross rates
// can be computed. The start is the earliest ledger entry on record.
func (c *Checker) deriveCandlesPairs(ctx context.Context) ([]pubPair, error) {
	earliest, err := c.store.GetElem(ctx, "ledgers", nil,
		[]schema.SortOrder{{Field: "mts", Dir: schema.Asc}})
	if err != nil {
		return nil, err
	}
	if earliest == nil {
		return nil, nil
	}
	start := recDate(earliest, "mts")

	curRecs, err := c.store.GetElems(ctx, "ledgers", storage.Query{
		Projection: []string{"currency"},
		Distinct:   true,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var symbols []string

	addSymbol := func(sym string) {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	for _, rec := range curRecs {
		cur := recString(rec, "currency")
		if cur == "" || c.isForex(cur) {
			continue
		}
		if canonical, ok := c.policy.Synonyms[cur]; ok {
			cur = canonical
		}
		addSymbol(tradingPair(cur, c.policy.ConvertTo))
	}

	// BTC quoted in each non-conversion fiat bridges ledgers held in those
	// currencies back to the conversion currency.
	for _, forex := range c.policy.ForexSymbols {
		if forex == c.policy.ConvertTo {
			continue
		}
		addSymbol(tradingPair("BTC", forex))
	}

	sort.Strings(symbols)

	pairs := make([]pubPair, 0, len(symbols))
	for _, sym := range symbols {
		pairs = append(pairs, pubPair{
			symbol:    sym,
			timeframe: c.policy.CandlesTimeframe,
			start:     start,
		})
	}
	return pairs, nil
}

func (c *Checker) isForex(cur string) bool {
	for _, f := range c.policy.ForexSymbols {
		if strings.EqualFold(cur, f) {
			return true
		}
	}
	return false
}

// tradingPair renders the exchange symbol for a base/quote pair. Currencies
// longer than three characters are separated with a colon.
func tradingPair(base, quote string) string {
	if len(base) > 3 || len(quote) > 3 {
		return "t" + base + ":" + quote
	}
	return "t" + base + quote
}
