package inserter

import (
	"encoding/json"
	"strconv"
	"strings"

	"acctsync/internal/auth"
	"acctsync/internal/checker"
	"acctsync/internal/schema"
)

// enricher adds method-specific derived fields to a raw record before model
// coercion. Dispatch is by method; methods without an entry pass through.
type enricher func(rec schema.Record, cfg checker.StartConfig)

var enrichers = map[schema.Method]enricher{
	schema.MethodLedgers:        enrichLedger,
	schema.MethodPublicTrades:   echoSymbol,
	schema.MethodTickersHistory: echoSymbol,
	schema.MethodCandles:        echoSymbolTimeframe,
	schema.MethodStatusMessages: enrichStatusMessage,
}

// Ledger description phrases that mark special entry classes. Matched
// case-insensitively against the entry description.
const (
	descMarginFundingPayment = "margin funding payment"
	descAffiliateRebate      = "affiliate rebate"
	descStakingPayment       = "staking payment"
)

// ledgerCategories maps description phrases to the coarse category label.
// Specific phrases come first so "margin funding payment" is not swallowed by
// a broader match. Entries without a matching phrase stay uncategorized.
var ledgerCategories = []struct {
	phrase   string
	category string
}{
	{descMarginFundingPayment, "funding payment"},
	{descAffiliateRebate, "affiliate rebate"},
	{descStakingPayment, "staking payment"},
	{"trading fee", "trading fee"},
	{"deposit", "deposit"},
	{"withdrawal", "withdrawal"},
	{"transfer", "transfer"},
}

func enrichLedger(rec schema.Record, _ checker.StartConfig) {
	desc, _ := rec["description"].(string)
	lower := strings.ToLower(desc)

	rec["is_margin_funding_payment"] = strings.Contains(lower, descMarginFundingPayment)
	rec["is_affiliate_rebate"] = strings.Contains(lower, descAffiliateRebate)
	rec["is_staking_payment"] = strings.Contains(lower, descStakingPayment)

	if _, ok := rec["category"]; !ok {
		if cat := categoryFromDescription(lower); cat != "" {
			rec["category"] = cat
		}
	}

	if _, ok := rec["native_balance"]; !ok {
		rec["native_balance"] = rec["balance"]
	}
}

func categoryFromDescription(lower string) string {
	for _, c := range ledgerCategories {
		if strings.Contains(lower, c.phrase) {
			return c.category
		}
	}
	return ""
}

// echoSymbol writes the requested symbol into records whose wire form omits
// it; the remote API keys these endpoints by path, not payload.
func echoSymbol(rec schema.Record, cfg checker.StartConfig) {
	if _, ok := rec["symbol"]; !ok {
		rec["symbol"] = cfg.Symbol
	}
}

func echoSymbolTimeframe(rec schema.Record, cfg checker.StartConfig) {
	echoSymbol(rec, cfg)
	if _, ok := rec["timeframe"]; !ok {
		rec["timeframe"] = cfg.Timeframe
	}
}

func enrichStatusMessage(rec schema.Record, _ checker.StartConfig) {
	if _, ok := rec["status_type"]; !ok {
		rec["status_type"] = "deriv"
	}
}

// normalizeRecords turns raw API records into storable rows: derived fields
// added, values coerced to the model's declared types, unknown fields
// dropped, and ownership columns stamped on private records.
func normalizeRecords(coll *schema.Collection, raw []schema.Record, user *auth.User, cfg checker.StartConfig) []schema.Record {
	out := make([]schema.Record, 0, len(raw))

	for _, rec := range raw {
		if enrich, ok := enrichers[coll.Method]; ok {
			enrich(rec, cfg)
		}

		normalized := make(schema.Record, len(coll.Model))
		for _, f := range coll.Model {
			v, ok := rec[f.Name]
			if !ok {
				continue
			}
			normalized[f.Name] = coerceValue(v, f.Type)
		}

		if !coll.IsPublic && user != nil {
			normalized[schema.FieldUserID] = user.ID
			if cfg.SubUserID != 0 {
				normalized[schema.FieldSubUserID] = cfg.SubUserID
			}
		}

		out = append(out, normalized)
	}

	return out
}

// coerceValue converts a decoded wire value to the model's declared type.
// JSON decoding widens every number to float64 and some feeds quote numerics
// as strings; both are narrowed back here.
func coerceValue(v any, t schema.FieldType) any {
	if v == nil {
		return nil
	}

	switch t {
	case schema.TypeInt:
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		case string:
			parsed, err := strconv.ParseInt(n, 10, 64)
			if err != nil {
				return nil
			}
			return parsed
		}
	case schema.TypeFloat:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		case int:
			return float64(n)
		case string:
			parsed, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil
			}
			return parsed
		}
	case schema.TypeBool:
		switch b := v.(type) {
		case bool:
			return b
		case int64:
			return b != 0
		case float64:
			return b != 0
		}
	case schema.TypeText:
		if s, ok := v.(string); ok {
			return s
		}
	case schema.TypeJSON:
		// Some feeds deliver structured fields pre-serialized. Decode them so
		// every backend stores the same shape.
		if s, ok := v.(string); ok {
			trimmed := strings.TrimSpace(s)
			if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
				var parsed any
				if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
					return parsed
				}
			}
			return s
		}
		return v
	}
	return nil
}
