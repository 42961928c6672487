package checker

import (
	"context"

	"acctsync/internal/exchange"
	"acctsync/internal/interrupt"
	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// pubPair is one requested public partition: a symbol (and timeframe for
// candles) with the earliest start any user asked for.
type pubPair struct {
	symbol    string
	timeframe string
	start     int64
}

// CheckNewPublicData detects gaps in the public collections. Windows are
// shared across users: the configuration table is grouped per symbol and
// timeframe with the earliest requested start winning.
func (c *Checker) CheckNewPublicData(ctx context.Context) (Result, error) {
	result := make(Result)

	for _, method := range c.registry.Methods() {
		if c.signal.Interrupted() {
			return result, interrupt.ErrInterrupted
		}

		coll, _ := c.registry.ByMethod(method)
		if !coll.IsPublic {
			continue
		}

		state := &CollectionState{Coll: coll}
		result[method] = state

		if coll.Kind == schema.KindUpdatableArray {
			// Current-state feeds are always re-fetched and replaced.
			state.HasNewData = true
			state.StartConfigs = []StartConfig{{}}
			continue
		}

		pairs, err := c.requestedPairs(ctx, coll)
		if err != nil {
			if ctx.Err() != nil {
				return result, interrupt.ErrInterrupted
			}
			c.logger.Error("reading public collection config failed",
				"collection", coll.Name, "error", err)
			continue
		}
		if coll.Method == schema.MethodCandles {
			derived, err := c.deriveCandlesPairs(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return result, interrupt.ErrInterrupted
				}
				c.logger.Error("candles derivation failed", "error", err)
				derived = nil
			}
			pairs = mergePairs(pairs, derived)
		}

		// Best-effort per pair: a failing symbol must not hide gaps in the
		// others.
		for _, pair := range pairs {
			if c.signal.Interrupted() {
				return result, interrupt.ErrInterrupted
			}
			cfg, ok, err := c.checkPublicPair(ctx, coll, pair)
			if err != nil {
				if ctx.Err() != nil {
					return result, interrupt.ErrInterrupted
				}
				c.logger.Error("detection failed",
					"collection", coll.Name,
					"symbol", pair.symbol,
					"error", err)
				continue
			}
			if ok {
				state.HasNewData = true
				state.StartConfigs = append(state.StartConfigs, cfg)
			}
		}

		c.logger.Debug("checked public collection",
			"collection", coll.Name,
			"has_new_data", state.HasNewData,
			"windows", len(state.StartConfigs))
	}

	return result, nil
}

// requestedPairs reads the public collections configuration for one
// collection, one row per symbol/timeframe with the earliest start.
func (c *Checker) requestedPairs(ctx context.Context, coll *schema.Collection) ([]pubPair, error) {
	if coll.ConfName == "" {
		return nil, nil
	}

	groupBy := []string{schema.ConfFieldSymbol}
	projection := []string{schema.ConfFieldSymbol, schema.ConfFieldStart}
	if coll.HasTimeframe() {
		groupBy = append(groupBy, schema.ConfFieldTimeframe)
		projection = append(projection, schema.ConfFieldTimeframe)
	}

	recs, err := c.store.GetElems(ctx, schema.TablePublicCollsConf, storage.Query{
		Filter:     storage.Filter{schema.ConfFieldName: coll.ConfName},
		Projection: projection,
		GroupBy:    groupBy,
		Sort:       []schema.SortOrder{{Field: schema.ConfFieldSymbol, Dir: schema.Asc}},
	})
	if err != nil {
		return nil, err
	}

	pairs := make([]pubPair, 0, len(recs))
	for _, rec := range recs {
		p := pubPair{
			symbol: recString(rec, schema.ConfFieldSymbol),
			start:  recDate(rec, schema.ConfFieldStart),
		}
		if coll.HasTimeframe() {
			p.timeframe = recString(rec, schema.ConfFieldTimeframe)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func (c *Checker) checkPublicPair(ctx context.Context, coll *schema.Collection, pair pubPair) (StartConfig, bool, error) {
	cfg := StartConfig{Symbol: pair.symbol, Timeframe: pair.timeframe}

	latestRemote, err := c.latestRemoteDate(ctx, coll, exchange.Credentials{}, pair.symbol, pair.timeframe)
	if err != nil {
		return cfg, false, err
	}
	if latestRemote < 0 {
		return cfg, false, nil
	}

	localFilter := storage.Filter{coll.SymbolField: pair.symbol}
	if coll.HasTimeframe() {
		localFilter[coll.TimeframeField] = pair.timeframe
	}

	latestLocal, err := c.store.GetElem(ctx, coll.Name, localFilter, coll.Sort)
	if err != nil {
		return cfg, false, err
	}

	if latestLocal == nil {
		cfg.HasCurr = true
		cfg.CurrStart = pair.start
		return cfg, true, nil
	}

	localDate := recDate(latestLocal, coll.DateField)

	switch {
	case latestRemote > localDate:
		cfg.HasCurr = true
		cfg.CurrStart = localDate + 1
	case latestRemote == localDate:
		more, err := c.hasMoreAtInstant(ctx, coll, exchange.Credentials{}, localFilter, pair.symbol, pair.timeframe, localDate)
		if err != nil {
			return cfg, false, err
		}
		if more {
			cfg.HasCurr = true
			cfg.CurrStart = localDate
		}
	}

	// The configuration may reach further back than the local history does,
	// for example after a user lowers the requested start.
	earliest, err := c.store.GetElem(ctx, coll.Name, localFilter, schema.InvertSort(coll.Sort))
	if err != nil {
		return cfg, false, err
	}
	if earliest != nil {
		earliestDate := recDate(earliest, coll.DateField)
		if pair.start < earliestDate {
			cfg.HasBase = true
			cfg.BaseStart = pair.start
			cfg.BaseEnd = earliestDate - 1
		}
	}

	return cfg, cfg.HasCurr || cfg.HasBase, nil
}

func mergePairs(confPairs, derived []pubPair) []pubPair {
	type key struct{ symbol, timeframe string }
	seen := make(map[key]int, len(confPairs))
	out := make([]pubPair, len(confPairs))
	copy(out, confPairs)

	for i, p := range out {
		seen[key{p.symbol, p.timeframe}] = i
	}
	for _, p := range derived {
		k := key{p.symbol, p.timeframe}
		if i, ok := seen[k]; ok {
			if p.start < out[i].start {
				out[i].start = p.start
			}
			continue
		}
		seen[k] = len(out)
		out = append(out, p)
	}
	return out
}

func recString(rec schema.Record, field string) string {
	s, _ := rec[field].(string)
	return s
}
