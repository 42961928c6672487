// Package inserter fills the gaps the checker found. It walks each fetch
// window oldest-first so an interrupted fill leaves the local history
// contiguous: the next detection pass picks up exactly where this one
// stopped. Every page is persisted atomically with existence-checked inserts,
// so re-fetching an overlap never duplicates rows.
package inserter

import (
	"context"
	"log/slog"
	"time"

	"acctsync/internal/auth"
	"acctsync/internal/checker"
	"acctsync/internal/exchange"
	"acctsync/internal/interrupt"
	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// InsertStats summarizes one fill pass.
type InsertStats struct {
	// Fetched counts records received from the remote API.
	Fetched int64

	// Pages counts remote pages processed.
	Pages int

	// Windows counts fetch windows walked to completion.
	Windows int

	// Failed counts windows abandoned after an error. Failures are isolated
	// per window; the pass continues with the next one.
	Failed int
}

// Inserter executes fill passes. It holds no per-run state.
type Inserter struct {
	store    storage.Gateway
	api      exchange.Gateway
	registry *schema.Registry
	signal   *interrupt.Signal
	logger   *slog.Logger
	now      func() int64
}

func NewInserter(store storage.Gateway, api exchange.Gateway, registry *schema.Registry, signal *interrupt.Signal, logger *slog.Logger) *Inserter {
	return &Inserter{
		store:    store,
		api:      api,
		registry: registry,
		signal:   signal,
		logger:   logger.With("component", "inserter"),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// InsertNewData fills every window in the detection result. user carries the
// credentials for private collections and may be nil for a public-only
// result. Window failures are logged and skipped; only interruption aborts
// the whole pass.
func (i *Inserter) InsertNewData(ctx context.Context, user *auth.User, result checker.Result) (InsertStats, error) {
	var stats InsertStats

	for _, method := range i.registry.Methods() {
		state, ok := result[method]
		if !ok || !state.HasNewData {
			continue
		}

		for _, cfg := range state.StartConfigs {
			if i.signal.Interrupted() {
				return stats, interrupt.ErrInterrupted
			}

			err := i.fillWindow(ctx, user, state.Coll, cfg, &stats)
			if err == interrupt.ErrInterrupted || ctx.Err() != nil {
				return stats, interrupt.ErrInterrupted
			}
			if err != nil {
				stats.Failed++
				i.logger.Error("window fill failed",
					"collection", state.Coll.Name,
					"symbol", cfg.Symbol,
					"error", err)
				continue
			}
			stats.Windows++
		}
	}

	return stats, nil
}

func (i *Inserter) fillWindow(ctx context.Context, user *auth.User, coll *schema.Collection, cfg checker.StartConfig, stats *InsertStats) error {
	creds := credsFor(user, coll, cfg)

	if coll.Kind == schema.KindUpdatableArray {
		return i.replaceSnapshot(ctx, user, coll, cfg, creds, stats)
	}

	if cfg.HasBase {
		if err := i.fillRange(ctx, user, coll, cfg, creds, cfg.BaseStart, cfg.BaseEnd, stats); err != nil {
			return err
		}
	}
	if cfg.HasCurr {
		if err := i.fillRange(ctx, user, coll, cfg, creds, cfg.CurrStart, i.now(), stats); err != nil {
			return err
		}
		// A completed fetch from the epoch is the collection's first full
		// sync; record it so later runs skip the backward probe.
		if cfg.CurrStart == 0 && !coll.IsPublic && user != nil {
			if err := i.markFirstSyncDone(ctx, user.ID, coll.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// sameInstantFetchFactor enlarges the page limit when a full page collapses
// to a single timestamp, so every record sharing that instant is reachable
// in one request.
const sameInstantFetchFactor = 10

// fillRange pages through [start, end] oldest-first. Each page is one
// transaction; the cursor advances to the newest record seen, and a short
// page means the range is exhausted.
//
// The cursor step is inclusive: several records can share the timestamp a
// full page ends on, and stepping past it would lose the ones beyond the
// page boundary. Re-fetching the boundary instant is harmless because
// inserts are existence-checked.
func (i *Inserter) fillRange(ctx context.Context, user *auth.User, coll *schema.Collection, cfg checker.StartConfig, creds exchange.Credentials, start, end int64, stats *InsertStats) error {
	cursor := start

	for {
		if i.signal.Interrupted() {
			return interrupt.ErrInterrupted
		}

		page, err := i.api.Fetch(ctx, creds, coll.Method, exchange.FetchParams{
			Symbol:    cfg.Symbol,
			Timeframe: cfg.Timeframe,
			Start:     cursor,
			End:       end,
			Limit:     coll.MaxPageSize,
			Sort:      schema.Asc,
		})
		if err != nil {
			return err
		}
		if len(page.Records) == 0 {
			return nil
		}

		recs := normalizeRecords(coll, page.Records, user, cfg)
		if err := i.store.InsertBatchIfNotExists(ctx, coll.Name, coll.UniqueFields, recs); err != nil {
			return err
		}

		stats.Fetched += int64(len(recs))
		stats.Pages++

		last := recDate(page.Records[len(page.Records)-1], coll.DateField)
		i.logger.Debug("page inserted",
			"collection", coll.Name,
			"symbol", cfg.Symbol,
			"records", len(recs),
			"through", last)

		if len(page.Records) < coll.MaxPageSize {
			return nil
		}
		if last == cursor {
			// The whole page sits on one instant, so an inclusive step makes
			// no progress. Drain that instant with an enlarged limit, then
			// step over it.
			if err := i.fillInstant(ctx, user, coll, cfg, creds, last, stats); err != nil {
				return err
			}
			cursor = last + 1
		} else {
			cursor = last
		}
		if end > 0 && cursor > end {
			return nil
		}
	}
}

// fillInstant fetches every record sharing one timestamp in a single
// oversized request and persists them.
func (i *Inserter) fillInstant(ctx context.Context, user *auth.User, coll *schema.Collection, cfg checker.StartConfig, creds exchange.Credentials, instant int64, stats *InsertStats) error {
	page, err := i.api.Fetch(ctx, creds, coll.Method, exchange.FetchParams{
		Symbol:    cfg.Symbol,
		Timeframe: cfg.Timeframe,
		Start:     instant,
		End:       instant,
		Limit:     coll.MaxPageSize * sameInstantFetchFactor,
		Sort:      schema.Asc,
	})
	if err != nil {
		return err
	}
	if len(page.Records) == 0 {
		return nil
	}

	recs := normalizeRecords(coll, page.Records, user, cfg)
	if err := i.store.InsertBatchIfNotExists(ctx, coll.Name, coll.UniqueFields, recs); err != nil {
		return err
	}

	stats.Fetched += int64(len(recs))
	stats.Pages++
	return nil
}

// replaceSnapshot re-fetches a current-state collection and swaps its rows in
// one transaction.
func (i *Inserter) replaceSnapshot(ctx context.Context, user *auth.User, coll *schema.Collection, cfg checker.StartConfig, creds exchange.Credentials, stats *InsertStats) error {
	page, err := i.api.Fetch(ctx, creds, coll.Method, exchange.FetchParams{
		Symbol: cfg.Symbol,
		Limit:  coll.MaxPageSize,
	})
	if err != nil {
		return err
	}

	recs := normalizeRecords(coll, page.Records, user, cfg)

	scope := storage.Filter{}
	if !coll.IsPublic && user != nil {
		scope[schema.FieldUserID] = user.ID
		if cfg.SubUserID != 0 {
			scope[schema.FieldSubUserID] = cfg.SubUserID
		}
	}

	err = i.store.InTx(ctx, func(tx storage.Gateway) error {
		if err := tx.Remove(ctx, coll.Name, scope); err != nil {
			return err
		}
		for _, rec := range recs {
			if err := tx.Insert(ctx, coll.Name, rec, storage.InsertOpts{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	stats.Fetched += int64(len(recs))
	stats.Pages++
	return nil
}

func (i *Inserter) markFirstSyncDone(ctx context.Context, userID int64, collName string) error {
	rec := schema.Record{
		schema.FieldUserID: userID,
		"coll_name":        collName,
	}
	return i.store.InsertBatchIfNotExists(ctx, schema.TableCompletedOnFirstSyncColl,
		[]string{schema.FieldUserID, "coll_name"}, []schema.Record{rec})
}

// credsFor resolves the credentials a window is fetched with: the sub-user's
// for sub-account windows, the user's otherwise, none for public collections.
func credsFor(user *auth.User, coll *schema.Collection, cfg checker.StartConfig) exchange.Credentials {
	if coll.IsPublic || user == nil {
		return exchange.Credentials{}
	}
	if cfg.SubUserID != 0 {
		for _, su := range user.SubUsers {
			if su.ID == cfg.SubUserID {
				return exchange.Credentials{APIKey: su.APIKey, APISecret: su.APISecret}
			}
		}
	}
	return exchange.Credentials{APIKey: user.APIKey, APISecret: user.APISecret}
}

func recDate(rec schema.Record, field string) int64 {
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
