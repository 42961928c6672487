// Package checker detects what data is missing locally for each syncable
// collection. It compares the newest remote record against the newest local
// one to find forward gaps, and probes behind the oldest local record to find
// backward gaps, producing per-collection fetch windows for the inserter.
package checker

import (
	"context"
	"log/slog"
	"time"

	"acctsync/internal/auth"
	"acctsync/internal/exchange"
	"acctsync/internal/interrupt"
	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// StartConfig is one fetch window for one collection partition. A window may
// carry a forward part (CurrStart..now), a backward part (BaseStart..BaseEnd),
// or both.
type StartConfig struct {
	// Symbol and Timeframe partition public collections. Empty for private
	// collections and unpartitioned public ones.
	Symbol    string
	Timeframe string

	// SubUserID owns the window when syncing a sub-account. Zero otherwise.
	SubUserID int64

	// Backward window, filled when remote history extends past the oldest
	// local record.
	BaseStart int64
	BaseEnd   int64
	HasBase   bool

	// Forward window start. The end is always the fetch time.
	CurrStart int64
	HasCurr   bool
}

// CollectionState is the detection outcome for one collection.
type CollectionState struct {
	Coll         *schema.Collection
	HasNewData   bool
	StartConfigs []StartConfig
}

// Result maps each checked method to its detection outcome. Each run gets a
// fresh Result; nothing is shared between runs.
type Result map[schema.Method]*CollectionState

// Policy tunes detection behavior.
type Policy struct {
	// SameInstantRefetchLimit bounds the re-fetch used to disambiguate the
	// case where the newest remote and local records share a timestamp.
	SameInstantRefetchLimit int

	// ForexSymbols are fiat currencies excluded from candles derivation.
	ForexSymbols []string

	// ConvertTo is the quote currency candles are derived against.
	ConvertTo string

	// CandlesTimeframe is the timeframe synced for derived candles.
	CandlesTimeframe string

	// Synonyms maps ledger currency aliases to their tradable form.
	Synonyms map[string]string
}

// DefaultPolicy mirrors the defaults of the hosted deployment.
func DefaultPolicy() Policy {
	return Policy{
		SameInstantRefetchLimit: 100,
		ForexSymbols:            []string{"USD", "EUR", "GBP", "JPY"},
		ConvertTo:               "USD",
		CandlesTimeframe:        "1D",
		Synonyms:                map[string]string{"UST": "USDT"},
	}
}

// Checker runs gap detection. It holds no per-run state; every call returns a
// fresh Result.
type Checker struct {
	store    storage.Gateway
	api      exchange.Gateway
	registry *schema.Registry
	signal   *interrupt.Signal
	policy   Policy
	logger   *slog.Logger
	now      func() int64
}

func NewChecker(store storage.Gateway, api exchange.Gateway, registry *schema.Registry, signal *interrupt.Signal, policy Policy, logger *slog.Logger) *Checker {
	if policy.SameInstantRefetchLimit <= 0 {
		policy.SameInstantRefetchLimit = DefaultPolicy().SameInstantRefetchLimit
	}
	return &Checker{
		store:    store,
		api:      api,
		registry: registry,
		signal:   signal,
		policy:   policy,
		logger:   logger.With("component", "checker"),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// CheckNewData detects gaps in every private collection for the given user.
// Sub-account users are checked once per sub-user.
func (c *Checker) CheckNewData(ctx context.Context, user *auth.User) (Result, error) {
	result := make(Result)

	for _, method := range c.registry.Methods() {
		if c.signal.Interrupted() {
			return result, interrupt.ErrInterrupted
		}

		coll, _ := c.registry.ByMethod(method)
		if coll.IsPublic {
			continue
		}

		state := &CollectionState{Coll: coll}
		result[method] = state

		// Detection is best-effort per partition: one failing collection or
		// sub-user must not hide gaps in the others.
		identities := syncIdentities(user)
		for _, id := range identities {
			cfgs, err := c.checkPrivateColl(ctx, coll, id)
			if err != nil {
				if ctx.Err() != nil {
					return result, interrupt.ErrInterrupted
				}
				c.logger.Error("detection failed",
					"collection", coll.Name,
					"sub_user_id", id.subUserID,
					"error", err)
				continue
			}
			if len(cfgs) > 0 {
				state.HasNewData = true
				state.StartConfigs = append(state.StartConfigs, cfgs...)
			}
		}

		c.logger.Debug("checked collection",
			"collection", coll.Name,
			"has_new_data", state.HasNewData,
			"windows", len(state.StartConfigs))
	}

	return result, nil
}

// syncIdentity is one credential set detection runs under.
type syncIdentity struct {
	creds     exchange.Credentials
	userID    int64
	subUserID int64
}

func syncIdentities(user *auth.User) []syncIdentity {
	if !user.IsSubAccount {
		return []syncIdentity{{
			creds:  exchange.Credentials{APIKey: user.APIKey, APISecret: user.APISecret},
			userID: user.ID,
		}}
	}
	ids := make([]syncIdentity, 0, len(user.SubUsers))
	for _, su := range user.SubUsers {
		ids = append(ids, syncIdentity{
			creds:     exchange.Credentials{APIKey: su.APIKey, APISecret: su.APISecret},
			userID:    user.ID,
			subUserID: su.ID,
		})
	}
	return ids
}

func (c *Checker) checkPrivateColl(ctx context.Context, coll *schema.Collection, id syncIdentity) ([]StartConfig, error) {
	// Current-state collections have no history to diff; they are always
	// re-fetched and replaced.
	if coll.Kind == schema.KindUpdatableArray {
		return []StartConfig{{SubUserID: id.subUserID}}, nil
	}

	ownerFilter := storage.Filter{schema.FieldUserID: id.userID}
	if id.subUserID != 0 {
		ownerFilter[schema.FieldSubUserID] = id.subUserID
	}

	cfg := StartConfig{SubUserID: id.subUserID}

	latestRemote, err := c.latestRemoteDate(ctx, coll, id.creds, "", "")
	if err != nil {
		return nil, err
	}
	if latestRemote < 0 {
		// Nothing on the remote side at all.
		return nil, nil
	}

	latestLocal, err := c.store.GetElem(ctx, coll.Name, ownerFilter, coll.Sort)
	if err != nil {
		return nil, err
	}

	if latestLocal == nil {
		// Cold start: fetch the entire history.
		cfg.HasCurr = true
		cfg.CurrStart = 0
		return []StartConfig{cfg}, nil
	}

	localDate := recDate(latestLocal, coll.DateField)

	switch {
	case latestRemote > localDate:
		cfg.HasCurr = true
		cfg.CurrStart = localDate + 1
	case latestRemote == localDate:
		more, err := c.hasMoreAtInstant(ctx, coll, id.creds, ownerFilter, "", "", localDate)
		if err != nil {
			return nil, err
		}
		if more {
			cfg.HasCurr = true
			cfg.CurrStart = localDate
		}
	}

	hasBase, err := c.checkBaseGap(ctx, coll, id, ownerFilter, &cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.HasCurr && !hasBase {
		return nil, nil
	}
	return []StartConfig{cfg}, nil
}

// checkBaseGap probes the remote API for records older than the oldest local
// one. Skipped once the collection's first full sync has completed; after
// that point local history is authoritative going backward.
func (c *Checker) checkBaseGap(ctx context.Context, coll *schema.Collection, id syncIdentity, ownerFilter storage.Filter, cfg *StartConfig) (bool, error) {
	done, err := c.firstSyncCompleted(ctx, id.userID, coll.Name)
	if err != nil || done {
		return false, err
	}

	earliest, err := c.store.GetElem(ctx, coll.Name, ownerFilter, schema.InvertSort(coll.Sort))
	if err != nil {
		return false, err
	}
	if earliest == nil {
		return false, nil
	}
	earliestDate := recDate(earliest, coll.DateField)
	if earliestDate <= 0 {
		return false, nil
	}

	page, err := c.api.Fetch(ctx, id.creds, coll.Method, exchange.FetchParams{
		End:   earliestDate - 1,
		Limit: coll.MaxPageSize,
	})
	if err != nil {
		return false, err
	}
	if len(page.Records) == 0 {
		return false, nil
	}

	// Records arrive newest-first; the last one is the oldest reachable in
	// one page. The window converges over successive runs.
	cfg.HasBase = true
	cfg.BaseStart = recDate(page.Records[len(page.Records)-1], coll.DateField)
	cfg.BaseEnd = earliestDate - 1
	return true, nil
}

// latestRemoteDate fetches the single newest remote record's date, or -1 when
// the remote side is empty.
func (c *Checker) latestRemoteDate(ctx context.Context, coll *schema.Collection, creds exchange.Credentials, symbol, timeframe string) (int64, error) {
	page, err := c.api.Fetch(ctx, creds, coll.Method, exchange.FetchParams{
		Symbol:    symbol,
		Timeframe: timeframe,
		Limit:     1,
	})
	if err != nil {
		return 0, err
	}
	if len(page.Records) == 0 {
		return -1, nil
	}
	return recDate(page.Records[0], coll.DateField), nil
}

// hasMoreAtInstant disambiguates equal newest timestamps: several records can
// share one timestamp, and the remote side may hold more of them than we do.
func (c *Checker) hasMoreAtInstant(ctx context.Context, coll *schema.Collection, creds exchange.Credentials, localFilter storage.Filter, symbol, timeframe string, instant int64) (bool, error) {
	page, err := c.api.Fetch(ctx, creds, coll.Method, exchange.FetchParams{
		Symbol:    symbol,
		Timeframe: timeframe,
		End:       instant,
		Limit:     c.policy.SameInstantRefetchLimit,
	})
	if err != nil {
		return false, err
	}

	remoteCount := 0
	for _, rec := range page.Records {
		if recDate(rec, coll.DateField) == instant {
			remoteCount++
		}
	}
	if remoteCount == 0 {
		return false, nil
	}

	filter := storage.Filter{coll.DateField: instant}
	for k, v := range localFilter {
		filter[k] = v
	}
	localRecs, err := c.store.GetElems(ctx, coll.Name, storage.Query{Filter: filter})
	if err != nil {
		return false, err
	}
	return remoteCount > len(localRecs), nil
}

func (c *Checker) firstSyncCompleted(ctx context.Context, userID int64, collName string) (bool, error) {
	rec, err := c.store.GetElem(ctx, schema.TableCompletedOnFirstSyncColl, storage.Filter{
		schema.FieldUserID: userID,
		"coll_name":        collName,
	}, nil)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// recDate extracts a collection's date field from a record, tolerating the
// numeric widenings different decoders produce.
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
