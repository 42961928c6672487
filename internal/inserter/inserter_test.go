package inserter

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acctsync/internal/auth"
	"acctsync/internal/checker"
	"acctsync/internal/exchange"
	"acctsync/internal/interrupt"
	"acctsync/internal/logger"
	"acctsync/internal/schema"
	"acctsync/internal/storage"
)

// fakeAPI serves canned records per method/symbol/timeframe with remote
// range/limit/sort semantics. afterFetch, when set, runs after every call.
type fakeAPI struct {
	registry   *schema.Registry
	data       map[string][]schema.Record
	calls      int
	afterFetch func()
}

func apiKey(m schema.Method, symbol, timeframe string) string {
	return string(m) + "|" + symbol + "|" + timeframe
}

func (f *fakeAPI) add(m schema.Method, symbol, timeframe string, recs ...schema.Record) {
	if f.data == nil {
		f.data = make(map[string][]schema.Record)
	}
	k := apiKey(m, symbol, timeframe)
	f.data[k] = append(f.data[k], recs...)
}

func (f *fakeAPI) Fetch(ctx context.Context, creds exchange.Credentials, method schema.Method, params exchange.FetchParams) (exchange.Page, error) {
	f.calls++
	if f.afterFetch != nil {
		defer f.afterFetch()
	}
	coll, ok := f.registry.ByMethod(method)
	if !ok {
		return exchange.Page{}, nil
	}

	var in []schema.Record
	for _, rec := range f.data[apiKey(method, params.Symbol, params.Timeframe)] {
		d := recDate(rec, coll.DateField)
		if params.Start > 0 && d < params.Start {
			continue
		}
		if params.End > 0 && d > params.End {
			continue
		}
		in = append(in, rec)
	}

	sort.SliceStable(in, func(i, j int) bool {
		return recDate(in[i], coll.DateField) < recDate(in[j], coll.DateField)
	})
	if params.Sort != schema.Asc {
		for i, j := 0, len(in)-1; i < j; i, j = i+1, j-1 {
			in[i], in[j] = in[j], in[i]
		}
	}
	if params.Limit > 0 && len(in) > params.Limit {
		in = in[:params.Limit]
	}
	return exchange.Page{Records: in}, nil
}

type inserterFixture struct {
	registry *schema.Registry
	store    *storage.MemoryStore
	api      *fakeAPI
	signal   *interrupt.Signal
	ins      *Inserter
}

func newFixture(t *testing.T) *inserterFixture {
	t.Helper()
	registry := schema.NewRegistry()
	store := storage.NewMemoryStore(registry)
	api := &fakeAPI{registry: registry}
	signal := interrupt.NewSignal()
	ins := NewInserter(store, api, registry, signal, logger.NewNop())
	return &inserterFixture{registry: registry, store: store, api: api, signal: signal, ins: ins}
}

// smallPageColl returns a copy of a collection descriptor with a tiny page
// size so pagination is observable with few records.
func smallPageColl(t *testing.T, registry *schema.Registry, method schema.Method, pageSize int) *schema.Collection {
	t.Helper()
	orig, ok := registry.ByMethod(method)
	require.True(t, ok)
	coll := *orig
	coll.MaxPageSize = pageSize
	return &coll
}

func ledgerRec(id, mts int64) schema.Record {
	return schema.Record{
		"id": id, "mts": mts, "currency": "BTC",
		"amount": 0.5, "amount_usd": 1.0, "description": "exchange",
	}
}

func resultFor(coll *schema.Collection, cfgs ...checker.StartConfig) checker.Result {
	return checker.Result{
		coll.Method: &checker.CollectionState{
			Coll:         coll,
			HasNewData:   true,
			StartConfigs: cfgs,
		},
	}
}

func soloUser() *auth.User {
	return &auth.User{ID: 1, APIKey: "k", APISecret: "s"}
}

func TestFillPaginatesAscending(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 2)
	f.api.add(schema.MethodLedgers, "", "",
		ledgerRec(1, 10), ledgerRec(2, 20), ledgerRec(3, 30),
		ledgerRec(4, 40), ledgerRec(5, 50))

	result := resultFor(coll, checker.StartConfig{HasCurr: true, CurrStart: 0})

	stats, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)

	assert.Equal(t, 5, f.store.Count("ledgers"))
	assert.Equal(t, int64(9), stats.Fetched, "each full page re-fetches its boundary record")
	assert.Equal(t, 5, stats.Pages, "four full pages plus one short page")
	assert.Equal(t, 1, stats.Windows)
	assert.Zero(t, stats.Failed)
}

func TestFillKeepsRecordsSharingPageBoundaryTimestamp(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 2)
	f.api.add(schema.MethodLedgers, "", "",
		ledgerRec(1, 100), ledgerRec(2, 100), ledgerRec(3, 100), ledgerRec(4, 200))

	result := resultFor(coll, checker.StartConfig{HasCurr: true, CurrStart: 0})
	stats, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)

	assert.Equal(t, 4, f.store.Count("ledgers"),
		"a timestamp tie cut by the page boundary must not drop records")
	assert.Zero(t, stats.Failed)

	recs, err := f.store.GetElems(context.Background(), "ledgers", storage.Query{
		Filter: storage.Filter{"mts": int64(100)},
	})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestColdStartFillWritesFirstSyncMarker(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 10)
	f.api.add(schema.MethodLedgers, "", "", ledgerRec(1, 10))

	result := resultFor(coll, checker.StartConfig{HasCurr: true, CurrStart: 0})
	_, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)

	marker, err := f.store.GetElem(context.Background(), schema.TableCompletedOnFirstSyncColl,
		storage.Filter{schema.FieldUserID: int64(1), "coll_name": "ledgers"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, marker)
}

func TestIncrementalFillWritesNoMarker(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 10)
	f.api.add(schema.MethodLedgers, "", "", ledgerRec(1, 10))

	result := resultFor(coll, checker.StartConfig{HasCurr: true, CurrStart: 5})
	_, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)

	marker, err := f.store.GetElem(context.Background(), schema.TableCompletedOnFirstSyncColl, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestRefillIsIdempotent(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 2)
	f.api.add(schema.MethodLedgers, "", "",
		ledgerRec(1, 10), ledgerRec(2, 20), ledgerRec(3, 30))

	result := resultFor(coll, checker.StartConfig{HasCurr: true, CurrStart: 0})

	_, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)
	_, err = f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)

	assert.Equal(t, 3, f.store.Count("ledgers"), "re-fetching an overlap must not duplicate")
}

func TestBaseWindowFillsOnlyItsRange(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 10)
	f.api.add(schema.MethodLedgers, "", "",
		ledgerRec(1, 50), ledgerRec(2, 75), ledgerRec(3, 150))

	result := resultFor(coll, checker.StartConfig{HasBase: true, BaseStart: 50, BaseEnd: 99})
	_, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)

	recs, err := f.store.GetElems(context.Background(), "ledgers", storage.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.LessOrEqual(t, rec["mts"].(int64), int64(99))
	}
}

func TestInterruptionLeavesContiguousPrefix(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 2)
	f.api.add(schema.MethodLedgers, "", "",
		ledgerRec(1, 10), ledgerRec(2, 20), ledgerRec(3, 30),
		ledgerRec(4, 40), ledgerRec(5, 50))

	// Fire the stop flag right after the first remote page.
	f.api.afterFetch = func() { f.signal.Interrupt() }

	result := resultFor(coll, checker.StartConfig{HasCurr: true, CurrStart: 0})
	_, err := f.ins.InsertNewData(context.Background(), soloUser(), result)
	assert.ErrorIs(t, err, interrupt.ErrInterrupted)

	recs, err := f.store.GetElems(context.Background(), "ledgers", storage.Query{
		Sort: []schema.SortOrder{{Field: "mts", Dir: schema.Asc}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2, "exactly the committed page survives")
	assert.Equal(t, int64(10), recs[0]["mts"])
	assert.Equal(t, int64(20), recs[1]["mts"])

	marker, err := f.store.GetElem(context.Background(), schema.TableCompletedOnFirstSyncColl, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, marker, "an interrupted first sync is not complete")
}

func TestSnapshotReplace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	coll, _ := f.registry.ByMethod(schema.MethodWallets)

	stale := schema.Record{
		schema.FieldUserID: int64(1), "wallet_type": "exchange", "currency": "LTC",
		"balance": 1.0, "mts_update": int64(10),
	}
	require.NoError(t, f.store.Insert(ctx, "wallets", stale, storage.InsertOpts{}))

	f.api.add(schema.MethodWallets, "", "",
		schema.Record{"wallet_type": "exchange", "currency": "BTC", "balance": 2.0, "mts_update": int64(100)},
		schema.Record{"wallet_type": "margin", "currency": "USD", "balance": 50.0, "mts_update": int64(100)},
	)

	result := resultFor(coll, checker.StartConfig{})
	_, err := f.ins.InsertNewData(ctx, soloUser(), result)
	require.NoError(t, err)

	recs, err := f.store.GetElems(ctx, "wallets", storage.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 2, "stale snapshot rows are replaced")
	for _, rec := range recs {
		assert.NotEqual(t, "LTC", rec["currency"])
		assert.Equal(t, int64(1), rec[schema.FieldUserID])
	}
}

func TestWindowFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 10)
	f.api.add(schema.MethodLedgers, "", "", ledgerRec(1, 10))

	// First window points at a collection the store does not know, second is
	// valid; the pass must fill the second anyway.
	badColl := *coll
	badColl.Name = "no_such_table"

	result := checker.Result{
		schema.MethodLedgers: &checker.CollectionState{
			Coll:       coll,
			HasNewData: true,
			StartConfigs: []checker.StartConfig{
				{HasCurr: true, CurrStart: 5},
			},
		},
	}
	badResult := resultFor(&badColl, checker.StartConfig{HasCurr: true, CurrStart: 5})

	stats, err := f.ins.InsertNewData(context.Background(), soloUser(), badResult)
	require.NoError(t, err, "window failures must not abort the pass")
	assert.Equal(t, 1, stats.Failed)

	stats, err = f.ins.InsertNewData(context.Background(), soloUser(), result)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Windows)
	assert.Equal(t, 1, f.store.Count("ledgers"))
}

func TestSubUserWindowUsesSubUserStamp(t *testing.T) {
	f := newFixture(t)
	coll := smallPageColl(t, f.registry, schema.MethodLedgers, 10)
	f.api.add(schema.MethodLedgers, "", "", ledgerRec(1, 10))

	user := &auth.User{
		ID: 2, IsSubAccount: true,
		SubUsers: []auth.SubUser{{ID: 10, APIKey: "a", APISecret: "as"}},
	}
	result := resultFor(coll, checker.StartConfig{SubUserID: 10, HasCurr: true, CurrStart: 0})

	_, err := f.ins.InsertNewData(context.Background(), user, result)
	require.NoError(t, err)

	rec, err := f.store.GetElem(context.Background(), "ledgers", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec[schema.FieldUserID])
	assert.Equal(t, int64(10), rec[schema.FieldSubUserID])
}
