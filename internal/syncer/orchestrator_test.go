package syncer

import (
	"context"
	"sort"
	"testing"
	"time"

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

// fakeAPI serves canned records with remote range/limit/sort semantics. When
// gate is set every call blocks until the gate closes or the context ends.
type fakeAPI struct {
	registry *schema.Registry
	data     map[string][]schema.Record
	gate     chan struct{}
	lastCtx  context.Context
}

func (f *fakeAPI) add(m schema.Method, symbol string, recs ...schema.Record) {
	if f.data == nil {
		f.data = make(map[string][]schema.Record)
	}
	k := string(m) + "|" + symbol
	f.data[k] = append(f.data[k], recs...)
}

func (f *fakeAPI) Fetch(ctx context.Context, creds exchange.Credentials, method schema.Method, params exchange.FetchParams) (exchange.Page, error) {
	f.lastCtx = ctx
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return exchange.Page{}, ctx.Err()
		}
	}

	coll, ok := f.registry.ByMethod(method)
	if !ok {
		return exchange.Page{}, nil
	}

	var in []schema.Record
	for _, rec := range f.data[string(method)+"|"+params.Symbol] {
		d := dateOf(rec, coll.DateField)
		if params.Start > 0 && d < params.Start {
			continue
		}
		if params.End > 0 && d > params.End {
			continue
		}
		in = append(in, rec)
	}
	sort.SliceStable(in, func(i, j int) bool {
		return dateOf(in[i], coll.DateField) < dateOf(in[j], coll.DateField)
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

func dateOf(rec schema.Record, field string) int64 {
	switch v := rec[field].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func newOrchestrator(t *testing.T) (*Orchestrator, *fakeAPI, *storage.MemoryStore) {
	t.Helper()
	registry := schema.NewRegistry()
	store := storage.NewMemoryStore(registry)
	api := &fakeAPI{registry: registry}
	orch := NewOrchestrator(store, api, registry, checker.DefaultPolicy(), logger.NewNop())
	return orch, api, store
}

func soloUser() *auth.User {
	return &auth.User{ID: 1, APIKey: "k", APISecret: "s"}
}

func TestRunCompletes(t *testing.T) {
	orch, api, store := newOrchestrator(t)
	api.add(schema.MethodLedgers, "",
		schema.Record{"id": int64(1), "mts": int64(100), "currency": "BTC", "amount_usd": 1.0},
		schema.Record{"id": int64(2), "mts": int64(200), "currency": "BTC", "amount_usd": 2.0},
	)

	progress, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)

	assert.Equal(t, StateDone, progress.State)
	assert.NotZero(t, progress.RunID)
	assert.False(t, progress.FinishedAt.IsZero())
	assert.GreaterOrEqual(t, progress.Fetched, int64(2))
	assert.Equal(t, 2, store.Count("ledgers"))
}

func TestRunContextReleasedAfterFinish(t *testing.T) {
	orch, api, _ := newOrchestrator(t)
	api.add(schema.MethodLedgers, "",
		schema.Record{"id": int64(1), "mts": int64(100), "currency": "BTC", "amount_usd": 1.0},
	)

	_, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)

	require.NotNil(t, api.lastCtx)
	assert.ErrorIs(t, api.lastCtx.Err(), context.Canceled,
		"a finished run must release its derived context")
}

func TestConsecutiveRunsGetFreshIDs(t *testing.T) {
	orch, _, _ := newOrchestrator(t)

	first, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)
	second, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)

	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestSecondStartWhileRunningIsRejected(t *testing.T) {
	orch, api, _ := newOrchestrator(t)
	api.gate = make(chan struct{})

	first, err := orch.Start(context.Background(), soloUser())
	require.NoError(t, err)

	inflight, err := orch.Start(context.Background(), soloUser())
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Equal(t, first.RunID, inflight.RunID, "the in-flight run's progress is reported")

	close(api.gate)
	require.Eventually(t, func() bool {
		return !orch.Progress().Running()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopInterruptsRun(t *testing.T) {
	orch, api, _ := newOrchestrator(t)
	api.gate = make(chan struct{})

	_, err := orch.Start(context.Background(), soloUser())
	require.NoError(t, err)

	orch.Stop()

	require.Eventually(t, func() bool {
		return orch.Progress().State == StateInterrupted
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, orch.Progress().Err, interrupt.ErrInterrupted)
}

func TestRunAfterStopStartsFresh(t *testing.T) {
	orch, api, _ := newOrchestrator(t)
	api.gate = make(chan struct{})

	_, err := orch.Start(context.Background(), soloUser())
	require.NoError(t, err)
	orch.Stop()
	require.Eventually(t, func() bool {
		return !orch.Progress().Running()
	}, 5*time.Second, 10*time.Millisecond)

	api.gate = nil
	progress, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)
	assert.Equal(t, StateDone, progress.State)
}

func TestPublicOnlyRun(t *testing.T) {
	orch, _, store := newOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, schema.TablePublicCollsConf, schema.Record{
		schema.ConfFieldName:   "publicTradesConf",
		schema.FieldUserID:     int64(1),
		schema.ConfFieldSymbol: "tBTCUSD",
		schema.ConfFieldStart:  int64(0),
	}, storage.InsertOpts{}))

	progress, err := orch.Run(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, progress.State)
}

func TestEndToEndSyncThenNothingNew(t *testing.T) {
	orch, api, store := newOrchestrator(t)
	api.add(schema.MethodLedgers, "",
		schema.Record{"id": int64(1), "mts": int64(10), "currency": "BTC", "amount_usd": 1.0},
		schema.Record{"id": int64(2), "mts": int64(20), "currency": "BTC", "amount_usd": 1.0},
		schema.Record{"id": int64(3), "mts": int64(30), "currency": "BTC", "amount_usd": 1.0},
	)

	first, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)
	assert.Equal(t, StateDone, first.State)
	assert.Equal(t, 3, store.Count("ledgers"))

	recs, err := store.GetElems(context.Background(), "ledgers", storage.Query{})
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, int64(1), rec[schema.FieldUserID], "ownership must be stamped on every row")
	}

	// Remote unchanged: the second run detects nothing and stores nothing.
	second, err := orch.Run(context.Background(), soloUser())
	require.NoError(t, err)
	assert.Equal(t, StateDone, second.State)
	assert.Equal(t, 3, store.Count("ledgers"))
	assert.Zero(t, second.Fetched, "an in-sync store fetches no history pages")
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	orch, _, _ := newOrchestrator(t)
	orch.Stop()
	assert.Equal(t, StateIdle, orch.Progress().State)
}
