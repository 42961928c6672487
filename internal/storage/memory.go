package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"acctsync/internal/schema"
)

// MemoryStore is an in-memory Gateway with the same observable behavior as
// the SQL store. It backs tests and lets the sync core run without a database
// file.
type MemoryStore struct {
	registry *schema.Registry
	mu       sync.RWMutex
	data     map[string][]schema.Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(registry *schema.Registry) *MemoryStore {
	return &MemoryStore{
		registry: registry,
		data:     make(map[string][]schema.Record),
	}
}

func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                         { return nil }
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) knownColl(coll string) error {
	if _, ok := serviceModels[coll]; ok {
		return nil
	}
	if _, ok := m.registry.Collection(coll); ok {
		return nil
	}
	return &SQLCorrectnessError{Reason: "unknown collection " + coll}
}

func (m *MemoryStore) GetElem(ctx context.Context, coll string, filter Filter, sortOrder []schema.SortOrder) (schema.Record, error) {
	recs, err := m.GetElems(ctx, coll, Query{Filter: filter, Sort: sortOrder, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (m *MemoryStore) GetElems(ctx context.Context, coll string, q Query) ([]schema.Record, error) {
	if err := m.knownColl(coll); err != nil {
		return nil, err
	}

	m.mu.RLock()
	rows := make([]schema.Record, 0, len(m.data[coll]))
	for _, rec := range m.data[coll] {
		if matchesQuery(rec, q) {
			rows = append(rows, cloneRecord(rec))
		}
	}
	m.mu.RUnlock()

	sortRecords(rows, q.Sort)

	if len(q.GroupBy) > 0 {
		rows = groupRecords(rows, q)
	}
	if len(q.Projection) > 0 {
		for i, rec := range rows {
			rows[i] = projectRecord(rec, q.Projection)
		}
	}
	if q.Distinct {
		rows = distinctRecords(rows)
	}
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (m *MemoryStore) Insert(ctx context.Context, coll string, rec schema.Record, opts InsertOpts) error {
	if err := m.knownColl(coll); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if opts.ReplaceIfExists {
		if c, ok := m.registry.Collection(coll); ok {
			keyFilter := Filter{}
			for _, k := range c.UniqueFields {
				keyFilter[k] = rec[k]
			}
			kept := m.data[coll][:0]
			for _, existing := range m.data[coll] {
				if !matchesFilter(existing, keyFilter) {
					kept = append(kept, existing)
				}
			}
			m.data[coll] = kept
		}
	}

	m.data[coll] = append(m.data[coll], cloneRecord(rec))
	return nil
}

func (m *MemoryStore) InsertBatchIfNotExists(ctx context.Context, coll string, keyFields []string, recs []schema.Record) error {
	if err := m.knownColl(coll); err != nil {
		return err
	}
	if len(keyFields) == 0 {
		return &SQLCorrectnessError{Reason: "empty natural key for " + coll}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range recs {
		keyFilter := Filter{}
		for _, k := range keyFields {
			keyFilter[k] = rec[k]
		}
		exists := false
		for _, existing := range m.data[coll] {
			if matchesFilter(existing, keyFilter) {
				exists = true
				break
			}
		}
		if !exists {
			m.data[coll] = append(m.data[coll], cloneRecord(rec))
		}
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, coll string, filter Filter, patch schema.Record) (int64, error) {
	if err := m.knownColl(coll); err != nil {
		return 0, err
	}
	if len(patch) == 0 {
		return 0, &SQLCorrectnessError{Reason: "empty patch for " + coll}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var affected int64
	for _, rec := range m.data[coll] {
		if matchesFilter(rec, filter) {
			for k, v := range patch {
				rec[k] = v
			}
			affected++
		}
	}
	if affected == 0 {
		return 0, &UpdateRecordError{Coll: coll}
	}
	return affected, nil
}

func (m *MemoryStore) Remove(ctx context.Context, coll string, filter Filter) error {
	if err := m.knownColl(coll); err != nil {
		return err
	}
	for field, v := range filter {
		if list, ok := v.([]any); ok && len(list) == 0 {
			return &RemoveElemsError{Coll: coll, Field: field}
		}
		if list, ok := v.([]string); ok && len(list) == 0 {
			return &RemoveElemsError{Coll: coll, Field: field}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.data[coll][:0]
	for _, rec := range m.data[coll] {
		if !matchesFilter(rec, filter) {
			kept = append(kept, rec)
		}
	}
	m.data[coll] = kept
	return nil
}

// InTx snapshots the store, runs fn, and restores the snapshot when fn
// fails. Writes inside fn go through the store itself, so the memory backend
// keeps the same page-level atomicity as the SQL one.
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Gateway) error) error {
	if fn == nil {
		return &SQLCorrectnessError{Reason: "empty transaction body"}
	}

	m.mu.Lock()
	snapshot := make(map[string][]schema.Record, len(m.data))
	for coll, rows := range m.data {
		copied := make([]schema.Record, len(rows))
		for i, rec := range rows {
			copied[i] = cloneRecord(rec)
		}
		snapshot[coll] = copied
	}
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// Count reports the number of stored records in a collection. Test helper.
func (m *MemoryStore) Count(coll string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data[coll])
}

func matchesQuery(rec schema.Record, q Query) bool {
	if !matchesFilter(rec, q.Filter) {
		return false
	}
	for field, v := range q.Not {
		switch list := v.(type) {
		case []any:
			for _, item := range list {
				if eqValue(rec[field], item) {
					return false
				}
			}
		case []string:
			for _, item := range list {
				if eqValue(rec[field], item) {
					return false
				}
			}
		default:
			if eqValue(rec[field], v) {
				return false
			}
		}
	}
	for field, bound := range q.Gte {
		if numValue(rec[field]) < float64(bound) {
			return false
		}
	}
	for field, bound := range q.Lte {
		if numValue(rec[field]) > float64(bound) {
			return false
		}
	}
	return true
}

func matchesFilter(rec schema.Record, filter Filter) bool {
	for field, v := range filter {
		switch list := v.(type) {
		case []any:
			found := false
			for _, item := range list {
				if eqValue(rec[field], item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		case []string:
			found := false
			for _, item := range list {
				if eqValue(rec[field], item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if !eqValue(rec[field], v) {
				return false
			}
		}
	}
	return true
}

// eqValue compares loosely across numeric types, the way SQL does.
func eqValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if na, aok := tryNum(a); aok {
		if nb, bok := tryNum(b); bok {
			return na == nb
		}
		return false
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
		if nb, ok := tryNum(b); ok {
			return (nb != 0) == ba
		}
		return false
	}
	return a == b
}

func tryNum(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func numValue(v any) float64 {
	n, _ := tryNum(v)
	return n
}

func sortRecords(rows []schema.Record, sortOrder []schema.SortOrder) {
	if len(sortOrder) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sortOrder {
			a, b := rows[i][s.Field], rows[j][s.Field]
			if eqValue(a, b) {
				continue
			}
			less := lessValue(a, b)
			if s.Dir < 0 {
				return !less
			}
			return less
		}
		return false
	})
}

func lessValue(a, b any) bool {
	if na, aok := tryNum(a); aok {
		nb, _ := tryNum(b)
		return na < nb
	}
	sa, _ := a.(string)
	sb, _ := b.(string)
	return sa < sb
}

func groupRecords(rows []schema.Record, q Query) []schema.Record {
	type groupEntry struct {
		rec schema.Record
	}
	order := make([]string, 0)
	groups := make(map[string]*groupEntry)

	for _, rec := range rows {
		key := ""
		for _, g := range q.GroupBy {
			key += stringValue(rec[g]) + "\x00"
		}
		entry, ok := groups[key]
		if !ok {
			groups[key] = &groupEntry{rec: cloneRecord(rec)}
			order = append(order, key)
			continue
		}
		// Non-group fields aggregate with MIN, mirroring the SQL backend.
		for k, v := range rec {
			if containsString(q.GroupBy, k) {
				continue
			}
			if lessValue(v, entry.rec[k]) {
				entry.rec[k] = v
			}
		}
	}

	out := make([]schema.Record, len(order))
	for i, key := range order {
		out[i] = groups[key].rec
	}
	return out
}

func projectRecord(rec schema.Record, fields []string) schema.Record {
	out := make(schema.Record, len(fields))
	for _, f := range fields {
		if v, ok := rec[f]; ok {
			out[f] = v
		}
	}
	return out
}

func distinctRecords(rows []schema.Record) []schema.Record {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, rec := range rows {
		key := ""
		for _, k := range sortedRecordKeys(rec) {
			key += k + "=" + stringValue(rec[k]) + "\x00"
		}
		if !seen[key] {
			seen[key] = true
			out = append(out, rec)
		}
	}
	return out
}

func sortedRecordKeys(rec schema.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		if n, ok := tryNum(v); ok {
			return strconv.FormatFloat(n, 'g', -1, 64)
		}
		if b, ok := v.(bool); ok {
			if b {
				return "1"
			}
			return "0"
		}
		return ""
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func cloneRecord(rec schema.Record) schema.Record {
	out := make(schema.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
