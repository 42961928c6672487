// Package schema describes every syncable collection: its API method, field
// model, date/symbol/timeframe fields, sort order, page size and natural key.
// The registry is a static, read-only table; per-run sync state (what is new,
// which windows to fetch) is carried in values returned by the checker, never
// written back into the registry.
package schema

// Method identifies one sync API method on the remote exchange.
type Method string

const (
	MethodLedgers             Method = "ledgers"
	MethodTrades              Method = "trades"
	MethodOrders              Method = "orders"
	MethodMovements           Method = "movements"
	MethodPositionsHistory    Method = "positionsHistory"
	MethodFundingOfferHistory Method = "fundingOfferHistory"
	MethodWallets             Method = "wallets"
	MethodPublicTrades        Method = "publicTrades"
	MethodTickersHistory      Method = "tickersHistory"
	MethodCandles             Method = "candles"
	MethodStatusMessages      Method = "statusMessages"
)

// FieldType is the declared storage type of a model field.
type FieldType int

const (
	TypeInt FieldType = iota
	TypeFloat
	TypeText
	TypeBool
	TypeJSON
)

// Field is one column of a collection model.
type Field struct {
	Name string
	Type FieldType
}

// Model is the ordered field list of a collection.
type Model []Field

// Has reports whether the model declares a field with the given name.
func (m Model) Has(name string) bool {
	for _, f := range m {
		if f.Name == name {
			return true
		}
	}
	return false
}

// TypeOf returns the declared type of a field, and whether it exists.
func (m Model) TypeOf(name string) (FieldType, bool) {
	for _, f := range m {
		if f.Name == name {
			return f.Type, true
		}
	}
	return 0, false
}

// Sort directions. The values match the wire convention of the source API
// (1 ascending, -1 descending) so sort orders round-trip through queries.
const (
	Asc  = 1
	Desc = -1
)

// SortOrder is one element of a collection's canonical sort.
type SortOrder struct {
	Field string
	Dir   int
}

// InvertSort returns the sort order with every direction flipped. Used to turn
// a latest-first lookup into an earliest-first one.
func InvertSort(sort []SortOrder) []SortOrder {
	inverted := make([]SortOrder, len(sort))
	for i, s := range sort {
		inverted[i] = SortOrder{Field: s.Field, Dir: -s.Dir}
	}
	return inverted
}

// Kind tells the inserter which persistence path a collection takes.
type Kind int

const (
	// KindInsertableArray collections grow append-only and are persisted with
	// existence-checked inserts keyed by the collection's natural key.
	KindInsertableArray Kind = iota

	// KindUpdatableArray collections hold current-state rows (status messages,
	// wallet snapshots) and are persisted with replace-on-conflict semantics
	// keyed by a business key.
	KindUpdatableArray
)

// Record is a single row of a collection, keyed by model field name. Values
// are coerced to the model's declared types during normalization.
type Record map[string]any

// Collection is the static descriptor of one syncable collection.
type Collection struct {
	Name           string
	Method         Method
	Model          Model
	DateField      string
	SymbolField    string
	TimeframeField string
	Sort           []SortOrder
	MaxPageSize    int
	IsPublic       bool
	Kind           Kind

	// UniqueFields is the natural key used for dedup on insert
	// (KindInsertableArray) or conflict resolution (KindUpdatableArray).
	UniqueFields []string

	// ConfName links a public collection to its rows in the public
	// collections configuration table.
	ConfName string
}

// HasTimeframe reports whether the collection is partitioned by timeframe in
// addition to symbol.
func (c *Collection) HasTimeframe() bool {
	return c.TimeframeField != ""
}

// Service table names. These are maintained by the sync core itself rather
// than mirrored from the API.
const (
	TableUsers                    = "users"
	TableSubUsers                 = "sub_users"
	TableCompletedOnFirstSyncColl = "completed_on_first_sync_colls"
	TablePublicCollsConf          = "public_colls_conf"
)

// Public collections configuration columns.
const (
	ConfFieldName      = "conf_name"
	ConfFieldSymbol    = "symbol"
	ConfFieldTimeframe = "timeframe"
	ConfFieldStart     = "start"
)

// Owner columns injected into every private record.
const (
	FieldUserID    = "user_id"
	FieldSubUserID = "sub_user_id"
)
