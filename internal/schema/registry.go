package schema

import "sort"

// Registry holds the static descriptor table for all syncable collections.
type Registry struct {
	byMethod map[Method]*Collection
	byName   map[string]*Collection
}

// NewRegistry builds the full descriptor table. One registry serves the whole
// process; descriptors are never mutated after construction.
func NewRegistry() *Registry {
	colls := []*Collection{
		{
			Name:      "ledgers",
			Method:    MethodLedgers,
			DateField: "mts",
			Sort:      []SortOrder{{Field: "mts", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "mts", Type: TypeInt},
				{Name: "currency", Type: TypeText},
				{Name: "amount", Type: TypeFloat},
				{Name: "amount_usd", Type: TypeFloat},
				{Name: "balance", Type: TypeFloat},
				{Name: "balance_usd", Type: TypeFloat},
				{Name: "native_balance", Type: TypeFloat},
				{Name: "description", Type: TypeText},
				{Name: "wallet", Type: TypeText},
				{Name: "is_margin_funding_payment", Type: TypeBool},
				{Name: "is_affiliate_rebate", Type: TypeBool},
				{Name: "is_staking_payment", Type: TypeBool},
				{Name: "category", Type: TypeText},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  500,
			Kind:         KindInsertableArray,
			UniqueFields: []string{FieldUserID, "id"},
		},
		{
			Name:        "trades",
			Method:      MethodTrades,
			DateField:   "mts_create",
			SymbolField: "symbol",
			Sort:        []SortOrder{{Field: "mts_create", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "symbol", Type: TypeText},
				{Name: "mts_create", Type: TypeInt},
				{Name: "order_id", Type: TypeInt},
				{Name: "exec_amount", Type: TypeFloat},
				{Name: "exec_price", Type: TypeFloat},
				{Name: "order_type", Type: TypeText},
				{Name: "order_price", Type: TypeFloat},
				{Name: "maker", Type: TypeBool},
				{Name: "fee", Type: TypeFloat},
				{Name: "fee_currency", Type: TypeText},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  1000,
			Kind:         KindInsertableArray,
			UniqueFields: []string{FieldUserID, "id"},
		},
		{
			Name:        "orders",
			Method:      MethodOrders,
			DateField:   "mts_update",
			SymbolField: "symbol",
			Sort:        []SortOrder{{Field: "mts_update", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "gid", Type: TypeInt},
				{Name: "cid", Type: TypeInt},
				{Name: "symbol", Type: TypeText},
				{Name: "mts_create", Type: TypeInt},
				{Name: "mts_update", Type: TypeInt},
				{Name: "amount", Type: TypeFloat},
				{Name: "amount_orig", Type: TypeFloat},
				{Name: "order_type", Type: TypeText},
				{Name: "flags", Type: TypeInt},
				{Name: "status", Type: TypeText},
				{Name: "price", Type: TypeFloat},
				{Name: "price_avg", Type: TypeFloat},
				{Name: "meta", Type: TypeJSON},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  500,
			Kind:         KindInsertableArray,
			UniqueFields: []string{FieldUserID, "id"},
		},
		{
			Name:      "movements",
			Method:    MethodMovements,
			DateField: "mts_updated",
			Sort:      []SortOrder{{Field: "mts_updated", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "currency", Type: TypeText},
				{Name: "currency_name", Type: TypeText},
				{Name: "mts_started", Type: TypeInt},
				{Name: "mts_updated", Type: TypeInt},
				{Name: "status", Type: TypeText},
				{Name: "amount", Type: TypeFloat},
				{Name: "amount_usd", Type: TypeFloat},
				{Name: "fees", Type: TypeFloat},
				{Name: "destination_address", Type: TypeText},
				{Name: "transaction_id", Type: TypeText},
				{Name: "note", Type: TypeText},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  25,
			Kind:         KindInsertableArray,
			UniqueFields: []string{FieldUserID, "id"},
		},
		{
			Name:        "positions_history",
			Method:      MethodPositionsHistory,
			DateField:   "mts_update",
			SymbolField: "symbol",
			Sort:        []SortOrder{{Field: "mts_update", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "symbol", Type: TypeText},
				{Name: "status", Type: TypeText},
				{Name: "amount", Type: TypeFloat},
				{Name: "base_price", Type: TypeFloat},
				{Name: "close_price", Type: TypeFloat},
				{Name: "pl", Type: TypeFloat},
				{Name: "pl_perc", Type: TypeFloat},
				{Name: "liquidation_price", Type: TypeFloat},
				{Name: "leverage", Type: TypeFloat},
				{Name: "mts_create", Type: TypeInt},
				{Name: "mts_update", Type: TypeInt},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  100,
			Kind:         KindInsertableArray,
			UniqueFields: []string{FieldUserID, "id"},
		},
		{
			Name:        "funding_offer_history",
			Method:      MethodFundingOfferHistory,
			DateField:   "mts_update",
			SymbolField: "symbol",
			Sort:        []SortOrder{{Field: "mts_update", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "symbol", Type: TypeText},
				{Name: "mts_create", Type: TypeInt},
				{Name: "mts_update", Type: TypeInt},
				{Name: "amount", Type: TypeFloat},
				{Name: "amount_orig", Type: TypeFloat},
				{Name: "offer_type", Type: TypeText},
				{Name: "flags", Type: TypeInt},
				{Name: "status", Type: TypeText},
				{Name: "rate", Type: TypeFloat},
				{Name: "period", Type: TypeInt},
				{Name: "renew", Type: TypeBool},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  500,
			Kind:         KindInsertableArray,
			UniqueFields: []string{FieldUserID, "id"},
		},
		{
			Name:      "wallets",
			Method:    MethodWallets,
			DateField: "mts_update",
			Sort:      []SortOrder{{Field: "mts_update", Dir: Desc}},
			Model: Model{
				{Name: "wallet_type", Type: TypeText},
				{Name: "currency", Type: TypeText},
				{Name: "balance", Type: TypeFloat},
				{Name: "balance_usd", Type: TypeFloat},
				{Name: "unsettled_interest", Type: TypeFloat},
				{Name: "mts_update", Type: TypeInt},
				{Name: FieldUserID, Type: TypeInt},
				{Name: FieldSubUserID, Type: TypeInt},
			},
			MaxPageSize:  100,
			Kind:         KindUpdatableArray,
			UniqueFields: []string{FieldUserID, "wallet_type", "currency"},
		},
		{
			Name:        "public_trades",
			Method:      MethodPublicTrades,
			DateField:   "mts",
			SymbolField: "symbol",
			Sort:        []SortOrder{{Field: "mts", Dir: Desc}},
			Model: Model{
				{Name: "id", Type: TypeInt},
				{Name: "mts", Type: TypeInt},
				{Name: "amount", Type: TypeFloat},
				{Name: "price", Type: TypeFloat},
				{Name: "symbol", Type: TypeText},
			},
			MaxPageSize:  5000,
			IsPublic:     true,
			Kind:         KindInsertableArray,
			UniqueFields: []string{"symbol", "id"},
			ConfName:     "publicTradesConf",
		},
		{
			Name:        "tickers_history",
			Method:      MethodTickersHistory,
			DateField:   "mts_update",
			SymbolField: "symbol",
			Sort:        []SortOrder{{Field: "mts_update", Dir: Desc}},
			Model: Model{
				{Name: "symbol", Type: TypeText},
				{Name: "bid", Type: TypeFloat},
				{Name: "ask", Type: TypeFloat},
				{Name: "mts_update", Type: TypeInt},
			},
			MaxPageSize:  250,
			IsPublic:     true,
			Kind:         KindInsertableArray,
			UniqueFields: []string{"symbol", "mts_update"},
			ConfName:     "tickersHistoryConf",
		},
		{
			Name:           "candles",
			Method:         MethodCandles,
			DateField:      "mts",
			SymbolField:    "symbol",
			TimeframeField: "timeframe",
			Sort:           []SortOrder{{Field: "mts", Dir: Desc}},
			Model: Model{
				{Name: "mts", Type: TypeInt},
				{Name: "open", Type: TypeFloat},
				{Name: "close", Type: TypeFloat},
				{Name: "high", Type: TypeFloat},
				{Name: "low", Type: TypeFloat},
				{Name: "volume", Type: TypeFloat},
				{Name: "symbol", Type: TypeText},
				{Name: "timeframe", Type: TypeText},
			},
			MaxPageSize:  500,
			IsPublic:     true,
			Kind:         KindInsertableArray,
			UniqueFields: []string{"symbol", "timeframe", "mts"},
			ConfName:     "candlesConf",
		},
		{
			Name:      "status_messages",
			Method:    MethodStatusMessages,
			DateField: "timestamp",
			Sort:      []SortOrder{{Field: "timestamp", Dir: Desc}},
			Model: Model{
				{Name: "key", Type: TypeText},
				{Name: "timestamp", Type: TypeInt},
				{Name: "price", Type: TypeFloat},
				{Name: "price_spot", Type: TypeFloat},
				{Name: "fund_bal", Type: TypeFloat},
				{Name: "funding_accrued", Type: TypeFloat},
				{Name: "funding_step", Type: TypeFloat},
				{Name: "status_type", Type: TypeText},
			},
			MaxPageSize:  5000,
			IsPublic:     true,
			Kind:         KindUpdatableArray,
			UniqueFields: []string{"key", "status_type"},
		},
	}

	byMethod := make(map[Method]*Collection, len(colls))
	byName := make(map[string]*Collection, len(colls))
	for _, c := range colls {
		byMethod[c.Method] = c
		byName[c.Name] = c
	}

	return &Registry{byMethod: byMethod, byName: byName}
}

// MethodCollMap returns a fresh map from method to descriptor. Callers may
// add or remove entries in the returned map without affecting the registry.
func (r *Registry) MethodCollMap() map[Method]*Collection {
	m := make(map[Method]*Collection, len(r.byMethod))
	for k, v := range r.byMethod {
		m[k] = v
	}
	return m
}

// ModelsMap returns a fresh map from collection name to field model.
func (r *Registry) ModelsMap() map[string]Model {
	m := make(map[string]Model, len(r.byName))
	for k, v := range r.byName {
		m[k] = v.Model
	}
	return m
}

// Collection looks up a descriptor by collection name.
func (r *Registry) Collection(name string) (*Collection, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// ByMethod looks up a descriptor by API method.
func (r *Registry) ByMethod(method Method) (*Collection, bool) {
	c, ok := r.byMethod[method]
	return c, ok
}

// Methods returns all methods in deterministic (name-sorted) order. Sync runs
// iterate collections in this order so logs and progress are reproducible.
func (r *Registry) Methods() []Method {
	methods := make([]Method, 0, len(r.byMethod))
	for m := range r.byMethod {
		methods = append(methods, m)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}
