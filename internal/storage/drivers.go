package storage

// Driver registration for the selectable SQL backends. SQLite is the primary
// store; DuckDB serves analytical deployments that query the synced data
// heavily. The DuckDB driver requires cgo and is registered in
// drivers_cgo.go.
import (
	_ "modernc.org/sqlite"
)

// Supported driver names for NewSQLStore.
const (
	DriverSQLite = "sqlite"
	DriverDuckDB = "duckdb"
)
