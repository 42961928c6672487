//go:build cgo

package storage

// DuckDB driver registration; the go-duckdb bindings only compile with cgo.
import (
	_ "github.com/marcboeker/go-duckdb/v2"
)
