package storage

import (
	"fmt"
	"strings"

	"acctsync/internal/schema"
)

// serviceModels describes the tables the sync core maintains itself: resolved
// users, sub-account links, first-full-sync markers and the public
// collections configuration.
var serviceModels = map[string]schema.Model{
	schema.TableUsers: {
		{Name: "id", Type: schema.TypeInt},
		{Name: "email", Type: schema.TypeText},
		{Name: "api_key", Type: schema.TypeText},
		{Name: "api_secret", Type: schema.TypeText},
		{Name: "is_sub_account", Type: schema.TypeBool},
		{Name: "active", Type: schema.TypeBool},
	},
	schema.TableSubUsers: {
		{Name: "id", Type: schema.TypeInt},
		{Name: "master_user_id", Type: schema.TypeInt},
		{Name: "email", Type: schema.TypeText},
		{Name: "api_key", Type: schema.TypeText},
		{Name: "api_secret", Type: schema.TypeText},
	},
	schema.TableCompletedOnFirstSyncColl: {
		{Name: schema.FieldUserID, Type: schema.TypeInt},
		{Name: "coll_name", Type: schema.TypeText},
	},
	schema.TablePublicCollsConf: {
		{Name: schema.ConfFieldName, Type: schema.TypeText},
		{Name: schema.FieldUserID, Type: schema.TypeInt},
		{Name: schema.ConfFieldSymbol, Type: schema.TypeText},
		{Name: schema.ConfFieldTimeframe, Type: schema.TypeText},
		{Name: schema.ConfFieldStart, Type: schema.TypeInt},
	},
}

// migrationStatements renders the DDL for every collection in the registry
// plus the service tables. All statements are idempotent.
func migrationStatements(registry *schema.Registry) []string {
	var stmts []string

	for _, method := range registry.Methods() {
		coll, _ := registry.ByMethod(method)
		stmts = append(stmts, createTableStatement(coll.Name, coll.Model))
		stmts = append(stmts, createIndexStatement(coll.Name, coll.UniqueFields))
		if coll.DateField != "" {
			stmts = append(stmts, createIndexStatement(coll.Name, []string{coll.DateField}))
		}
	}

	stmts = append(stmts,
		createTableStatement(schema.TableUsers, serviceModels[schema.TableUsers]),
		createIndexStatement(schema.TableUsers, []string{"api_key"}),
		createTableStatement(schema.TableSubUsers, serviceModels[schema.TableSubUsers]),
		createIndexStatement(schema.TableSubUsers, []string{"master_user_id"}),
		createTableStatement(schema.TableCompletedOnFirstSyncColl, serviceModels[schema.TableCompletedOnFirstSyncColl]),
		createIndexStatement(schema.TableCompletedOnFirstSyncColl, []string{schema.FieldUserID, "coll_name"}),
		createTableStatement(schema.TablePublicCollsConf, serviceModels[schema.TablePublicCollsConf]),
		createIndexStatement(schema.TablePublicCollsConf, []string{schema.ConfFieldName, schema.ConfFieldSymbol}),
	)

	return stmts
}

func createTableStatement(table string, model schema.Model) string {
	cols := make([]string, len(model))
	for i, f := range model {
		cols[i] = fmt.Sprintf("%s %s", quoteIdent(f.Name), sqlType(f.Type))
	}
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		quoteIdent(table), strings.Join(cols, ",\n\t"),
	)
}

func createIndexStatement(table string, fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteIdent(f)
	}
	name := fmt.Sprintf("idx_%s_%s", table, strings.Join(fields, "_"))
	return fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quoteIdent(name), quoteIdent(table), strings.Join(quoted, ", "),
	)
}

// sqlType maps a model field type to a column type accepted by both SQLite
// and DuckDB.
func sqlType(t schema.FieldType) string {
	switch t {
	case schema.TypeInt, schema.TypeBool:
		return "BIGINT"
	case schema.TypeFloat:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}
