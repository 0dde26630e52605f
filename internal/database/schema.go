package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/uptrace/bun"
)

// tenantIndexed lists the tables that get a tenant_id index.
var tenantIndexed = []struct {
	model interface{}
	table string
}{
	{(*Product)(nil), "products"},
	{(*Customer)(nil), "customers"},
	{(*Sale)(nil), "sales"},
	{(*SaleItem)(nil), "sale_items"},
	{(*Payment)(nil), "payments"},
	{(*Expense)(nil), "expenses"},
	{(*InventoryMovement)(nil), "inventory_movements"},
	{(*SalesReturn)(nil), "sales_returns"},
	{(*Purchase)(nil), "purchases"},
	{(*User)(nil), "users"},
	{(*AuditLog)(nil), "audit_logs"},
}

// Migrate creates every table and index that does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	return s.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		return CreateSchema(ctx, idb, s.driver)
	})
}

// CreateSchema creates tables and tenant indexes on idb.
func CreateSchema(ctx context.Context, idb bun.IDB, driver string) error {
	for _, model := range AllModels() {
		if _, err := idb.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", model, err)
		}
	}

	for _, t := range tenantIndexed {
		q := idb.NewCreateIndex().
			Model(t.model).
			Index(fmt.Sprintf("idx_%s_tenant", t.table)).
			Column("tenant_id")
		if driver != DriverMySQL {
			q = q.IfNotExists()
		}
		if _, err := q.Exec(ctx); err != nil && !isDuplicateIndex(err) {
			return fmt.Errorf("failed to create tenant index on %s: %w", t.table, err)
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1061
	}
	return strings.Contains(err.Error(), "already exists")
}

// ResyncSequences moves postgres serial sequences past the highest id after
// rows were inserted with explicit ids. Other drivers need nothing.
func ResyncSequences(ctx context.Context, idb bun.IDB, driver string, tables []string) error {
	if driver != DriverPostgres {
		return nil
	}
	for _, table := range tables {
		q := fmt.Sprintf(
			"SELECT setval(pg_get_serial_sequence('%s', 'id'), COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)",
			table, table)
		if _, err := idb.NewRaw(q).Exec(ctx); err != nil {
			return fmt.Errorf("failed to resync sequence for %s: %w", table, err)
		}
	}
	return nil
}
