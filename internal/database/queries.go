package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// ActiveTenants returns tenants eligible for scheduled backups, ordered by id.
func ActiveTenants(ctx context.Context, idb bun.IDB) ([]Tenant, error) {
	var tenants []Tenant
	err := idb.NewSelect().
		Model(&tenants).
		Where("status IN (?)", bun.In([]string{TenantStatusActive, TenantStatusTrial})).
		OrderExpr("id ASC").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tenants, err
}

// CreateTenant inserts a tenant and populates its id.
func CreateTenant(ctx context.Context, idb bun.IDB, tenant *Tenant) error {
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}
	_, err := idb.NewInsert().Model(tenant).Exec(ctx)
	return err
}

// GetSetting returns a tenant setting and whether it exists.
func GetSetting(ctx context.Context, idb bun.IDB, tenantID int64, key string) (string, bool, error) {
	var setting Setting
	err := idb.NewSelect().
		Model(&setting).
		Where("tenant_id = ?", tenantID).
		Where("setting_key = ?", key).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}

// SetSetting inserts or updates a tenant setting.
func SetSetting(ctx context.Context, idb bun.IDB, tenantID int64, key, value string) error {
	now := time.Now().UTC()
	res, err := idb.NewUpdate().
		Model((*Setting)(nil)).
		Set("setting_value = ?", value).
		Set("updated_at = ?", now).
		Where("tenant_id = ?", tenantID).
		Where("setting_key = ?", key).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = idb.NewInsert().Model(&Setting{
		TenantID:  tenantID,
		Key:       key,
		Value:     value,
		UpdatedAt: now,
	}).Exec(ctx)
	return err
}

// TenantSettings returns every setting owned by the tenant.
func TenantSettings(ctx context.Context, idb bun.IDB, tenantID int64) ([]Setting, error) {
	var settings []Setting
	err := idb.NewSelect().
		Model(&settings).
		Where("tenant_id = ?", tenantID).
		OrderExpr("setting_key ASC").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return settings, err
}

// TenantUsers returns the tenant's users.
func TenantUsers(ctx context.Context, idb bun.IDB, tenantID int64) ([]User, error) {
	var users []User
	err := idb.NewSelect().
		Model(&users).
		Where("tenant_id = ?", tenantID).
		OrderExpr("id ASC").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return users, err
}

// CountUsers counts the tenant's users.
func CountUsers(ctx context.Context, idb bun.IDB, tenantID int64) (int, error) {
	return idb.NewSelect().Model((*User)(nil)).Where("tenant_id = ?", tenantID).Count(ctx)
}

// InvoiceNumbers returns the tenant's sale invoice numbers.
func InvoiceNumbers(ctx context.Context, idb bun.IDB, tenantID int64) ([]string, error) {
	var numbers []string
	err := idb.NewSelect().
		Model((*Sale)(nil)).
		Column("invoice_no").
		Where("tenant_id = ?", tenantID).
		Scan(ctx, &numbers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return numbers, err
}

// SharedInvoiceNumbers returns the tenant's invoice numbers that another
// tenant also uses. Their documents in the shared invoices directory cannot
// be attributed to a single tenant.
func SharedInvoiceNumbers(ctx context.Context, idb bun.IDB, tenantID int64) ([]string, error) {
	var numbers []string
	others := idb.NewSelect().
		Table("sales").
		Column("invoice_no").
		Where("tenant_id <> ?", tenantID)
	err := idb.NewSelect().
		Table("sales").
		ColumnExpr("DISTINCT invoice_no").
		Where("tenant_id = ?", tenantID).
		Where("invoice_no IN (?)", others).
		Scan(ctx, &numbers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return numbers, err
}

// CustomerIDs returns the ids of the tenant's customers.
func CustomerIDs(ctx context.Context, idb bun.IDB, tenantID int64) ([]int64, error) {
	var ids []int64
	err := idb.NewSelect().
		Model((*Customer)(nil)).
		Column("id").
		Where("tenant_id = ?", tenantID).
		Scan(ctx, &ids)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ids, err
}

// SalesInRange returns the tenant's sales with from <= sale_date < to.
func SalesInRange(ctx context.Context, idb bun.IDB, tenantID int64, from, to time.Time) ([]Sale, error) {
	var sales []Sale
	err := idb.NewSelect().
		Model(&sales).
		Where("tenant_id = ?", tenantID).
		Where("sale_date >= ?", from).
		Where("sale_date < ?", to).
		OrderExpr("sale_date ASC, id ASC").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sales, err
}

// RecalculateCustomerBalances sets each customer's balance to
// sales total minus payments minus returns, within the tenant.
func RecalculateCustomerBalances(ctx context.Context, idb bun.IDB, tenantID int64) error {
	_, err := idb.NewRaw(`UPDATE customers SET balance =
		COALESCE((SELECT SUM(s.total) FROM sales s WHERE s.customer_id = customers.id AND s.tenant_id = ?), 0)
		- COALESCE((SELECT SUM(p.amount) FROM payments p WHERE p.customer_id = customers.id AND p.tenant_id = ?), 0)
		- COALESCE((SELECT SUM(r.amount) FROM sales_returns r JOIN sales s2 ON s2.id = r.sale_id
			WHERE s2.customer_id = customers.id AND r.tenant_id = ?), 0)
		WHERE tenant_id = ?`, tenantID, tenantID, tenantID, tenantID).Exec(ctx)
	return err
}

// InsertAuditLog appends an audit record.
func InsertAuditLog(ctx context.Context, idb bun.IDB, entry *AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := idb.NewInsert().Model(entry).Exec(ctx)
	return err
}

// RecentAuditLogs returns the latest audit records for a tenant.
func RecentAuditLogs(ctx context.Context, idb bun.IDB, tenantID int64, limit int) ([]AuditLog, error) {
	var logs []AuditLog
	err := idb.NewSelect().
		Model(&logs).
		Where("tenant_id = ?", tenantID).
		OrderExpr("id DESC").
		Limit(limit).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return logs, err
}
