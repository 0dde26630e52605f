package database

import (
	"time"

	"github.com/uptrace/bun"
)

// Tenant statuses. Only Active and Trial tenants take part in scheduled sweeps.
const (
	TenantStatusActive    = "Active"
	TenantStatusTrial     = "Trial"
	TenantStatusSuspended = "Suspended"
	TenantStatusCancelled = "Cancelled"
)

// PlatformTenantID owns platform-wide settings such as AutoBackupEnabled.
const PlatformTenantID int64 = 0

// SettingAutoBackupEnabled is the database fallback for the scheduler flag.
const SettingAutoBackupEnabled = "AutoBackupEnabled"

type Tenant struct {
	bun.BaseModel `bun:"table:tenants"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	Name          string    `bun:"name,notnull" json:"name"`
	Status        string    `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

type Product struct {
	bun.BaseModel `bun:"table:products"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	Name          string    `bun:"name,notnull" json:"name"`
	SKU           string    `bun:"sku" json:"sku"`
	Price         float64   `bun:"price,notnull" json:"price"`
	Cost          float64   `bun:"cost,notnull" json:"cost"`
	StockQty      float64   `bun:"stock_qty,notnull" json:"stock_qty"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type Customer struct {
	bun.BaseModel `bun:"table:customers"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	Name          string    `bun:"name,notnull" json:"name"`
	Phone         string    `bun:"phone" json:"phone"`
	Email         string    `bun:"email" json:"email"`
	Address       string    `bun:"address" json:"address"`
	Balance       float64   `bun:"balance,notnull" json:"balance"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type Sale struct {
	bun.BaseModel `bun:"table:sales"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	InvoiceNo     string    `bun:"invoice_no,notnull" json:"invoice_no"`
	CustomerID    *int64    `bun:"customer_id" json:"customer_id"`
	SaleDate      time.Time `bun:"sale_date,notnull" json:"sale_date"`
	Total         float64   `bun:"total,notnull" json:"total"`
	Paid          float64   `bun:"paid,notnull" json:"paid"`
	Status        string    `bun:"status" json:"status"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type SaleItem struct {
	bun.BaseModel `bun:"table:sale_items"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	SaleID        int64     `bun:"sale_id,notnull" json:"sale_id"`
	ProductID     *int64    `bun:"product_id" json:"product_id"`
	Quantity      float64   `bun:"quantity,notnull" json:"quantity"`
	UnitPrice     float64   `bun:"unit_price,notnull" json:"unit_price"`
	LineTotal     float64   `bun:"line_total,notnull" json:"line_total"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type Payment struct {
	bun.BaseModel `bun:"table:payments"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	CustomerID    *int64    `bun:"customer_id" json:"customer_id"`
	SaleID        *int64    `bun:"sale_id" json:"sale_id"`
	Amount        float64   `bun:"amount,notnull" json:"amount"`
	Method        string    `bun:"method" json:"method"`
	PaidAt        time.Time `bun:"paid_at,notnull" json:"paid_at"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type Expense struct {
	bun.BaseModel `bun:"table:expenses"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	Category      string    `bun:"category" json:"category"`
	Description   string    `bun:"description" json:"description"`
	Amount        float64   `bun:"amount,notnull" json:"amount"`
	SpentAt       time.Time `bun:"spent_at,notnull" json:"spent_at"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type InventoryMovement struct {
	bun.BaseModel `bun:"table:inventory_movements"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	ProductID     int64     `bun:"product_id,notnull" json:"product_id"`
	Quantity      float64   `bun:"quantity,notnull" json:"quantity"`
	Kind          string    `bun:"kind,notnull" json:"kind"`
	Reference     string    `bun:"reference" json:"reference"`
	MovedAt       time.Time `bun:"moved_at,notnull" json:"moved_at"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type SalesReturn struct {
	bun.BaseModel `bun:"table:sales_returns"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	SaleID        int64     `bun:"sale_id,notnull" json:"sale_id"`
	ProductID     *int64    `bun:"product_id" json:"product_id"`
	Quantity      float64   `bun:"quantity,notnull" json:"quantity"`
	Amount        float64   `bun:"amount,notnull" json:"amount"`
	Reason        string    `bun:"reason" json:"reason"`
	ReturnedAt    time.Time `bun:"returned_at,notnull" json:"returned_at"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type Purchase struct {
	bun.BaseModel `bun:"table:purchases"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	Supplier      string    `bun:"supplier" json:"supplier"`
	ProductID     *int64    `bun:"product_id" json:"product_id"`
	Quantity      float64   `bun:"quantity,notnull" json:"quantity"`
	UnitCost      float64   `bun:"unit_cost,notnull" json:"unit_cost"`
	Total         float64   `bun:"total,notnull" json:"total"`
	PurchasedAt   time.Time `bun:"purchased_at,notnull" json:"purchased_at"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// User is never exported with credential material; see RedactedUser.
type User struct {
	bun.BaseModel `bun:"table:users"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	TenantID      int64     `bun:"tenant_id,notnull" json:"tenant_id"`
	Username      string    `bun:"username,notnull" json:"username"`
	Email         string    `bun:"email" json:"email"`
	Role          string    `bun:"role" json:"role"`
	PasswordHash  string    `bun:"password_hash" json:"-"`
	IsActive      bool      `bun:"is_active,notnull" json:"is_active"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// RedactedUser is the archived projection of a user.
type RedactedUser struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Redact strips credential material.
func (u User) Redact() RedactedUser {
	return RedactedUser{
		ID:        u.ID,
		TenantID:  u.TenantID,
		Username:  u.Username,
		Email:     u.Email,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

type Setting struct {
	bun.BaseModel `bun:"table:settings"`
	ID            int64     `bun:"id,pk,autoincrement" json:"-"`
	TenantID      int64     `bun:"tenant_id,notnull,unique:settings_tenant_key" json:"tenant_id"`
	Key           string    `bun:"setting_key,notnull,unique:settings_tenant_key" json:"key"`
	Value         string    `bun:"setting_value" json:"value"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

type AuditLog struct {
	bun.BaseModel `bun:"table:audit_logs"`
	ID            int64     `bun:"id,pk,autoincrement"`
	TenantID      int64     `bun:"tenant_id,notnull"`
	Actor         string    `bun:"actor"`
	Action        string    `bun:"action,notnull"`
	Details       string    `bun:"details"`
	Success       bool      `bun:"success,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// AllModels lists every table in creation order.
func AllModels() []interface{} {
	return []interface{}{
		(*Tenant)(nil),
		(*Product)(nil),
		(*Customer)(nil),
		(*Sale)(nil),
		(*SaleItem)(nil),
		(*Payment)(nil),
		(*Expense)(nil),
		(*InventoryMovement)(nil),
		(*SalesReturn)(nil),
		(*Purchase)(nil),
		(*User)(nil),
		(*Setting)(nil),
		(*AuditLog)(nil),
	}
}
