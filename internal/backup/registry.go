package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"tenant-backup/internal/database"

	"github.com/uptrace/bun"
)

// Entity is one tenant-scoped business table known to the archiver and the
// restore engine.
type Entity interface {
	Kind() string
	Table() string
	CSVName() string
	Count(ctx context.Context, idb bun.IDB, tenantID int64) (int, error)
	Export(ctx context.Context, idb bun.IDB, tenantID int64) (json.RawMessage, int, error)
	ExportAll(ctx context.Context, idb bun.IDB) (json.RawMessage, error)
	WriteCSV(ctx context.Context, idb bun.IDB, tenantID int64, w io.Writer) (int, error)
	Apply(ctx context.Context, ap *applier, raw json.RawMessage, res Resolution) (EntityStats, error)
	Inspect(ctx context.Context, idb bun.IDB, tenantID int64, raw json.RawMessage) (int, []ImportConflict, error)
}

// Registry maps entity kinds to implementations. Order is foreign-key order:
// referenced kinds come before the kinds referencing them.
type Registry struct {
	entities []Entity
	byKind   map[string]Entity
}

// NewRegistry creates a registry from entities in dependency order
func NewRegistry(entities ...Entity) *Registry {
	r := &Registry{byKind: make(map[string]Entity, len(entities))}
	for _, e := range entities {
		if _, dup := r.byKind[e.Kind()]; dup {
			panic(fmt.Sprintf("backup: entity %s registered twice", e.Kind()))
		}
		r.entities = append(r.entities, e)
		r.byKind[e.Kind()] = e
	}
	return r
}

// All returns the entities in dependency order
func (r *Registry) All() []Entity {
	return r.entities
}

// Lookup finds an entity by kind
func (r *Registry) Lookup(kind string) (Entity, bool) {
	e, ok := r.byKind[kind]
	return e, ok
}

// Kinds lists registered kinds in order
func (r *Registry) Kinds() []string {
	kinds := make([]string, len(r.entities))
	for i, e := range r.entities {
		kinds[i] = e.Kind()
	}
	return kinds
}

// ImportKinds lists every kind a resolution can name: the default
// registry's entities followed by Settings and Files.
func ImportKinds() []string {
	return append(DefaultRegistry().Kinds(), SettingsKind, FilesKind)
}

// DefaultRegistry describes the business tables of the live database
func DefaultRegistry() *Registry {
	return NewRegistry(
		&entity[database.Product]{
			kind: "Products", table: "products", csv: "products.csv",
			id:     func(r *database.Product) *int64 { return &r.ID },
			tenant: func(r *database.Product) *int64 { return &r.TenantID },
			stamp:  func(r *database.Product) time.Time { return r.UpdatedAt },
		},
		&entity[database.Customer]{
			kind: "Customers", table: "customers", csv: "customers.csv",
			id:     func(r *database.Customer) *int64 { return &r.ID },
			tenant: func(r *database.Customer) *int64 { return &r.TenantID },
			stamp:  func(r *database.Customer) time.Time { return r.UpdatedAt },
		},
		&entity[database.Sale]{
			kind: "Sales", table: "sales", csv: "sales.csv",
			id:     func(r *database.Sale) *int64 { return &r.ID },
			tenant: func(r *database.Sale) *int64 { return &r.TenantID },
			stamp:  func(r *database.Sale) time.Time { return r.UpdatedAt },
			refs: []ref[database.Sale]{
				{kind: "Customers", get: func(r *database.Sale) *int64 { return r.CustomerID }, clear: func(r *database.Sale) { r.CustomerID = nil }},
			},
		},
		&entity[database.SaleItem]{
			kind: "SaleItems", table: "sale_items", csv: "sale_items.csv",
			id:     func(r *database.SaleItem) *int64 { return &r.ID },
			tenant: func(r *database.SaleItem) *int64 { return &r.TenantID },
			stamp:  func(r *database.SaleItem) time.Time { return r.UpdatedAt },
			refs: []ref[database.SaleItem]{
				{kind: "Sales", get: func(r *database.SaleItem) *int64 { return &r.SaleID }},
				{kind: "Products", get: func(r *database.SaleItem) *int64 { return r.ProductID }, clear: func(r *database.SaleItem) { r.ProductID = nil }},
			},
		},
		&entity[database.Payment]{
			kind: "Payments", table: "payments", csv: "payments.csv",
			id:     func(r *database.Payment) *int64 { return &r.ID },
			tenant: func(r *database.Payment) *int64 { return &r.TenantID },
			stamp:  func(r *database.Payment) time.Time { return r.UpdatedAt },
			refs: []ref[database.Payment]{
				{kind: "Customers", get: func(r *database.Payment) *int64 { return r.CustomerID }, clear: func(r *database.Payment) { r.CustomerID = nil }},
				{kind: "Sales", get: func(r *database.Payment) *int64 { return r.SaleID }, clear: func(r *database.Payment) { r.SaleID = nil }},
			},
		},
		&entity[database.Expense]{
			kind: "Expenses", table: "expenses", csv: "expenses.csv",
			id:     func(r *database.Expense) *int64 { return &r.ID },
			tenant: func(r *database.Expense) *int64 { return &r.TenantID },
			stamp:  func(r *database.Expense) time.Time { return r.UpdatedAt },
		},
		&entity[database.InventoryMovement]{
			kind: "InventoryMovements", table: "inventory_movements", csv: "inventory_movements.csv",
			id:     func(r *database.InventoryMovement) *int64 { return &r.ID },
			tenant: func(r *database.InventoryMovement) *int64 { return &r.TenantID },
			stamp:  func(r *database.InventoryMovement) time.Time { return r.UpdatedAt },
			refs: []ref[database.InventoryMovement]{
				{kind: "Products", get: func(r *database.InventoryMovement) *int64 { return &r.ProductID }},
			},
		},
		&entity[database.SalesReturn]{
			kind: "SalesReturns", table: "sales_returns", csv: "sales_returns.csv",
			id:     func(r *database.SalesReturn) *int64 { return &r.ID },
			tenant: func(r *database.SalesReturn) *int64 { return &r.TenantID },
			stamp:  func(r *database.SalesReturn) time.Time { return r.UpdatedAt },
			refs: []ref[database.SalesReturn]{
				{kind: "Sales", get: func(r *database.SalesReturn) *int64 { return &r.SaleID }},
				{kind: "Products", get: func(r *database.SalesReturn) *int64 { return r.ProductID }, clear: func(r *database.SalesReturn) { r.ProductID = nil }},
			},
		},
		&entity[database.Purchase]{
			kind: "Purchases", table: "purchases", csv: "purchases.csv",
			id:     func(r *database.Purchase) *int64 { return &r.ID },
			tenant: func(r *database.Purchase) *int64 { return &r.TenantID },
			stamp:  func(r *database.Purchase) time.Time { return r.UpdatedAt },
			refs: []ref[database.Purchase]{
				{kind: "Products", get: func(r *database.Purchase) *int64 { return r.ProductID }, clear: func(r *database.Purchase) { r.ProductID = nil }},
			},
		},
	)
}

// ref is a foreign key to another entity kind. clear is nil for required keys.
type ref[T any] struct {
	kind  string
	get   func(*T) *int64
	clear func(*T)
}

// entity implements Entity over a bun model
type entity[T any] struct {
	kind   string
	table  string
	csv    string
	id     func(*T) *int64
	tenant func(*T) *int64
	stamp  func(*T) time.Time
	refs   []ref[T]
}

func (e *entity[T]) Kind() string    { return e.kind }
func (e *entity[T]) Table() string   { return e.table }
func (e *entity[T]) CSVName() string { return e.csv }

func (e *entity[T]) Count(ctx context.Context, idb bun.IDB, tenantID int64) (int, error) {
	return idb.NewSelect().Model((*T)(nil)).Where("tenant_id = ?", tenantID).Count(ctx)
}

func (e *entity[T]) rows(ctx context.Context, idb bun.IDB, tenantID *int64) ([]T, error) {
	rows := make([]T, 0)
	q := idb.NewSelect().Model(&rows).OrderExpr("id ASC")
	if tenantID != nil {
		q = q.Where("tenant_id = ?", *tenantID)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read %s: %w", e.table, err)
	}
	return rows, nil
}

func (e *entity[T]) Export(ctx context.Context, idb bun.IDB, tenantID int64) (json.RawMessage, int, error) {
	rows, err := e.rows(ctx, idb, &tenantID)
	if err != nil {
		return nil, 0, err
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode %s: %w", e.kind, err)
	}
	return data, len(rows), nil
}

func (e *entity[T]) ExportAll(ctx context.Context, idb bun.IDB) (json.RawMessage, error) {
	rows, err := e.rows(ctx, idb, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rows)
}

func (e *entity[T]) WriteCSV(ctx context.Context, idb bun.IDB, tenantID int64, w io.Writer) (int, error) {
	rows, err := e.rows(ctx, idb, &tenantID)
	if err != nil {
		return 0, err
	}
	if err := writeCSV(w, rows); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", e.csv, err)
	}
	return len(rows), nil
}

func (e *entity[T]) decode(raw json.RawMessage) ([]T, error) {
	var rows []T
	if len(raw) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, NewInvalidFormatError(fmt.Sprintf("malformed %s rows", e.kind), err)
	}
	return rows, nil
}

// Apply upserts rows into the target tenant. Every row's own tenant id is
// checked; rows owned by another tenant are skipped regardless of what the
// manifest claims.
func (e *entity[T]) Apply(ctx context.Context, ap *applier, raw json.RawMessage, res Resolution) (EntityStats, error) {
	var stats EntityStats
	rows, err := e.decode(raw)
	if err != nil {
		return stats, err
	}

	for i := range rows {
		row := &rows[i]
		oldID := *e.id(row)

		if owner := *e.tenant(row); owner != ap.tenantID {
			stats.Skipped++
			ap.warnf("%s id %d belongs to tenant %d, skipped", e.kind, oldID, owner)
			continue
		}

		if res == ResolutionSkip {
			stats.Skipped++
			if owned, err := ap.owns(ctx, e.table, oldID); err != nil {
				return stats, err
			} else if owned {
				ap.ids.Set(e.kind, oldID, oldID)
			}
			continue
		}

		keep, err := e.remap(ctx, ap, row)
		if err != nil {
			return stats, err
		}
		if !keep {
			stats.Skipped++
			continue
		}

		if res == ResolutionCreateNew || oldID <= 0 {
			if err := e.insertFresh(ctx, ap, row, oldID); err != nil {
				return stats, err
			}
			stats.Imported++
			continue
		}

		existing := new(T)
		err = ap.tx.NewSelect().Model(existing).Where("id = ?", oldID).Limit(1).Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := ap.tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return stats, fmt.Errorf("failed to insert %s id %d: %w", e.kind, oldID, err)
			}
			ap.inserted(e.table, oldID)
			ap.explicitIDs[e.table] = true
			ap.ids.Set(e.kind, oldID, oldID)
			stats.Imported++

		case err != nil:
			return stats, fmt.Errorf("failed to look up %s id %d: %w", e.kind, oldID, err)

		case *e.tenant(existing) != ap.tenantID:
			// id is taken by another tenant; never touch that row
			if err := e.insertFresh(ctx, ap, row, oldID); err != nil {
				return stats, err
			}
			stats.Imported++

		default:
			ap.ids.Set(e.kind, oldID, oldID)
			if res == ResolutionMerge && !e.stamp(row).After(e.stamp(existing)) {
				stats.Skipped++
				continue
			}
			if _, err := ap.tx.NewUpdate().Model(row).WherePK().Where("tenant_id = ?", ap.tenantID).Exec(ctx); err != nil {
				return stats, fmt.Errorf("failed to update %s id %d: %w", e.kind, oldID, err)
			}
			stats.Updated++
		}
	}
	return stats, nil
}

func (e *entity[T]) insertFresh(ctx context.Context, ap *applier, row *T, oldID int64) error {
	*e.id(row) = 0
	if _, err := ap.tx.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert %s (archived id %d): %w", e.kind, oldID, err)
	}
	newID := *e.id(row)
	ap.inserted(e.table, newID)
	if oldID > 0 {
		ap.ids.Set(e.kind, oldID, newID)
	}
	return nil
}

// remap rewrites foreign keys through the id map and checks that every
// referenced row is owned by the target tenant. Dangling optional keys are
// cleared; a dangling required key drops the row.
func (e *entity[T]) remap(ctx context.Context, ap *applier, row *T) (bool, error) {
	for _, r := range e.refs {
		p := r.get(row)
		if p == nil {
			continue
		}
		if newID, ok := ap.ids.Lookup(r.kind, *p); ok {
			*p = newID
		}
		target, ok := ap.registry.Lookup(r.kind)
		if !ok {
			continue
		}
		owned, err := ap.owns(ctx, target.Table(), *p)
		if err != nil {
			return false, err
		}
		if owned {
			continue
		}
		if r.clear != nil {
			ap.warnf("%s id %d references missing %s id %d, reference cleared", e.kind, *e.id(row), r.kind, *p)
			r.clear(row)
			continue
		}
		ap.warnf("%s id %d references missing %s id %d, skipped", e.kind, *e.id(row), r.kind, *p)
		return false, nil
	}
	return true, nil
}

type idOwner struct {
	ID       int64 `bun:"id"`
	TenantID int64 `bun:"tenant_id"`
}

// Inspect compares incoming rows with the live tenant without writing.
func (e *entity[T]) Inspect(ctx context.Context, idb bun.IDB, tenantID int64, raw json.RawMessage) (int, []ImportConflict, error) {
	rows, err := e.decode(raw)
	if err != nil {
		return 0, nil, err
	}

	var (
		mismatched int
		ids        []int64
	)
	for i := range rows {
		if *e.tenant(&rows[i]) != tenantID {
			mismatched++
			continue
		}
		if id := *e.id(&rows[i]); id > 0 {
			ids = append(ids, id)
		}
	}

	var duplicate, foreign int
	for start := 0; start < len(ids); start += 500 {
		end := start + 500
		if end > len(ids) {
			end = len(ids)
		}
		var owners []idOwner
		err := idb.NewSelect().
			Model((*T)(nil)).
			Column("id", "tenant_id").
			Where("id IN (?)", bun.In(ids[start:end])).
			Scan(ctx, &owners)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, nil, fmt.Errorf("failed to inspect %s: %w", e.table, err)
		}
		for _, o := range owners {
			if o.TenantID == tenantID {
				duplicate++
			} else {
				foreign++
			}
		}
	}

	existing, err := e.Count(ctx, idb, tenantID)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count %s: %w", e.table, err)
	}

	var conflicts []ImportConflict
	if mismatched > 0 {
		conflicts = append(conflicts, ImportConflict{
			EntityType: e.kind, Kind: ConflictTenantMismatch, Existing: existing, Incoming: len(rows),
			Description: fmt.Sprintf("%d incoming %s rows belong to another tenant and will be skipped", mismatched, e.kind),
		})
	}
	if duplicate > 0 {
		conflicts = append(conflicts, ImportConflict{
			EntityType: e.kind, Kind: ConflictDuplicateID, Existing: existing, Incoming: len(rows),
			Description: fmt.Sprintf("%d incoming %s ids already exist for this tenant", duplicate, e.kind),
		})
	}
	if foreign > 0 {
		conflicts = append(conflicts, ImportConflict{
			EntityType: e.kind, Kind: ConflictForeignOwnership, Existing: existing, Incoming: len(rows),
			Description: fmt.Sprintf("%d incoming %s ids are used by another tenant and will get new ids", foreign, e.kind),
		})
	}
	if existing > 0 && len(rows) > 0 {
		conflicts = append(conflicts, ImportConflict{
			EntityType: e.kind, Kind: ConflictExistingData, Existing: existing, Incoming: len(rows),
			Description: fmt.Sprintf("tenant has %d %s, archive has %d", existing, e.kind, len(rows)),
		})
	}
	return len(rows), conflicts, nil
}
