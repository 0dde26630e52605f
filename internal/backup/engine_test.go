package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/database"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// wipeTenant removes every business row of tenantID
func (e *testEnv) wipeTenant(t *testing.T, tenantID int64) {
	t.Helper()
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		for _, table := range []string{"sale_items", "payments", "sales_returns", "sales", "inventory_movements", "purchases", "expenses", "customers", "products", "settings"} {
			if _, err := idb.NewDelete().TableExpr(table).Where("tenant_id = ?", tenantID).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *testEnv) setting(t *testing.T, tenantID int64, key string) (string, bool) {
	t.Helper()
	var (
		value string
		found bool
	)
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		var err error
		value, found, err = database.GetSetting(ctx, idb, tenantID, key)
		return err
	})
	return value, found
}

const legacyManifest = `{"schema_version":"2.0","backup_date":"2025-11-01T10:00:00Z","app_version":"1.4","database_engine":"sqlite","record_counts":{},"checksums":{}}`

func TestRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	env.seedTenant(t, 8)
	ctx := context.Background()
	writeDocument(t, env.cfg.Storage.FilesRoot, "invoices/INV-7-0002.pdf", "inv")

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)

	env.wipeTenant(t, 7)
	require.NoError(t, os.Remove(filepath.Join(env.cfg.Storage.FilesRoot, "invoices", "INV-7-0002.pdf")))
	require.Zero(t, env.count(t, (*database.Customer)(nil), 7))

	res, err := env.svc.Restore(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Entities["Customers"].Imported)
	assert.Equal(t, 5, res.Entities["Sales"].Imported)
	assert.Equal(t, 1, res.Entities[FilesKind].Imported)

	assert.Equal(t, 3, env.count(t, (*database.Customer)(nil), 7))
	assert.Equal(t, 5, env.count(t, (*database.Sale)(nil), 7))
	assert.Equal(t, 5, env.count(t, (*database.SaleItem)(nil), 7))
	assert.Equal(t, 3, env.count(t, (*database.Customer)(nil), 8), "other tenant untouched")

	balances := map[string]float64{}
	for _, c := range env.customers(t, 7) {
		balances[c.Name] = c.Balance
	}
	assert.Equal(t, map[string]float64{"Customer 1": 160, "Customer 2": 200, "Customer 3": 100}, balances)

	value, found := env.setting(t, 7, "Currency")
	assert.True(t, found)
	assert.Equal(t, "EUR", value)
	_, err = os.Stat(filepath.Join(env.cfg.Storage.FilesRoot, "invoices", "INV-7-0002.pdf"))
	assert.NoError(t, err)

	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
	assert.Equal(t, []string{OpCreate, OpRestore}, env.sinks.actions())

	// sequences continue after restored explicit ids
	c := &database.Customer{TenantID: 7, Name: "fresh"}
	env.insert(t, c)
	assert.Greater(t, c.ID, int64(6))
}

func TestRestoreOverwritesChangedRows(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)

	env.run(t, func(ctx context.Context, idb bun.IDB) error {
		_, err := idb.NewUpdate().Table("customers").Set("name = ?", "Renamed").Where("tenant_id = ?", 7).Exec(ctx)
		return err
	})

	res, err := env.svc.Restore(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities["Customers"].Updated)
	for _, c := range env.customers(t, 7) {
		assert.NotEqual(t, "Renamed", c.Name)
	}
}

func TestRestoreTenantMismatchLeavesDataAlone(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	env.seedTenant(t, 8)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)
	before := env.customers(t, 8)

	_, err = env.svc.Restore(ctx, 8, created.FileName)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeTenantMismatch))
	assert.Equal(t, before, env.customers(t, 8))
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))

	_, err = env.svc.Import(ctx, 8, created.FileName, nil, 1)
	assert.True(t, IsKind(err, BackupErrorTypeTenantMismatch))
	_, err = env.svc.Preview(ctx, 8, created.FileName)
	assert.True(t, IsKind(err, BackupErrorTypeTenantMismatch))
}

func TestRestoreLegacyArchiveFiltersRows(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t, 7, database.TenantStatusActive)
	upload := filepath.Join(env.cfg.Storage.UploadDir, "legacy.zip")
	writeZip(t, upload, map[string]string{
		ManifestPath: legacyManifest,
		DumpPath: strings.Join([]string{
			"-- legacy dump",
			`-- DATA:Customers:[{"id":50,"tenant_id":7,"name":"Mine","created_at":"2025-10-01T00:00:00Z","updated_at":"2025-10-01T00:00:00Z"},{"id":51,"tenant_id":9,"name":"Theirs","created_at":"2025-10-01T00:00:00Z","updated_at":"2025-10-01T00:00:00Z"}]`,
			`-- DATA:Gadgets:[{"id":1}]`,
		}, "\n"),
	})

	res, err := env.svc.Restore(context.Background(), 7, upload)
	require.NoError(t, err)
	assert.Equal(t, EntityStats{Imported: 1, Skipped: 1}, res.Entities["Customers"])

	joined := strings.Join(res.Warnings, "\n")
	assert.Contains(t, joined, "belongs to tenant 9")
	assert.Contains(t, joined, "unknown table Gadgets")

	customers := env.customers(t, 7)
	require.Len(t, customers, 1)
	assert.Equal(t, "Mine", customers[0].Name)
	assert.Zero(t, env.count(t, (*database.Customer)(nil), 9))

	_, err = os.Stat(upload)
	assert.NoError(t, err, "uploaded archives are left for the caller")
}

func TestRestoreRejectsSchemaMismatch(t *testing.T) {
	env := newTestEnv(t)
	upload := filepath.Join(env.cfg.Storage.UploadDir, "old.zip")
	writeZip(t, upload, map[string]string{
		ManifestPath: strings.Replace(legacyManifest, `"2.0"`, `"1.0"`, 1),
		DumpPath:     "",
	})
	_, err := env.svc.Restore(context.Background(), 7, upload)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeSchemaMismatch))
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
}

func TestRestoreRejectsZipSlipBeforeWriting(t *testing.T) {
	env := newTestEnv(t)
	upload := filepath.Join(env.cfg.Storage.UploadDir, "evil.zip")
	writeZip(t, upload, map[string]string{
		ManifestPath:        legacyManifest,
		DumpPath:            "",
		"../../../evil.txt": "x",
	})
	_, err := env.svc.Restore(context.Background(), 7, upload)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
}

func TestRestoreRollsBackOnBadRows(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t, 7, database.TenantStatusActive)
	upload := filepath.Join(env.cfg.Storage.UploadDir, "broken.zip")
	writeZip(t, upload, map[string]string{
		ManifestPath: legacyManifest,
		DumpPath: strings.Join([]string{
			`-- DATA:Customers:[{"id":60,"tenant_id":7,"name":"Ghost","created_at":"2025-10-01T00:00:00Z","updated_at":"2025-10-01T00:00:00Z"}]`,
			`-- DATA:Sales:[{"id":"not-a-number","tenant_id":7}]`,
		}, "\n"),
	})

	_, err := env.svc.Restore(context.Background(), 7, upload)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeTransactionAborted))
	assert.Zero(t, env.count(t, (*database.Customer)(nil), 7), "customer insert rolled back")
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
}

func TestRestoreBeginFailureIsTransactionAborted(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	created, err := env.svc.Create(context.Background(), 7, CreateOptions{})
	require.NoError(t, err)

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	engine := NewEngine(Deps{
		Config: env.cfg,
		Store:  database.NewStoreFromDB(bun.NewDB(sqlDB, sqlitedialect.New()), database.DriverSQLite, nil),
	})
	_, err = engine.RestoreFromBackup(context.Background(), 7, created.FileName)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeTransactionAborted))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
}

func TestRestoreFromRemoteCleansTempCopy(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)
	local := filepath.Join(env.cfg.Storage.PrimaryDir, created.FileName)
	data, err := os.ReadFile(local)
	require.NoError(t, err)
	require.NoError(t, env.remote.Put(ctx, created.FileName, bytes.NewReader(data), int64(len(data))))
	require.NoError(t, os.Remove(local))

	res, err := env.svc.Restore(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
}

func TestPreviewDoesNotWrite(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)
	before := env.customers(t, 7)

	preview, err := env.svc.Preview(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.Equal(t, 3, preview.IncomingCounts["Customers"])
	assert.Equal(t, 5, preview.IncomingCounts["Sales"])

	kinds := map[ConflictKind]bool{}
	for _, c := range preview.Conflicts {
		if c.EntityType == "Customers" {
			kinds[c.Kind] = true
			assert.Equal(t, 3, c.Existing)
			assert.Equal(t, 3, c.Incoming)
		}
	}
	assert.True(t, kinds[ConflictDuplicateID])
	assert.True(t, kinds[ConflictExistingData])
	assert.False(t, kinds[ConflictTenantMismatch])

	assert.Equal(t, before, env.customers(t, 7))
	assert.Empty(t, dirEntries(t, env.cfg.Storage.WorkDir))
}

func TestPreviewReportsForeignRowsInLegacyArchive(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 8)
	env.tenant(t, 7, database.TenantStatusActive)
	upload := filepath.Join(env.cfg.Storage.UploadDir, "legacy.zip")
	writeZip(t, upload, map[string]string{
		ManifestPath: legacyManifest,
		DumpPath: `-- DATA:Customers:[{"id":1,"tenant_id":7,"name":"A"},{"id":2,"tenant_id":9,"name":"B"}]` + "\n" +
			`-- DATA:Widgets:[]`,
	})

	preview, err := env.svc.Preview(context.Background(), 7, upload)
	require.NoError(t, err)
	assert.Equal(t, []string{"Widgets"}, preview.UnknownTables)

	kinds := map[ConflictKind]bool{}
	for _, c := range preview.Conflicts {
		kinds[c.Kind] = true
	}
	assert.True(t, kinds[ConflictTenantMismatch])
	assert.True(t, kinds[ConflictForeignOwnership], "customer id 1 belongs to tenant 8")
}

func TestImportSkipChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()
	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)

	resolutions := Resolutions{SettingsKind: ResolutionSkip, FilesKind: ResolutionSkip}
	for _, kind := range DefaultRegistry().Kinds() {
		resolutions[kind] = ResolutionSkip
	}
	before := env.customers(t, 7)

	res, err := env.svc.Import(ctx, 7, created.FileName, resolutions, 42)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, EntityStats{Skipped: 3}, res.Entities["Customers"])
	assert.Equal(t, before, env.customers(t, 7))

	env.sinks.mu.Lock()
	last := env.sinks.records[len(env.sinks.records)-1]
	env.sinks.mu.Unlock()
	assert.Equal(t, OpImport, last.Action)
	assert.Equal(t, "user:42", last.Actor)
}

func TestImportCreateNewRemapsReferences(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()
	original := env.customers(t, 7)
	writeDocument(t, env.cfg.Storage.FilesRoot, "statements/statement_"+itoa(original[0].ID)+".pdf", "stmt")

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)

	res, err := env.svc.Import(ctx, 7, created.FileName, Resolutions{
		"Customers":    ResolutionCreateNew,
		"Sales":        ResolutionCreateNew,
		"Products":     ResolutionSkip,
		"SaleItems":    ResolutionSkip,
		"Payments":     ResolutionSkip,
		"SalesReturns": ResolutionSkip,
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities["Customers"].Imported)
	assert.Equal(t, 5, res.Entities["Sales"].Imported)
	assert.Equal(t, 6, env.count(t, (*database.Customer)(nil), 7))
	assert.Equal(t, 10, env.count(t, (*database.Sale)(nil), 7))

	fresh := map[int64]bool{}
	for _, c := range original {
		newID, ok := res.IDMap.Lookup("Customers", c.ID)
		require.True(t, ok)
		assert.NotEqual(t, c.ID, newID)
		fresh[newID] = true
	}

	var sales []database.Sale
	env.run(t, func(ctx context.Context, idb bun.IDB) error {
		return idb.NewSelect().Model(&sales).Where("tenant_id = ?", 7).OrderExpr("id ASC").Scan(ctx)
	})
	require.Len(t, sales, 10)
	for _, s := range sales[5:] {
		require.NotNil(t, s.CustomerID)
		assert.True(t, fresh[*s.CustomerID], "imported sale points at an imported customer")
	}

	newFirst, _ := res.IDMap.Lookup("Customers", original[0].ID)
	_, err = os.Stat(filepath.Join(env.cfg.Storage.FilesRoot, "statements", "statement_"+itoa(newFirst)+".pdf"))
	assert.NoError(t, err, "statement renamed to the new customer id")
}

func TestImportMergeKeepsNewerLiveRows(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()
	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)

	customers := env.customers(t, 7)
	env.run(t, func(ctx context.Context, idb bun.IDB) error {
		if _, err := idb.NewUpdate().Table("customers").
			Set("name = ?", "Edited").Set("updated_at = ?", testClock.Add(48*time.Hour)).
			Where("id = ?", customers[0].ID).Exec(ctx); err != nil {
			return err
		}
		_, err := idb.NewDelete().TableExpr("customers").Where("id = ?", customers[2].ID).Exec(ctx)
		return err
	})
	env.run(t, func(ctx context.Context, idb bun.IDB) error {
		return database.SetSetting(ctx, idb, 7, "Currency", "USD")
	})

	res, err := env.svc.Import(ctx, 7, created.FileName, Resolutions{"Customers": ResolutionMerge}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entities["Customers"].Imported)
	assert.Equal(t, 2, res.Entities["Customers"].Skipped)

	after := env.customers(t, 7)
	require.Len(t, after, 3)
	assert.Equal(t, "Edited", after[0].Name)

	value, _ := env.setting(t, 7, "Currency")
	assert.Equal(t, "USD", value, "merge keeps existing settings")

	res, err = env.svc.Import(ctx, 7, created.FileName, Resolutions{"Customers": ResolutionOverwrite, SettingsKind: ResolutionOverwrite}, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities["Customers"].Updated)
	assert.Equal(t, "Customer 1", env.customers(t, 7)[0].Name)
	value, _ = env.setting(t, 7, "Currency")
	assert.Equal(t, "EUR", value)
}

func TestImportRejectsUnknownKinds(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Import(context.Background(), 7, ArchiveName(7, testClock), Resolutions{"Gizmos": ResolutionSkip}, 1)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeValidation))
	assert.Contains(t, err.Error(), "Gizmos")
}

func TestImportFailureReportsRollback(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t, 7, database.TenantStatusActive)
	upload := filepath.Join(env.cfg.Storage.UploadDir, "broken.zip")
	writeZip(t, upload, map[string]string{
		ManifestPath: legacyManifest,
		DumpPath: `-- DATA:Customers:[{"id":60,"tenant_id":7,"name":"Ghost"}]` + "\n" +
			`-- DATA:Sales:[{"id":{},"tenant_id":7}]`,
	})

	res, err := env.svc.Import(context.Background(), 7, upload, nil, 1)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Errors)
	assert.Empty(t, res.Entities)
	assert.Zero(t, env.count(t, (*database.Customer)(nil), 7))
}

func TestRestoreRawFileMerge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Database.ExportStrategy = "file"
	})
	env.seedTenant(t, 7)
	env.seedTenant(t, 8)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)
	env.wipeTenant(t, 7)

	res, err := env.svc.Restore(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities["Customers"].Imported)
	assert.Equal(t, 3, env.count(t, (*database.Customer)(nil), 7))
	assert.Equal(t, 3, env.count(t, (*database.Customer)(nil), 8))
}

func TestRestoreRawFileReplace(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Database.ExportStrategy = "file"
		c.Restore.RawFileMode = "replace"
	})
	env.seedTenant(t, 7)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)
	env.wipeTenant(t, 7)

	res, err := env.svc.Restore(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, env.count(t, (*database.Customer)(nil), 7))

	env.seedTenant(t, 8)
	_, err = env.svc.Restore(ctx, 7, created.FileName)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeValidation), "replacement refuses to discard other tenants")
	assert.Equal(t, 3, env.count(t, (*database.Customer)(nil), 8))
}

func TestRestoreRollbackLeavesDocumentsUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	ctx := context.Background()
	docs := filepath.Join(env.cfg.Storage.FilesRoot, "storage", "docs", "7")
	writeDocument(t, env.cfg.Storage.FilesRoot, "storage/docs/7/a.txt", "archived")
	writeDocument(t, env.cfg.Storage.FilesRoot, "storage/docs/7/b.txt", "archived")

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)

	writeDocument(t, env.cfg.Storage.FilesRoot, "storage/docs/7/a.txt", "live")
	require.NoError(t, os.Remove(filepath.Join(docs, "b.txt")))
	writeDocument(t, env.cfg.Storage.FilesRoot, "storage/docs/7/b.txt/inner.txt", "blocks the copy")
	env.wipeTenant(t, 7)

	_, err = env.svc.Restore(ctx, 7, created.FileName)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeTransactionAborted))
	assert.Zero(t, env.count(t, (*database.Customer)(nil), 7), "rows rolled back")

	data, err := os.ReadFile(filepath.Join(docs, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "live", string(data), "documents rolled back with the rows")
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, dirEntries(t, docs), "no staged copies left behind")
}

func TestRestoreSkipsInvoicesSharedWithAnotherTenant(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	env.seedTenant(t, 8)
	ctx := context.Background()
	sale := func(tenantID int64) *database.Sale {
		return &database.Sale{TenantID: tenantID, InvoiceNo: "1001", SaleDate: testClock, Total: 50, Status: "Completed", CreatedAt: testClock, UpdatedAt: testClock}
	}
	env.insert(t, sale(7))
	writeDocument(t, env.cfg.Storage.FilesRoot, "invoices/INV-1001.pdf", "tenant-7 invoice")

	created, err := env.svc.Create(ctx, 7, CreateOptions{})
	require.NoError(t, err)
	entries := zipEntries(t, filepath.Join(env.cfg.Storage.PrimaryDir, created.FileName))
	require.Contains(t, entries, "invoices/INV-1001.pdf")

	env.insert(t, sale(8))
	writeDocument(t, env.cfg.Storage.FilesRoot, "invoices/INV-1001.pdf", "tenant-8 private invoice")

	res, err := env.svc.Restore(ctx, 7, created.FileName)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(res.Warnings, "\n"), "INV-1001.pdf is shared with another tenant")

	data, err := os.ReadFile(filepath.Join(env.cfg.Storage.FilesRoot, "invoices", "INV-1001.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "tenant-8 private invoice", string(data))
}
