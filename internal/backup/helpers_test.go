package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/database"
	"tenant-backup/internal/logging"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

// memObjectStore is an in-memory ObjectStore
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	listErr error
	puts    int
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (m *memObjectStore) Name() string { return "memory" }

func (m *memObjectStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, NewNotFoundError("object "+key+" not found", nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var infos []ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Key: key, Size: int64(len(data)), LastModified: time.Now()})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (m *memObjectStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return NewNotFoundError("object "+key+" not found", nil)
	}
	delete(m.objects, key)
	return nil
}

func (m *memObjectStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

var testClock = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	root   string
	cfg    *config.Config
	store  *database.Store
	remote *memObjectStore
	svc    *Service
	sinks  *memAuditSink
}

// newTestEnv builds a service over a fresh sqlite database with every
// directory under t.TempDir().
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{}
	cfg.Database.Driver = database.DriverSQLite
	cfg.Database.FilePath = filepath.Join(root, "app.db")
	cfg.Storage.PrimaryDir = filepath.Join(root, "backups")
	cfg.Storage.Secondary.Mode = "desktop"
	cfg.Storage.Secondary.Path = filepath.Join(root, "desktop")
	cfg.Storage.UploadDir = filepath.Join(root, "uploads")
	cfg.Storage.FilesRoot = filepath.Join(root, "files")
	cfg.Storage.WorkDir = filepath.Join(root, "work")
	cfg.Backup.AppVersion = "test"
	cfg.Backup.ExportedBy = "tests"
	cfg.SetDefaults()
	for _, fn := range mutate {
		fn(cfg)
	}
	for _, dir := range []string{cfg.Storage.PrimaryDir, cfg.Storage.UploadDir, cfg.Storage.FilesRoot, cfg.Storage.WorkDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}

	ctx := context.Background()
	store, err := database.Open(ctx, cfg.Database, logging.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { store.Close() })

	remote := newMemObjectStore()
	sink := &memAuditSink{}
	resolver := NewResolver(cfg, remote, nil, nil)
	svc := NewService(Deps{
		Config:   cfg,
		Store:    store,
		Resolver: resolver,
		Auditor:  NewAuditor(nil, sink),
		Clock:    func() time.Time { return testClock },
	})
	return &testEnv{root: root, cfg: cfg, store: store, remote: remote, svc: svc, sinks: sink}
}

// memAuditSink keeps records in memory
type memAuditSink struct {
	mu      sync.Mutex
	records []AuditRecord
	err     error
}

func (s *memAuditSink) Write(ctx context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *memAuditSink) Close() error { return nil }

func (s *memAuditSink) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.Action
	}
	return out
}

func (e *testEnv) run(t *testing.T, fn func(ctx context.Context, idb bun.IDB) error) {
	t.Helper()
	require.NoError(t, e.store.Run(context.Background(), fn))
}

func (e *testEnv) insert(t *testing.T, models ...interface{}) {
	t.Helper()
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		for _, m := range models {
			if _, err := idb.NewInsert().Model(m).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *testEnv) tenant(t *testing.T, id int64, status string) {
	t.Helper()
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		return database.CreateTenant(ctx, idb, &database.Tenant{ID: id, Name: fmt.Sprintf("tenant-%d", id), Status: status})
	})
}

func (e *testEnv) count(t *testing.T, model interface{}, tenantID int64) int {
	t.Helper()
	var n int
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		var err error
		n, err = idb.NewSelect().Model(model).Where("tenant_id = ?", tenantID).Count(ctx)
		return err
	})
	return n
}

func (e *testEnv) customers(t *testing.T, tenantID int64) []database.Customer {
	t.Helper()
	var rows []database.Customer
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		return idb.NewSelect().Model(&rows).Where("tenant_id = ?", tenantID).OrderExpr("id ASC").Scan(ctx)
	})
	return rows
}

// seedTenant gives tenantID three customers, five sales, one payment and
// one return, plus a setting and a user.
func (e *testEnv) seedTenant(t *testing.T, tenantID int64) {
	t.Helper()
	e.tenant(t, tenantID, database.TenantStatusActive)
	now := testClock.Add(-24 * time.Hour)

	var customers []*database.Customer
	for i := 1; i <= 3; i++ {
		c := &database.Customer{TenantID: tenantID, Name: fmt.Sprintf("Customer %d", i), Email: fmt.Sprintf("c%d@example.com", i), CreatedAt: now, UpdatedAt: now}
		e.insert(t, c)
		customers = append(customers, c)
	}
	product := &database.Product{TenantID: tenantID, Name: "Widget", SKU: "W-1", Price: 10, Cost: 6, StockQty: 100, CreatedAt: now, UpdatedAt: now}
	e.insert(t, product)

	var firstSale *database.Sale
	for i := 1; i <= 5; i++ {
		cid := customers[(i-1)%3].ID
		s := &database.Sale{
			TenantID: tenantID, InvoiceNo: fmt.Sprintf("%d-%04d", tenantID, i), CustomerID: &cid,
			SaleDate: testClock.AddDate(0, 0, -i), Total: 100, Status: "Completed",
			CreatedAt: now, UpdatedAt: now,
		}
		e.insert(t, s)
		if firstSale == nil {
			firstSale = s
		}
		pid := product.ID
		e.insert(t, &database.SaleItem{TenantID: tenantID, SaleID: s.ID, ProductID: &pid, Quantity: 10, UnitPrice: 10, LineTotal: 100, CreatedAt: now, UpdatedAt: now})
	}

	cid := customers[0].ID
	sid := firstSale.ID
	e.insert(t,
		&database.Payment{TenantID: tenantID, CustomerID: &cid, SaleID: &sid, Amount: 30, Method: "cash", PaidAt: now, CreatedAt: now, UpdatedAt: now},
		&database.SalesReturn{TenantID: tenantID, SaleID: sid, Quantity: 1, Amount: 10, ReturnedAt: now, CreatedAt: now, UpdatedAt: now},
	)
	e.run(t, func(ctx context.Context, idb bun.IDB) error {
		if err := database.SetSetting(ctx, idb, tenantID, "Currency", "EUR"); err != nil {
			return err
		}
		return database.RecalculateCustomerBalances(ctx, idb, tenantID)
	})
	e.insert(t, &database.User{TenantID: tenantID, Username: fmt.Sprintf("owner%d", tenantID), PasswordHash: "secret-hash", Role: "Owner", CreatedAt: now})
}

// writeZip writes entries into a new zip file at path
func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, entries[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// zipEntries lists the entry names of the zip at path
func zipEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = data
	}
	return out
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// rebuild replaces the service with one built from modified dependencies
func (e *testEnv) rebuild(fn func(d *Deps)) {
	d := e.svc.deps
	fn(&d)
	e.svc = NewService(d)
}

// failingRenderer fails every report
type failingRenderer struct{}

func (failingRenderer) MonthlySalesLedger(ctx context.Context, idb bun.IDB, tenantID int64, month time.Time) ([]byte, error) {
	return nil, errors.New("renderer unavailable")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
