package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tenant-backup/internal/database"

	"github.com/uptrace/bun"
)

// FileTree is the live tree of generated and uploaded documents:
//
//	<root>/invoices/INV-<no>.pdf
//	<root>/statements/statement_<customerId>*.pdf | customer_<customerId>_*.pdf
//	<root>/storage/<category>/<tenantId>/<relative-path>
type FileTree struct {
	root string
}

func NewFileTree(root string) *FileTree {
	return &FileTree{root: root}
}

// fileEntry maps an archive path to a file on disk
type fileEntry struct {
	archivePath string
	diskPath    string
}

func invoiceFileName(invoiceNo string) (string, bool) {
	if invoiceNo == "" || strings.ContainsAny(invoiceNo, `/\`) || strings.Contains(invoiceNo, "..") {
		return "", false
	}
	return "INV-" + invoiceNo + ".pdf", true
}

// statementCustomerID parses statement_<id>*.pdf and customer_<id>_*.pdf
func statementCustomerID(name string) (int64, bool) {
	if !strings.EqualFold(path.Ext(name), ".pdf") {
		return 0, false
	}
	var rest string
	switch {
	case strings.HasPrefix(name, "statement_"):
		rest = strings.TrimPrefix(name, "statement_")
	case strings.HasPrefix(name, "customer_"):
		rest = strings.TrimPrefix(name, "customer_")
		if !strings.Contains(rest, "_") {
			return 0, false
		}
	default:
		return 0, false
	}
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	if strings.HasPrefix(name, "customer_") && (end >= len(rest) || rest[end] != '_') {
		return 0, false
	}
	id, err := strconv.ParseInt(rest[:end], 10, 64)
	return id, err == nil
}

// renameStatement swaps the customer id embedded in a statement file name
func renameStatement(name string, oldID, newID int64) string {
	old := strconv.FormatInt(oldID, 10)
	for _, prefix := range []string{"statement_", "customer_"} {
		if strings.HasPrefix(name, prefix+old) {
			return prefix + strconv.FormatInt(newID, 10) + strings.TrimPrefix(name, prefix+old)
		}
	}
	return name
}

// Collect lists the tenant's files. Invoices and statements are matched
// against the tenant's live invoice numbers and customer ids so that other
// tenants' documents in the shared directories are excluded.
//
// Invoice numbers shared with another tenant are left out and returned as
// shared, since INV-<no>.pdf cannot be attributed to one of them.
func (ft *FileTree) Collect(ctx context.Context, idb bun.IDB, tenantID int64) (entries []fileEntry, shared []string, err error) {
	invoices, shared, err := tenantInvoices(ctx, idb, tenantID)
	if err != nil {
		return nil, nil, err
	}
	for name := range invoices {
		disk := filepath.Join(ft.root, "invoices", name)
		if info, err := os.Stat(disk); err == nil && info.Mode().IsRegular() {
			entries = append(entries, fileEntry{archivePath: InvoicesDir + name, diskPath: disk})
		}
	}

	customerIDs, err := database.CustomerIDs(ctx, idb, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load customer ids: %w", err)
	}
	owned := make(map[int64]bool, len(customerIDs))
	for _, id := range customerIDs {
		owned[id] = true
	}
	statements, err := os.ReadDir(filepath.Join(ft.root, "statements"))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to read statements: %w", err)
	}
	for _, entry := range statements {
		if !entry.Type().IsRegular() {
			continue
		}
		if id, ok := statementCustomerID(entry.Name()); ok && owned[id] {
			entries = append(entries, fileEntry{
				archivePath: StatementsDir + entry.Name(),
				diskPath:    filepath.Join(ft.root, "statements", entry.Name()),
			})
		}
	}

	categories, err := os.ReadDir(filepath.Join(ft.root, "storage"))
	if err != nil && !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("failed to read storage: %w", err)
	}
	tenantDir := strconv.FormatInt(tenantID, 10)
	for _, category := range categories {
		if !category.IsDir() {
			continue
		}
		base := filepath.Join(ft.root, "storage", category.Name(), tenantDir)
		err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			entries = append(entries, fileEntry{
				archivePath: path.Join("storage", category.Name(), tenantDir, filepath.ToSlash(rel)),
				diskPath:    p,
			})
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to walk storage/%s: %w", category.Name(), err)
		}
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].archivePath < entries[b].archivePath })
	return entries, shared, nil
}

// tenantInvoices returns the invoice file names attributable to tenantID
// and the invoice numbers it shares with other tenants.
func tenantInvoices(ctx context.Context, idb bun.IDB, tenantID int64) (map[string]bool, []string, error) {
	numbers, err := database.InvoiceNumbers(ctx, idb, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load invoice numbers: %w", err)
	}
	shared, err := database.SharedInvoiceNumbers(ctx, idb, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load shared invoice numbers: %w", err)
	}
	skip := make(map[string]bool, len(shared))
	for _, no := range shared {
		skip[no] = true
	}
	invoices := make(map[string]bool, len(numbers))
	for _, no := range numbers {
		if skip[no] {
			continue
		}
		if name, ok := invoiceFileName(no); ok {
			invoices[name] = true
		}
	}
	return invoices, shared, nil
}

// Restore stages extracted documents from srcDir next to their live
// targets as <target>.partial. The applier moves them into place once the
// transaction commits, or removes them when it rolls back.
// Documents that cannot be tied to the tenant are skipped with a warning.
// Statement names are rewritten when the customer id was remapped.
func (ft *FileTree) Restore(ctx context.Context, ap *applier, srcDir string, res Resolution) (EntityStats, error) {
	var stats EntityStats

	invoices, sharedNumbers, err := tenantInvoices(ctx, ap.tx, ap.tenantID)
	if err != nil {
		return stats, err
	}
	shared := make(map[string]bool, len(sharedNumbers))
	for _, no := range sharedNumbers {
		if name, ok := invoiceFileName(no); ok {
			shared[name] = true
		}
	}
	customerIDs, err := database.CustomerIDs(ctx, ap.tx, ap.tenantID)
	if err != nil {
		return stats, fmt.Errorf("failed to load customer ids: %w", err)
	}
	customers := make(map[int64]bool, len(customerIDs))
	for _, id := range customerIDs {
		customers[id] = true
	}

	tenantDir := strconv.FormatInt(ap.tenantID, 10)

	err = filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		archivePath := filepath.ToSlash(rel)

		var target string
		switch {
		case strings.HasPrefix(archivePath, InvoicesDir):
			name := strings.TrimPrefix(archivePath, InvoicesDir)
			if shared[name] {
				ap.warnf("invoice %s is shared with another tenant, skipped", name)
				stats.Skipped++
				return nil
			}
			if !invoices[name] {
				ap.warnf("invoice %s does not match a sale of tenant %d, skipped", name, ap.tenantID)
				stats.Skipped++
				return nil
			}
			target = filepath.Join(ft.root, "invoices", name)

		case strings.HasPrefix(archivePath, StatementsDir):
			name := strings.TrimPrefix(archivePath, StatementsDir)
			id, ok := statementCustomerID(name)
			if !ok {
				stats.Skipped++
				return nil
			}
			if newID, mapped := ap.ids.Lookup("Customers", id); mapped && newID != id {
				name = renameStatement(name, id, newID)
				id = newID
			}
			if !customers[id] {
				ap.warnf("statement %s does not match a customer of tenant %d, skipped", name, ap.tenantID)
				stats.Skipped++
				return nil
			}
			target = filepath.Join(ft.root, "statements", name)

		case strings.HasPrefix(archivePath, StorageDir):
			parts := strings.SplitN(strings.TrimPrefix(archivePath, StorageDir), "/", 3)
			if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
				stats.Skipped++
				return nil
			}
			if parts[1] != tenantDir {
				ap.warnf("upload %s is filed under tenant %s, skipped", archivePath, parts[1])
				stats.Skipped++
				return nil
			}
			target = filepath.Join(ft.root, "storage", parts[0], tenantDir, filepath.FromSlash(parts[2]))

		default:
			return nil
		}

		if !pathWithin(ft.root, target) {
			ap.warnf("document %s escapes the file root, skipped", archivePath)
			stats.Skipped++
			return nil
		}

		info, statErr := os.Stat(target)
		exists := statErr == nil
		if exists && !info.Mode().IsRegular() {
			return fmt.Errorf("%s exists and is not a regular file", target)
		}
		if res == ResolutionSkip || (res == ResolutionMerge && exists) {
			stats.Skipped++
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		partial := target + ".partial"
		if err := copyFile(p, partial); err != nil {
			os.Remove(partial)
			return err
		}
		ap.stage(partial, target)
		if exists {
			stats.Updated++
		} else {
			stats.Imported++
		}
		return nil
	})
	if err != nil {
		return stats, NewStorageError("failed to restore documents", err)
	}
	return stats, nil
}
