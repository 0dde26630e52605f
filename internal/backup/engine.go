package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"tenant-backup/internal/database"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// Engine restores and imports tenant archives into the live database.
type Engine struct {
	deps  Deps
	files *FileTree
	locks *keyedLocks
}

func NewEngine(deps Deps) *Engine {
	deps = deps.withDefaults()
	return &Engine{
		deps:  deps,
		files: NewFileTree(deps.Config.Storage.FilesRoot),
		locks: newKeyedLocks(),
	}
}

// openedArchive is a resolved, validated and extracted archive. Close
// removes the extraction directory and any downloaded copy.
type openedArchive struct {
	resolved *ResolvedArchive
	manifest *Manifest
	dir      string
	artifact string
	raw      bool
	legacy   bool
}

func (o *openedArchive) Close() error {
	var err error
	if o.dir != "" {
		err = os.RemoveAll(o.dir)
	}
	if o.resolved != nil {
		if cerr := o.resolved.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func enter(log *logrus.Entry, state State) {
	log.WithField("state", string(state)).Debug("State transition")
}

// open runs Resolving, Extracting and Validating. On error everything it
// created is already cleaned up.
func (e *Engine) open(ctx context.Context, tenantID int64, ref string, log *logrus.Entry) (_ *openedArchive, err error) {
	enter(log, StateResolving)
	resolved, err := e.deps.Resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	op := &openedArchive{resolved: resolved}
	defer func() {
		if err != nil {
			op.Close()
		}
	}()

	zr, err := openZip(resolved.Path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	manifest, err := readManifest(&zr.Reader)
	if err != nil {
		return nil, err
	}
	if err := checkManifest(manifest, tenantID); err != nil {
		return nil, err
	}
	op.manifest = manifest
	op.legacy = manifest.TenantID == nil
	if op.legacy {
		log.Warn("Archive predates tenant ids, every row is validated individually")
	}

	enter(log, StateExtracting)
	workDir := e.deps.Config.Storage.WorkDir
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, NewStorageError("failed to create work directory", err)
	}
	op.dir, err = os.MkdirTemp(workDir, extractTempPrefix+"*")
	if err != nil {
		return nil, NewStorageError("failed to create extraction directory", err)
	}
	if err := extractAll(&zr.Reader, op.dir, e.deps.Config.Restore.MaxExtractBytes); err != nil {
		return nil, err
	}

	enter(log, StateValidating)
	op.artifact, op.raw, err = databaseArtifact(op.dir)
	if err != nil {
		return nil, err
	}
	verified, err := verifyChecksum(manifest, op.artifact)
	if err != nil {
		return nil, err
	}
	if !verified {
		log.Warn("Archive carries no database checksum, skipping verification")
	}
	return op, nil
}

// loadTables returns the archived rows per entity kind plus unknown tables
func (e *Engine) loadTables(ctx context.Context, op *openedArchive) (map[string]json.RawMessage, []string, error) {
	if !op.raw {
		f, err := os.Open(op.artifact)
		if err != nil {
			return nil, nil, NewStorageError("failed to open dump", err)
		}
		defer f.Close()
		dump, err := ParseDump(f)
		if err != nil {
			return nil, nil, err
		}
		known, unknown := dump.Split(e.deps.Registry)
		return known, unknown, nil
	}

	db, err := database.OpenSQLiteFile(op.artifact, true)
	if err != nil {
		return nil, nil, NewInvalidFormatError("archived database cannot be opened", err)
	}
	defer db.Close()

	tables := make(map[string]json.RawMessage)
	for _, ent := range e.deps.Registry.All() {
		rows, err := ent.ExportAll(ctx, db)
		if err != nil {
			return nil, nil, NewInvalidFormatError(fmt.Sprintf("archived database has no readable %s table", ent.Table()), err)
		}
		tables[ent.Kind()] = rows
	}
	return tables, nil, nil
}

// RestoreFromBackup restores a tenant from an archive. Every row is upserted
// into the tenant; rows of other tenants in the archive are skipped. All
// database changes commit together or not at all.
func (e *Engine) RestoreFromBackup(ctx context.Context, tenantID int64, ref string) (*RestoreResult, error) {
	if tenantID <= 0 {
		return nil, NewValidationError(fmt.Sprintf("tenant id must be positive, got %d", tenantID), nil)
	}
	ctx = ensureCorrelationID(ctx)
	log := e.deps.Logger.ForTenant(ctx, tenantID, OpRestore).WithField("ref", ref)

	unlock := e.locks.tenant(tenantID)
	defer unlock()

	op, err := e.open(ctx, tenantID, ref, log)
	if err != nil {
		return nil, err
	}
	defer op.Close()

	result := &RestoreResult{Manifest: op.manifest, Entities: make(map[string]EntityStats)}

	if op.raw && e.deps.Config.Restore.RawFileMode == "replace" {
		if err := e.replaceDatabase(ctx, tenantID, op, log); err != nil {
			return nil, err
		}
		err := e.apply(ctx, tenantID, log, func(ctx context.Context, ap *applier) error {
			return e.applyArtifacts(ctx, ap, op, ResolutionOverwrite, func(kind string, s EntityStats) {
				result.Entities[kind] = s
			})
		}, &result.Warnings)
		if err != nil {
			return nil, err
		}
		result.Success = true
		result.Message = fmt.Sprintf("Restored tenant %d by replacing the database file", tenantID)
		return result, nil
	}

	tables, unknown, err := e.loadTables(ctx, op)
	if err != nil {
		return nil, err
	}
	for _, t := range unknown {
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown table %s skipped", t))
	}

	err = e.apply(ctx, tenantID, log, func(ctx context.Context, ap *applier) error {
		for _, ent := range e.deps.Registry.All() {
			raw, ok := tables[ent.Kind()]
			if !ok {
				continue
			}
			stats, err := ent.Apply(ctx, ap, raw, ResolutionOverwrite)
			if err != nil {
				return err
			}
			result.Entities[ent.Kind()] = stats
		}
		return e.applyArtifacts(ctx, ap, op, ResolutionOverwrite, func(kind string, s EntityStats) {
			result.Entities[kind] = s
		})
	}, &result.Warnings)
	if err != nil {
		return nil, err
	}

	result.Success = true
	result.Message = fmt.Sprintf("Restored %d records for tenant %d", restoredRows(result.Entities), tenantID)
	return result, nil
}

func restoredRows(entities map[string]EntityStats) int {
	n := 0
	for kind, s := range entities {
		if kind == SettingsKind || kind == FilesKind {
			continue
		}
		n += s.Imported + s.Updated
	}
	return n
}

// apply runs fn in one transaction followed by sequence resync and balance
// recomputation. Failure rolls back, removes staged documents and returns
// TransactionAborted. Staged documents are moved into place only after commit.
func (e *Engine) apply(ctx context.Context, tenantID int64, log *logrus.Entry, fn func(ctx context.Context, ap *applier) error, warnings *[]string) error {
	enter(log, StateApplying)
	var ap *applier
	err := e.deps.Store.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		ap = newApplier(tx, tenantID, e.deps.Registry, log)
		if err := fn(ctx, ap); err != nil {
			return err
		}
		if err := database.ResyncSequences(ctx, tx, e.deps.Store.Driver(), ap.explicitTables()); err != nil {
			return err
		}
		return database.RecalculateCustomerBalances(ctx, tx, tenantID)
	})
	if ap != nil {
		if err != nil {
			ap.discard()
		} else {
			ap.promote()
		}
		*warnings = append(*warnings, ap.warnings...)
	}
	if err != nil {
		enter(log, StateRolledBack)
		log.WithError(err).Error("Changes rolled back")
		return NewTransactionAbortedError("changes rolled back", err)
	}
	enter(log, StateCommitted)
	return nil
}

// applyArtifacts restores settings and stages documents
func (e *Engine) applyArtifacts(ctx context.Context, ap *applier, op *openedArchive, settingsRes Resolution, record func(kind string, s EntityStats)) error {
	return e.applyArtifactsWith(ctx, ap, op, settingsRes, settingsRes, record)
}

func (e *Engine) applyArtifactsWith(ctx context.Context, ap *applier, op *openedArchive, settingsRes, filesRes Resolution, record func(kind string, s EntityStats)) error {
	stats, err := applySettings(ctx, ap, op.dir, settingsRes)
	if err != nil {
		return err
	}
	record(SettingsKind, stats)

	stats, err = e.files.Restore(ctx, ap, op.dir, filesRes)
	if err != nil {
		return err
	}
	record(FilesKind, stats)
	return nil
}

// applySettings writes settings.json into the tenant's settings.
// skip leaves everything, merge adds only missing keys, overwrite replaces.
func applySettings(ctx context.Context, ap *applier, dir string, res Resolution) (EntityStats, error) {
	var stats EntityStats
	data, err := os.ReadFile(filepath.Join(dir, SettingsPath))
	if os.IsNotExist(err) {
		return stats, nil
	}
	if err != nil {
		return stats, NewStorageError("failed to read settings", err)
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return stats, NewInvalidFormatError("settings.json is not a JSON object of strings", err)
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if res == ResolutionSkip {
			stats.Skipped++
			continue
		}
		current, exists, err := database.GetSetting(ctx, ap.tx, ap.tenantID, key)
		if err != nil {
			return stats, err
		}
		if exists && (res == ResolutionMerge || current == values[key]) {
			stats.Skipped++
			continue
		}
		if err := database.SetSetting(ctx, ap.tx, ap.tenantID, key, values[key]); err != nil {
			return stats, err
		}
		if exists {
			stats.Updated++
		} else {
			stats.Imported++
		}
	}
	return stats, nil
}

// replaceDatabase swaps the live sqlite file for the archived one. It is only
// allowed when the live database holds no other tenant.
func (e *Engine) replaceDatabase(ctx context.Context, tenantID int64, op *openedArchive, log *logrus.Entry) error {
	if !e.deps.Store.FileBased() {
		return NewValidationError("raw file replacement requires a file based database", nil)
	}
	var others int
	err := e.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		var err error
		others, err = idb.NewSelect().Table("tenants").Where("id <> ?", tenantID).Count(ctx)
		return err
	})
	if err != nil {
		return NewDatabaseError("failed to count tenants", err)
	}
	if others > 0 {
		return NewValidationError(fmt.Sprintf("raw file replacement would discard %d other tenants", others), nil)
	}

	enter(log, StateApplying)
	err = e.deps.Store.ReplaceFile(ctx, func(path string) error {
		staged := path + ".restore"
		if err := copyFile(op.artifact, staged); err != nil {
			os.Remove(staged)
			return err
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			os.Remove(path + suffix)
		}
		return os.Rename(staged, path)
	})
	if err != nil {
		enter(log, StateRolledBack)
		return NewTransactionAbortedError("database file replacement failed", err)
	}
	log.Info("Live database file replaced from archive")
	return nil
}
