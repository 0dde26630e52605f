package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tenant-backup/internal/database"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// Archiver builds tenant archives in the primary directory.
type Archiver struct {
	deps  Deps
	files *FileTree
	locks *keyedLocks
}

func NewArchiver(deps Deps) *Archiver {
	deps = deps.withDefaults()
	return &Archiver{
		deps:  deps,
		files: NewFileTree(deps.Config.Storage.FilesRoot),
		locks: newKeyedLocks(),
	}
}

// CreateFullBackup writes a complete archive for tenantID. A step that fails
// is recorded in CreateResult.Failures and the archive is still produced.
// Only container write failures and manifest failures abort; in that case no
// partial file is left in the primary directory.
func (a *Archiver) CreateFullBackup(ctx context.Context, tenantID int64, opts CreateOptions) (*CreateResult, error) {
	if tenantID <= 0 {
		return nil, NewValidationError(fmt.Sprintf("tenant id must be positive, got %d", tenantID), nil)
	}
	ctx = ensureCorrelationID(ctx)
	start := time.Now()
	log := a.deps.Logger.ForTenant(ctx, tenantID, OpCreate)

	primary := a.deps.Config.Storage.PrimaryDir
	if err := os.MkdirAll(primary, 0755); err != nil {
		return nil, NewStorageError("failed to create primary directory", err)
	}

	at := a.deps.Clock().UTC().Truncate(time.Second)
	name, unlock := a.claimName(primary, tenantID, at)
	defer unlock()
	at, _ = archiveTimestamp(name, at)

	log = log.WithField("archive", name)
	log.Info("Creating tenant archive")

	final := filepath.Join(primary, name)
	staging := final + ".partial"

	manifest, failures, err := a.writeArchive(ctx, tenantID, staging, at, log)
	if err != nil {
		os.Remove(staging)
		log.WithError(err).Error("Archive creation aborted")
		a.deps.Metrics.Observe(OpCreate, start, err)
		return nil, err
	}
	if err := os.Rename(staging, final); err != nil {
		os.Remove(staging)
		err = NewStorageError("failed to finalize archive", err)
		a.deps.Metrics.Observe(OpCreate, start, err)
		return nil, err
	}

	info, err := os.Stat(final)
	if err != nil {
		return nil, NewStorageError("failed to stat archive", err)
	}
	result := &CreateResult{
		FileName:  name,
		SizeBytes: info.Size(),
		Manifest:  manifest,
		Failures:  failures,
	}
	a.deps.Metrics.ArchiveWritten(info.Size())

	a.afterWrite(ctx, tenantID, final, opts, result, log)

	log.WithFields(logrus.Fields{
		"size_bytes":    result.SizeBytes,
		"failed_steps":  len(result.Failures),
		"offloaded":     result.Offloaded,
		"uploaded":      result.Uploaded,
		"duration_secs": time.Since(start).Seconds(),
	}).Info("Tenant archive created")
	a.deps.Metrics.Observe(OpCreate, start, nil)
	return result, nil
}

// claimName locks a free archive name. Two archives requested in the same
// second for the same tenant get consecutive timestamps.
func (a *Archiver) claimName(dir string, tenantID int64, at time.Time) (string, func()) {
	for {
		name := ArchiveName(tenantID, at)
		unlock := a.locks.archive(name)
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			if _, err := os.Stat(filepath.Join(dir, name+".partial")); os.IsNotExist(err) {
				return name, unlock
			}
		}
		unlock()
		at = at.Add(time.Second)
	}
}

func archiveTimestamp(name string, fallback time.Time) (time.Time, bool) {
	_, at, ok := ParseArchiveName(name)
	if !ok {
		return fallback, false
	}
	return at, true
}

// archiveWriter wraps the zip writer with a sticky error: once the container
// fails every later write fails too and the archive is abandoned.
type archiveWriter struct {
	zw       *zip.Writer
	method   uint16
	modified time.Time
	err      error
}

type stickyWriter struct {
	w  io.Writer
	aw *archiveWriter
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.aw.err != nil {
		return 0, s.aw.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.aw.err = err
	}
	return n, err
}

func (aw *archiveWriter) create(name string) (io.Writer, error) {
	if aw.err != nil {
		return nil, aw.err
	}
	w, err := aw.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   aw.method,
		Modified: aw.modified,
	})
	if err != nil {
		aw.err = err
		return nil, err
	}
	return &stickyWriter{w: w, aw: aw}, nil
}

func (aw *archiveWriter) writeFile(name string, data []byte) error {
	w, err := aw.create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// copyFile streams a disk file into the archive and returns its sha256
func (aw *archiveWriter) copyFile(name, diskPath string) (string, error) {
	f, err := os.Open(diskPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	w, err := aw.create(name)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(w, h), f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type archiveStep struct {
	name string
	run  func() error
}

// runStep isolates one step, including panics, from the rest of the archive
func runStep(step archiveStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return step.run()
}

func (a *Archiver) writeArchive(ctx context.Context, tenantID int64, path string, at time.Time, log *logrus.Entry) (*Manifest, []StepFailure, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, NewStorageError("failed to create archive file", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	aw := &archiveWriter{zw: zw, method: zip.Deflate, modified: at}
	if a.deps.Config.Backup.Compression == "zstd" {
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
		aw.method = zstd.ZipMethodWinZip
	}

	tid := tenantID
	manifest := &Manifest{
		SchemaVersion:  SchemaVersion,
		BackupDate:     at,
		AppVersion:     a.deps.Config.Backup.AppVersion,
		DatabaseEngine: a.deps.Store.Driver(),
		TenantID:       &tid,
		RecordCounts:   make(map[string]int),
		ExportedBy:     a.deps.Config.Backup.ExportedBy,
		Notes:          a.deps.Config.Backup.Notes,
		Checksums:      make(map[string]string),
	}

	var steps []archiveStep
	steps = append(steps, archiveStep{"database", func() error {
		return a.writeDatabase(ctx, aw, tenantID, at, manifest, log)
	}})
	for _, e := range a.deps.Registry.All() {
		e := e
		steps = append(steps, archiveStep{"csv:" + e.CSVName(), func() error {
			var buf bytes.Buffer
			if err := a.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
				_, err := e.WriteCSV(ctx, idb, tenantID, &buf)
				return err
			}); err != nil {
				return err
			}
			return aw.writeFile(CSVDir+e.CSVName(), buf.Bytes())
		}})
	}
	for _, month := range reportMonths(at, a.deps.Config.Backup.ReportMonths) {
		month := month
		steps = append(steps, archiveStep{"report:" + month.Format("2006-01"), func() error {
			var pdf []byte
			if err := a.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
				var err error
				pdf, err = a.deps.Renderer.MonthlySalesLedger(ctx, idb, tenantID, month)
				return err
			}); err != nil {
				return err
			}
			return aw.writeFile(ReportFileName(month), pdf)
		}})
	}
	steps = append(steps,
		archiveStep{"files", func() error { return a.writeFiles(ctx, aw, tenantID) }},
		archiveStep{"settings", func() error { return a.writeSettings(ctx, aw, tenantID) }},
		archiveStep{"record_counts", func() error { return a.countRecords(ctx, tenantID, manifest) }},
	)

	var failures []StepFailure
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		err := runStep(step)
		if aw.err != nil {
			return nil, nil, NewStorageError("failed to write archive", aw.err)
		}
		if err != nil {
			perr := NewPartialArchiveError(step.name, err)
			log.WithError(err).WithField("step", step.name).Warn("Archive step failed, continuing")
			failures = append(failures, StepFailure{Step: step.name, Error: perr.Error()})
			a.deps.Metrics.StepFailed(strings.SplitN(step.name, ":", 2)[0])
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, nil, NewStorageError("failed to encode manifest", err)
	}
	if err := aw.writeFile(ManifestPath, data); err != nil {
		return nil, nil, NewStorageError("failed to write manifest", err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, NewStorageError("failed to finish archive", err)
	}
	if err := f.Sync(); err != nil {
		return nil, nil, NewStorageError("failed to sync archive", err)
	}
	if err := f.Close(); err != nil {
		return nil, nil, NewStorageError("failed to close archive", err)
	}
	return manifest, failures, nil
}

// writeDatabase stores either the tagged dump or a tenant-scoped sqlite file
func (a *Archiver) writeDatabase(ctx context.Context, aw *archiveWriter, tenantID int64, at time.Time, manifest *Manifest, log *logrus.Entry) error {
	if a.deps.Config.Database.ExportStrategy == "file" {
		if a.deps.Store.FileBased() {
			return a.writeRawDatabase(ctx, aw, tenantID, at, manifest)
		}
		log.Warnf("Raw file export is not available for %s, writing a dump instead", a.deps.Store.Driver())
	}

	tables := make(map[string]json.RawMessage)
	counts := make(map[string]int)
	err := a.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		for _, e := range a.deps.Registry.All() {
			rows, n, err := e.Export(ctx, idb, tenantID)
			if err != nil {
				return fmt.Errorf("export %s: %w", e.Kind(), err)
			}
			tables[e.Kind()] = rows
			counts[e.Kind()] = n
		}
		return nil
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	dw := NewDumpWriter(&buf, tenantID, a.deps.Store.Driver(), at)
	for _, e := range a.deps.Registry.All() {
		if err := dw.WriteTable(e.Kind(), tables[e.Kind()]); err != nil {
			return err
		}
	}
	if err := dw.Close(); err != nil {
		return err
	}

	sum := sha256.Sum256(buf.Bytes())
	if err := aw.writeFile(DumpPath, buf.Bytes()); err != nil {
		return err
	}
	manifest.Checksums[ChecksumDatabase] = hex.EncodeToString(sum[:])
	for kind, n := range counts {
		manifest.RecordCounts[kind] = n
	}
	return nil
}

// writeRawDatabase snapshots the sqlite file, strips other tenants' rows and
// archives the result.
func (a *Archiver) writeRawDatabase(ctx context.Context, aw *archiveWriter, tenantID int64, at time.Time, manifest *Manifest) error {
	workDir := a.deps.Config.Storage.WorkDir
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(workDir, snapshotTempPrefix+"*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, "snapshot.db")
	if err := a.deps.Store.ExportFile(ctx, snapshot); err != nil {
		return err
	}
	if err := scopeSnapshot(ctx, snapshot, tenantID, a.deps.Registry); err != nil {
		return err
	}

	name := RawDatabasePrefix + at.UTC().Format("20060102_150405") + ".db"
	sum, err := aw.copyFile(name, snapshot)
	if err != nil {
		return err
	}
	manifest.Checksums[ChecksumDatabase] = sum
	return nil
}

// scopeSnapshot deletes every row not owned by tenantID from a sqlite copy
func scopeSnapshot(ctx context.Context, path string, tenantID int64, registry *Registry) (err error) {
	db, err := database.OpenSQLiteFile(path, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	tables := []string{"users", "settings", "audit_logs"}
	for _, e := range registry.All() {
		tables = append(tables, e.Table())
	}
	for _, table := range tables {
		if _, err := db.NewDelete().TableExpr(table).Where("tenant_id <> ?", tenantID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to scope %s: %w", table, err)
		}
	}
	if _, err := db.NewDelete().TableExpr("tenants").Where("id <> ?", tenantID).Exec(ctx); err != nil {
		return fmt.Errorf("failed to scope tenants: %w", err)
	}
	_, err = db.NewRaw("VACUUM").Exec(ctx)
	return err
}

func (a *Archiver) writeFiles(ctx context.Context, aw *archiveWriter, tenantID int64) error {
	var (
		entries []fileEntry
		shared  []string
	)
	if err := a.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		var err error
		entries, shared, err = a.files.Collect(ctx, idb, tenantID)
		return err
	}); err != nil {
		return err
	}
	if len(shared) > 0 {
		a.deps.Logger.ForTenant(ctx, tenantID, OpCreate).
			WithField("invoices", shared).
			Warn("Invoice numbers shared with another tenant, documents not archived")
	}

	var errs []error
	for _, entry := range entries {
		if _, err := aw.copyFile(entry.archivePath, entry.diskPath); err != nil {
			if aw.err != nil {
				return aw.err
			}
			errs = append(errs, fmt.Errorf("%s: %w", entry.archivePath, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Archiver) writeSettings(ctx context.Context, aw *archiveWriter, tenantID int64) error {
	var (
		settings []database.Setting
		users    []database.User
	)
	if err := a.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		var err error
		if settings, err = database.TenantSettings(ctx, idb, tenantID); err != nil {
			return err
		}
		users, err = database.TenantUsers(ctx, idb, tenantID)
		return err
	}); err != nil {
		return err
	}

	values := make(map[string]string, len(settings))
	for _, s := range settings {
		values[s.Key] = s.Value
	}
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := aw.writeFile(SettingsPath, data); err != nil {
		return err
	}

	redacted := make([]database.RedactedUser, 0, len(users))
	for _, u := range users {
		redacted = append(redacted, u.Redact())
	}
	data, err = json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return err
	}
	return aw.writeFile(UsersPath, data)
}

// countRecords fills the counts the dump step did not record: every entity
// for raw file exports or a failed dump, and users always.
func (a *Archiver) countRecords(ctx context.Context, tenantID int64, manifest *Manifest) error {
	return a.deps.Store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		for _, e := range a.deps.Registry.All() {
			if _, ok := manifest.RecordCounts[e.Kind()]; ok {
				continue
			}
			n, err := e.Count(ctx, idb, tenantID)
			if err != nil {
				return fmt.Errorf("count %s: %w", e.Kind(), err)
			}
			manifest.RecordCounts[e.Kind()] = n
		}
		n, err := database.CountUsers(ctx, idb, tenantID)
		if err != nil {
			return fmt.Errorf("count users: %w", err)
		}
		manifest.RecordCounts[UsersKind] = n
		return nil
	})
}

// afterWrite runs the optional copies, retention and notification. None of
// them can fail the archive that was already written.
func (a *Archiver) afterWrite(ctx context.Context, tenantID int64, final string, opts CreateOptions, result *CreateResult, log *logrus.Entry) {
	if opts.OffloadToSecondary {
		if err := a.deps.Resolver.Put(ctx, final, result.FileName, LocationDesktop); err != nil {
			log.WithError(err).Warn("Failed to copy archive to the secondary location")
		} else {
			result.Offloaded = true
		}
	}

	if opts.UploadToRemote {
		if err := a.deps.Resolver.Put(ctx, final, result.FileName, LocationObjectStore); err != nil {
			log.WithError(err).Warn("Failed to upload archive, local copy kept")
		} else {
			result.Uploaded = true
			if a.deps.Config.Storage.DeleteLocalAfterUpload {
				if err := os.Remove(final); err != nil {
					log.WithError(err).Warn("Failed to remove local archive after upload")
				}
			}
		}
	}

	if a.deps.Retention != nil {
		if removed, err := a.deps.Retention.Prune(ctx, tenantID); err != nil {
			log.WithError(err).Warn("Retention pass failed")
		} else if len(removed) > 0 {
			log.WithField("removed", len(removed)).Info("Retention pass removed old archives")
		}
	}

	if opts.Notify && a.deps.Notifier.Enabled() {
		n := Notification{
			TenantID:  tenantID,
			Archive:   result.FileName,
			SizeBytes: result.SizeBytes,
			Success:   true,
			Uploaded:  result.Uploaded,
			Timestamp: a.deps.Clock().UTC(),
		}
		for _, f := range result.Failures {
			n.Failures = append(n.Failures, f.Step)
		}
		if err := a.deps.Notifier.Send(ctx, n); err != nil {
			log.WithError(err).Warn("Failed to send backup notification")
		}
	}
}
