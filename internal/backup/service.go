package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/database"
	apperrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators shared by the archiver, engine and service.
// Unset optional fields get working defaults.
type Deps struct {
	Config    *config.Config
	Store     *database.Store
	Resolver  *Resolver
	Registry  *Registry
	Renderer  ReportRenderer
	Notifier  *NotificationManager
	Retention *RetentionManager
	Auditor   *Auditor
	Metrics   *Metrics
	Logger    *logging.Logger
	Clock     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.NewNopLogger()
	}
	if d.Registry == nil {
		d.Registry = DefaultRegistry()
	}
	if d.Renderer == nil {
		d.Renderer = NewPDFReportRenderer()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Resolver == nil {
		d.Resolver = NewResolver(d.Config, nil, nil, d.Logger)
	}
	return d
}

// Service is the transport-free operation surface. Every call emits exactly
// one audit record.
type Service struct {
	deps     Deps
	archiver *Archiver
	engine   *Engine
}

func NewService(deps Deps) *Service {
	deps = deps.withDefaults()
	return &Service{
		deps:     deps,
		archiver: NewArchiver(deps),
		engine:   NewEngine(deps),
	}
}

// Build wires a service from configuration: database, object store,
// encryption, resolver, retention, notifications, audit sinks and metrics.
// The returned close function releases the database and audit sinks.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *logging.Logger) (*Service, func() error, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	store, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	objectStore, err := NewObjectStore(cfg.ObjectStore)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	var enc *EncryptionManager
	if cfg.ObjectStore.Encryption.Enabled {
		if enc, err = NewEncryptionManager(cfg.ObjectStore.Encryption); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	var sinks []AuditSink
	if cfg.Audit.Database {
		sinks = append(sinks, NewDBAuditSink(store))
	}
	if cfg.Audit.File != "" {
		fileSink, err := NewFileAuditSink(cfg.Audit.File)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		sinks = append(sinks, fileSink)
	}
	auditor := NewAuditor(logger, sinks...)

	resolver := NewResolver(cfg, objectStore, enc, logger)
	svc := NewService(Deps{
		Config:    cfg,
		Store:     store,
		Resolver:  resolver,
		Notifier:  NewNotificationManager(cfg.Notifications, logger),
		Retention: NewRetentionManager(resolver, cfg.Backup.Retention.MaxPerTenant, logger),
		Auditor:   auditor,
		Metrics:   NewMetrics(reg),
		Logger:    logger,
	})

	SweepStaleTempFiles(cfg.Storage.WorkDir, 24*time.Hour, logger)

	closeFn := func() error {
		aerr := auditor.Close()
		if err := store.Close(); err != nil {
			return err
		}
		return aerr
	}
	return svc, closeFn, nil
}

func (s *Service) Store() *database.Store  { return s.deps.Store }
func (s *Service) Archiver() *Archiver     { return s.archiver }
func (s *Service) Engine() *Engine         { return s.engine }
func (s *Service) Auditor() *Auditor       { return s.deps.Auditor }
func (s *Service) Metrics() *Metrics       { return s.deps.Metrics }
func (s *Service) Config() *config.Config  { return s.deps.Config }
func (s *Service) Logger() *logging.Logger { return s.deps.Logger }

// NewScheduler builds a scheduler that creates archives through this service
func (s *Service) NewScheduler() *Scheduler {
	return NewScheduler(s.archiver, s.deps.Store, s.deps.Config.Scheduler, s.deps.Auditor, s.deps.Metrics, s.deps.Logger)
}

// Outcome converts an error into the structured result shown to callers.
// Internal detail stays in the logs.
func Outcome(err error, success string) OperationResult {
	if err == nil {
		return OperationResult{Success: true, Message: success}
	}
	var be *BackupError
	if errors.As(err, &be) {
		return OperationResult{Success: false, Message: fmt.Sprintf("%s: %s", be.Type, be.Message)}
	}
	return OperationResult{Success: false, Message: apperrors.FormatUserError(err)}
}

// logOperation logs the start of op and returns the completion logger
func (s *Service) logOperation(ctx context.Context, op string, tenantID int64, fields logrus.Fields) func(error) {
	all := map[string]interface{}{"tenant_id": tenantID}
	for k, v := range fields {
		all[k] = v
	}
	return s.deps.Logger.LogOperationStart(ctx, op, all)
}

// Create builds a full archive for tenantID
func (s *Service) Create(ctx context.Context, tenantID int64, opts CreateOptions) (*CreateResult, error) {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpCreate, tenantID, nil)
	res, err := s.archiver.CreateFullBackup(ctx, tenantID, opts)
	details := map[string]interface{}{}
	if res != nil {
		details["archive"] = res.FileName
		details["size_bytes"] = res.SizeBytes
		details["failed_steps"] = len(res.Failures)
	}
	s.deps.Auditor.Record(ctx, tenantID, OpCreate, err, details)
	done(err)
	return res, err
}

// List returns the tenant's archives across all locations, newest first.
// tenantID 0 lists every archive.
func (s *Service) List(ctx context.Context, tenantID int64) ([]BackupInfo, error) {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpList, tenantID, nil)
	start := time.Now()
	all, err := s.deps.Resolver.List(ctx)
	var infos []BackupInfo
	if err == nil {
		for _, info := range all {
			if tenantID == database.PlatformTenantID {
				infos = append(infos, info)
				continue
			}
			if id, _, ok := ParseArchiveName(info.FileName); ok && id == tenantID {
				infos = append(infos, info)
			}
		}
	}
	s.deps.Metrics.Observe(OpList, start, err)
	s.deps.Auditor.Record(ctx, tenantID, OpList, err, map[string]interface{}{"count": len(infos)})
	done(err)
	return infos, err
}

// ownedBy rejects archive names that do not carry tenantID
func ownedBy(name string, tenantID int64) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}
	if tenantID == database.PlatformTenantID {
		return nil
	}
	id, _, ok := ParseArchiveName(name)
	if !ok || id != tenantID {
		return NewNotFoundError(fmt.Sprintf("backup %s not found for tenant %d", name, tenantID), nil)
	}
	return nil
}

// Delete removes an archive from every location holding it
func (s *Service) Delete(ctx context.Context, tenantID int64, name string) error {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpDelete, tenantID, logrus.Fields{"archive": name})
	start := time.Now()
	err := ownedBy(name, tenantID)
	if err == nil {
		_, err = s.deps.Resolver.Delete(ctx, name)
	}
	s.deps.Metrics.Observe(OpDelete, start, err)
	s.deps.Auditor.Record(ctx, tenantID, OpDelete, err, map[string]interface{}{"archive": name})
	done(err)
	return err
}

// Download opens an archive for streaming. The caller must Close the stream.
func (s *Service) Download(ctx context.Context, tenantID int64, name string) (io.ReadCloser, string, error) {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpDownload, tenantID, logrus.Fields{"archive": name})
	start := time.Now()
	var (
		rc       io.ReadCloser
		fileName string
	)
	err := ownedBy(name, tenantID)
	if err == nil {
		rc, fileName, err = s.deps.Resolver.OpenForDownload(ctx, name)
	}
	s.deps.Metrics.Observe(OpDownload, start, err)
	s.deps.Auditor.Record(ctx, tenantID, OpDownload, err, map[string]interface{}{"archive": name})
	done(err)
	return rc, fileName, err
}

// Restore restores tenantID from ref
func (s *Service) Restore(ctx context.Context, tenantID int64, ref string) (*RestoreResult, error) {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpRestore, tenantID, logrus.Fields{"ref": ref})
	start := time.Now()
	res, err := s.engine.RestoreFromBackup(ctx, tenantID, ref)
	details := map[string]interface{}{"ref": ref}
	if res != nil {
		details["warnings"] = len(res.Warnings)
	}
	s.deps.Metrics.Observe(OpRestore, start, err)
	s.deps.Auditor.Record(ctx, tenantID, OpRestore, err, details)
	done(err)
	return res, err
}

// Preview inspects ref against tenantID without writing
func (s *Service) Preview(ctx context.Context, tenantID int64, ref string) (*ImportPreview, error) {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpPreview, tenantID, logrus.Fields{"ref": ref})
	start := time.Now()
	res, err := s.engine.PreviewImport(ctx, tenantID, ref)
	details := map[string]interface{}{"ref": ref}
	if res != nil {
		details["conflicts"] = len(res.Conflicts)
	}
	s.deps.Metrics.Observe(OpPreview, start, err)
	s.deps.Auditor.Record(ctx, tenantID, OpPreview, err, details)
	done(err)
	return res, err
}

// Import merges ref into tenantID on behalf of userID
func (s *Service) Import(ctx context.Context, tenantID int64, ref string, resolutions Resolutions, userID int64) (*ImportResult, error) {
	ctx = ensureCorrelationID(ctx)
	done := s.logOperation(ctx, OpImport, tenantID, logrus.Fields{"ref": ref, "user_id": userID})
	if userID > 0 && ActorFrom(ctx) == "system" {
		ctx = WithActor(ctx, fmt.Sprintf("user:%d", userID))
	}
	start := time.Now()
	res, err := s.engine.ImportWithResolution(ctx, tenantID, ref, resolutions, userID)
	details := map[string]interface{}{"ref": ref, "user_id": userID}
	if res != nil && err == nil {
		details["entities"] = res.Entities
	}
	s.deps.Metrics.Observe(OpImport, start, err)
	s.deps.Auditor.Record(ctx, tenantID, OpImport, err, details)
	done(err)
	return res, err
}
