package backup

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/database"
	apperrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"

	"github.com/robfig/cron/v3"
	"github.com/uptrace/bun"
)

// BackupCreator is the part of the archiver the scheduler needs
type BackupCreator interface {
	CreateFullBackup(ctx context.Context, tenantID int64, opts CreateOptions) (*CreateResult, error)
}

// TenantOutcome is the result of one tenant in a sweep
type TenantOutcome struct {
	TenantID int64  `json:"tenant_id"`
	Archive  string `json:"archive,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SweepResult summarizes RunScheduledBackup
type SweepResult struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Skipped    bool            `json:"skipped"`
	Reason     string          `json:"reason,omitempty"`
	Succeeded  []TenantOutcome `json:"succeeded"`
	Failed     []TenantOutcome `json:"failed"`
}

// Scheduler runs periodic sweeps over Active and Trial tenants
type Scheduler struct {
	creator BackupCreator
	store   *database.Store
	cfg     config.SchedulerConfig
	auditor *Auditor
	metrics *Metrics
	logger  *logging.Logger

	running sync.Mutex
	cron    *cron.Cron
}

func NewScheduler(creator BackupCreator, store *database.Store, cfg config.SchedulerConfig, auditor *Auditor, metrics *Metrics, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{
		creator: creator,
		store:   store,
		cfg:     cfg,
		auditor: auditor,
		metrics: metrics,
		logger:  logger,
	}
}

// Enabled resolves the scheduler switch: the config flag when set, otherwise
// the platform AutoBackupEnabled setting. Anything unparsable means off.
func (s *Scheduler) Enabled(ctx context.Context) (bool, error) {
	if s.cfg.Enabled != nil {
		return *s.cfg.Enabled, nil
	}
	var (
		value string
		found bool
	)
	err := s.store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		var err error
		value, found, err = database.GetSetting(ctx, idb, database.PlatformTenantID, database.SettingAutoBackupEnabled)
		return err
	})
	if err != nil {
		return false, NewDatabaseError("failed to read "+database.SettingAutoBackupEnabled, err)
	}
	if !found {
		return false, nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		s.logger.WithField("value", value).Warn("Unparsable " + database.SettingAutoBackupEnabled + " setting, treating as disabled")
		return false, nil
	}
	return enabled, nil
}

// RunScheduledBackup creates one archive per Active/Trial tenant. A failing
// tenant is retried, then recorded; the sweep moves on to the next tenant.
func (s *Scheduler) RunScheduledBackup(ctx context.Context) (*SweepResult, error) {
	ctx = WithActor(ensureCorrelationID(ctx), "scheduler")
	result := &SweepResult{StartedAt: time.Now().UTC()}
	start := time.Now()
	log := s.logger.WithContext(ctx).WithField("operation", OpSweep)

	if !s.running.TryLock() {
		result.Skipped = true
		result.Reason = "previous sweep still running"
		result.FinishedAt = time.Now().UTC()
		log.Warn("Skipping scheduled sweep, previous sweep still running")
		return result, nil
	}
	defer s.running.Unlock()

	enabled, err := s.Enabled(ctx)
	if err != nil {
		s.metrics.Observe(OpSweep, start, err)
		return nil, err
	}
	if !enabled {
		result.Skipped = true
		result.Reason = "scheduled backups are disabled"
		result.FinishedAt = time.Now().UTC()
		log.Info("Scheduled backups are disabled")
		return result, nil
	}

	var tenants []database.Tenant
	if err := s.store.Run(ctx, func(ctx context.Context, idb bun.IDB) error {
		var err error
		tenants, err = database.ActiveTenants(ctx, idb)
		return err
	}); err != nil {
		err = NewDatabaseError("failed to list tenants", err)
		s.metrics.Observe(OpSweep, start, err)
		return nil, err
	}
	log.WithField("tenants", len(tenants)).Info("Starting scheduled sweep")

	retry := apperrors.NewRetryHandler(apperrors.RetryConfig{
		MaxAttempts: s.cfg.Retry.MaxAttempts,
		BaseDelay:   s.cfg.Retry.BaseDelay,
		MaxDelay:    s.cfg.Retry.MaxDelay,
		Multiplier:  2.0,
	})
	opts := CreateOptions{
		OffloadToSecondary: s.cfg.OffloadToSecondary,
		UploadToRemote:     s.cfg.UploadToRemote,
		Notify:             true,
	}

	for _, tenant := range tenants {
		if ctx.Err() != nil {
			log.Warn("Scheduled sweep interrupted")
			break
		}
		var created *CreateResult
		err := retry.Retry(ctx, func() error {
			var err error
			created, err = s.creator.CreateFullBackup(ctx, tenant.ID, opts)
			return err
		})

		outcome := TenantOutcome{TenantID: tenant.ID}
		details := map[string]interface{}{"scheduled": true}
		if err != nil {
			outcome.Error = err.Error()
			result.Failed = append(result.Failed, outcome)
			s.logger.ForTenant(ctx, tenant.ID, OpSweep).WithError(err).Error("Scheduled backup failed")
		} else {
			outcome.Archive = created.FileName
			outcome.Partial = len(created.Failures) > 0
			details["archive"] = created.FileName
			details["failed_steps"] = len(created.Failures)
			result.Succeeded = append(result.Succeeded, outcome)
		}
		s.auditor.Record(ctx, tenant.ID, OpCreate, err, details)
	}

	result.FinishedAt = time.Now().UTC()
	var sweepErr error
	if len(result.Failed) > 0 {
		sweepErr = fmt.Errorf("%d of %d tenants failed", len(result.Failed), len(tenants))
	}
	s.metrics.Observe(OpSweep, start, sweepErr)
	log.WithFields(map[string]interface{}{
		"succeeded": len(result.Succeeded),
		"failed":    len(result.Failed),
	}).Info("Scheduled sweep finished")
	return result, nil
}

// ParseSchedule validates a five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("invalid cron expression %q", expr), err)
	}
	return sched, nil
}

// Start runs sweeps on the configured cron expression until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	sched, err := ParseSchedule(s.cfg.Cron)
	if err != nil {
		return err
	}
	s.cron = cron.New()
	s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunScheduledBackup(ctx); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("Scheduled sweep failed")
		}
	}))
	s.cron.Start()
	s.logger.WithField("cron", s.cfg.Cron).Info("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}
