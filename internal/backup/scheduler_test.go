package backup

import (
	"context"
	"sync"
	"testing"
	"time"

	"tenant-backup/internal/config"
	"tenant-backup/internal/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

// fakeCreator records calls and returns scripted errors per tenant
type fakeCreator struct {
	mu     sync.Mutex
	calls  map[int64]int
	script map[int64][]error
}

func newFakeCreator() *fakeCreator {
	return &fakeCreator{calls: make(map[int64]int), script: make(map[int64][]error)}
}

func (f *fakeCreator) CreateFullBackup(ctx context.Context, tenantID int64, opts CreateOptions) (*CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[tenantID]
	f.calls[tenantID]++
	if errs := f.script[tenantID]; n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}
	return &CreateResult{FileName: ArchiveName(tenantID, testClock)}, nil
}

func boolPtr(b bool) *bool { return &b }

func newTestScheduler(env *testEnv, creator BackupCreator, enabled *bool) *Scheduler {
	cfg := config.SchedulerConfig{
		Enabled: enabled,
		Cron:    "0 2 * * *",
		Retry:   config.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	return NewScheduler(creator, env.store, cfg, env.svc.Auditor(), nil, nil)
}

func TestRunScheduledBackupSweepsActiveTenants(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t, 1, database.TenantStatusActive)
	env.tenant(t, 2, database.TenantStatusTrial)
	env.tenant(t, 3, database.TenantStatusActive)
	env.tenant(t, 4, database.TenantStatusSuspended)
	env.tenant(t, 5, database.TenantStatusCancelled)

	creator := newFakeCreator()
	creator.script[2] = []error{NewNetworkError("bucket timeout", nil)}
	creator.script[3] = []error{NewValidationError("bad tenant", nil)}

	result, err := newTestScheduler(env, creator, boolPtr(true)).RunScheduledBackup(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)

	var succeeded []int64
	for _, o := range result.Succeeded {
		succeeded = append(succeeded, o.TenantID)
	}
	assert.Equal(t, []int64{1, 2}, succeeded)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, int64(3), result.Failed[0].TenantID)
	assert.NotEmpty(t, result.Failed[0].Error)

	assert.Equal(t, 2, creator.calls[2], "retryable failure retried")
	assert.Equal(t, 1, creator.calls[3], "validation failure not retried")
	assert.Zero(t, creator.calls[4])
	assert.Zero(t, creator.calls[5])

	env.sinks.mu.Lock()
	defer env.sinks.mu.Unlock()
	require.Len(t, env.sinks.records, 3)
	for _, rec := range env.sinks.records {
		assert.Equal(t, OpCreate, rec.Action)
		assert.Equal(t, "scheduler", rec.Actor)
	}
	assert.False(t, env.sinks.records[2].Success)
}

func TestSchedulerEnabledFallsBackToSetting(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t, 1, database.TenantStatusActive)
	ctx := context.Background()
	creator := newFakeCreator()
	s := newTestScheduler(env, creator, nil)

	enabled, err := s.Enabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled, "missing setting means disabled")

	setAuto := func(v string) {
		env.run(t, func(ctx context.Context, idb bun.IDB) error {
			return database.SetSetting(ctx, idb, database.PlatformTenantID, database.SettingAutoBackupEnabled, v)
		})
	}

	setAuto("yes please")
	result, err := s.RunScheduledBackup(ctx)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, creator.calls[1])

	setAuto("true")
	result, err = s.RunScheduledBackup(ctx)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, creator.calls[1])
}

func TestSchedulerConfigOverridesSetting(t *testing.T) {
	env := newTestEnv(t)
	env.tenant(t, 1, database.TenantStatusActive)
	env.run(t, func(ctx context.Context, idb bun.IDB) error {
		return database.SetSetting(ctx, idb, database.PlatformTenantID, database.SettingAutoBackupEnabled, "true")
	})
	creator := newFakeCreator()

	result, err := newTestScheduler(env, creator, boolPtr(false)).RunScheduledBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "scheduled backups are disabled", result.Reason)
	assert.Zero(t, creator.calls[1])
}

func TestSchedulerSkipsOverlappingSweep(t *testing.T) {
	env := newTestEnv(t)
	s := newTestScheduler(env, newFakeCreator(), boolPtr(true))
	s.running.Lock()
	defer s.running.Unlock()

	result, err := s.RunScheduledBackup(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "previous sweep still running", result.Reason)
}

func TestSchedulerWithRealArchiver(t *testing.T) {
	env := newTestEnv(t)
	env.seedTenant(t, 7)
	s := NewScheduler(env.svc.Archiver(), env.store, config.SchedulerConfig{Enabled: boolPtr(true)}, env.svc.Auditor(), nil, nil)

	result, err := s.RunScheduledBackup(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, ArchiveName(7, testClock), result.Succeeded[0].Archive)
	assert.Contains(t, dirEntries(t, env.cfg.Storage.PrimaryDir), result.Succeeded[0].Archive)
}

func TestParseSchedule(t *testing.T) {
	sched, err := ParseSchedule("0 2 * * *")
	require.NoError(t, err)
	next := sched.Next(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 3, 15, 2, 0, 0, 0, time.UTC), next)

	_, err = ParseSchedule("every night")
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeConfiguration))
}

func TestSchedulerStartStop(t *testing.T) {
	env := newTestEnv(t)
	s := newTestScheduler(env, newFakeCreator(), boolPtr(false))
	require.NoError(t, s.Start(context.Background()))
	s.Stop()

	bad := NewScheduler(newFakeCreator(), env.store, config.SchedulerConfig{Cron: "nope"}, nil, nil, nil)
	assert.Error(t, bad.Start(context.Background()))
	bad.Stop()
}
