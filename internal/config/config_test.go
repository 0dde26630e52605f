package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenant-backup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  driver: sqlite\n"))
	require.NoError(t, err)

	assert.Equal(t, "./data/app.db", cfg.Database.FilePath)
	assert.Equal(t, "dump", cfg.Database.ExportStrategy)
	assert.Equal(t, DefaultMaxUploadBytes, cfg.Storage.MaxUploadBytes)
	assert.Equal(t, "disabled", cfg.Storage.Secondary.Mode)
	assert.Equal(t, "none", cfg.ObjectStore.Provider)
	assert.Equal(t, "merge", cfg.Restore.RawFileMode)
	assert.Equal(t, 3, cfg.Scheduler.Retry.MaxAttempts)
	assert.Nil(t, cfg.Scheduler.Enabled, "unset flag must defer to the database setting")
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  driver: mysql
  dsn: "root:pw@tcp(localhost:3306)/shop"
storage:
  primary_dir: /var/backups
  secondary:
    mode: desktop
    path: /home/me/Desktop
object_store:
  provider: s3
  prefix: tenants
  s3:
    bucket: archives
scheduler:
  enabled: false
  retry:
    base_delay: 2s
`))
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "/home/me/Desktop", cfg.Storage.SecondaryPath())
	assert.Equal(t, "archives", cfg.ObjectStore.S3.Bucket)
	require.NotNil(t, cfg.Scheduler.Enabled)
	assert.False(t, *cfg.Scheduler.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Retry.BaseDelay)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("TENANT_BACKUP_STORAGE_PRIMARY_DIR", "/srv/archives")
	t.Setenv("TENANT_BACKUP_OBJECT_STORE_PREFIX", "env-prefix")

	cfg, err := Load(writeConfig(t, "storage:\n  primary_dir: ./ignored\n"))
	require.NoError(t, err)

	assert.Equal(t, "/srv/archives", cfg.Storage.PrimaryDir)
	assert.Equal(t, "env-prefix", cfg.ObjectStore.Prefix)
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	cfg.Database.Driver = "oracle"
	cfg.Storage.Secondary.Mode = "desktop"
	cfg.ObjectStore.Provider = "gcs"
	cfg.Restore.RawFileMode = "clobber"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	fields := make([]string, 0, len(verrs))
	for _, ve := range verrs {
		fields = append(fields, ve.Field)
	}
	assert.ElementsMatch(t, []string{
		"database.driver",
		"storage.secondary.path",
		"object_store.gcs.bucket",
		"restore.raw_file_mode",
	}, fields)
}

func TestSecondaryPathTempMode(t *testing.T) {
	s := StorageConfig{Secondary: SecondaryConfig{Mode: "temp", TempSubdir: "exports"}}
	assert.Equal(t, filepath.Join(os.TempDir(), "exports"), s.SecondaryPath())

	s.Secondary.Mode = "disabled"
	assert.Empty(t, s.SecondaryPath())
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tenant-backup.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}
