package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides (TENANT_BACKUP_STORAGE_PRIMARY_DIR, ...).
const EnvPrefix = "TENANT_BACKUP"

// DefaultMaxUploadBytes caps archives accepted from the upload directory.
const DefaultMaxUploadBytes int64 = 100 * 1024 * 1024

// Config is the root configuration of the backup engine
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	ObjectStore   ObjectStoreConfig   `mapstructure:"object_store" yaml:"object_store"`
	Backup        BackupConfig        `mapstructure:"backup" yaml:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore" yaml:"restore"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler" yaml:"scheduler"`
	Audit         AuditConfig         `mapstructure:"audit" yaml:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
}

// DatabaseConfig selects the live multi-tenant store
type DatabaseConfig struct {
	Driver         string `mapstructure:"driver" yaml:"driver"` // sqlite, mysql, postgres
	DSN            string `mapstructure:"dsn" yaml:"dsn"`
	FilePath       string `mapstructure:"file_path" yaml:"file_path"`
	ExportStrategy string `mapstructure:"export_strategy" yaml:"export_strategy"` // dump, file
	MaxOpenConns   int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// SecondaryConfig describes the secondary local export location.
// Mode is explicit; the location is never inferred from the host OS.
type SecondaryConfig struct {
	Mode       string `mapstructure:"mode" yaml:"mode"` // desktop, temp, disabled
	Path       string `mapstructure:"path" yaml:"path"`
	TempSubdir string `mapstructure:"temp_subdir" yaml:"temp_subdir"`
}

// StorageConfig holds local filesystem locations
type StorageConfig struct {
	PrimaryDir             string          `mapstructure:"primary_dir" yaml:"primary_dir"`
	Secondary              SecondaryConfig `mapstructure:"secondary" yaml:"secondary"`
	UploadDir              string          `mapstructure:"upload_dir" yaml:"upload_dir"`
	FilesRoot              string          `mapstructure:"files_root" yaml:"files_root"`
	WorkDir                string          `mapstructure:"work_dir" yaml:"work_dir"`
	MaxUploadBytes         int64           `mapstructure:"max_upload_bytes" yaml:"max_upload_bytes"`
	DeleteLocalAfterUpload bool            `mapstructure:"delete_local_after_upload" yaml:"delete_local_after_upload"`
}

// S3Config for S3-compatible object storage
type S3Config struct {
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Region         string `mapstructure:"region" yaml:"region"`
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	ServiceURL    string `mapstructure:"service_url" yaml:"service_url"`
}

// EncryptionConfig controls the at-rest envelope for remote copies
type EncryptionConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`
}

// ObjectStoreConfig selects the remote backend
type ObjectStoreConfig struct {
	Provider   string           `mapstructure:"provider" yaml:"provider"` // none, s3, gcs, azure
	Prefix     string           `mapstructure:"prefix" yaml:"prefix"`
	S3         S3Config         `mapstructure:"s3" yaml:"s3"`
	GCS        GCSConfig        `mapstructure:"gcs" yaml:"gcs"`
	Azure      AzureConfig      `mapstructure:"azure" yaml:"azure"`
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`
}

// RetentionConfig bounds how many archives are kept per tenant
type RetentionConfig struct {
	MaxPerTenant int `mapstructure:"max_per_tenant" yaml:"max_per_tenant"`
}

// BackupConfig holds archive creation settings
type BackupConfig struct {
	AppVersion   string          `mapstructure:"app_version" yaml:"app_version"`
	ExportedBy   string          `mapstructure:"exported_by" yaml:"exported_by"`
	Notes        string          `mapstructure:"notes" yaml:"notes"`
	Compression  string          `mapstructure:"compression" yaml:"compression"` // deflate, zstd
	ReportMonths int             `mapstructure:"report_months" yaml:"report_months"`
	Retention    RetentionConfig `mapstructure:"retention" yaml:"retention"`
}

// RestoreConfig holds restore/import settings
type RestoreConfig struct {
	RawFileMode     string `mapstructure:"raw_file_mode" yaml:"raw_file_mode"` // merge, replace
	MaxExtractBytes int64  `mapstructure:"max_extract_bytes" yaml:"max_extract_bytes"`
}

// RetryConfig controls per-tenant retries during scheduled sweeps
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// SchedulerConfig controls the periodic sweep.
// Enabled left unset defers to the AutoBackupEnabled database setting.
type SchedulerConfig struct {
	Enabled            *bool       `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Cron               string      `mapstructure:"cron" yaml:"cron"`
	OffloadToSecondary bool        `mapstructure:"offload_to_secondary" yaml:"offload_to_secondary"`
	UploadToRemote     bool        `mapstructure:"upload_to_remote" yaml:"upload_to_remote"`
	Retry              RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	File     string `mapstructure:"file" yaml:"file"`
	Database bool   `mapstructure:"database" yaml:"database"`
}

// NotificationsConfig configures post-backup notifications
type NotificationsConfig struct {
	WebhookURL      string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	SlackWebhookURL string        `mapstructure:"slack_webhook_url" yaml:"slack_webhook_url"`
	SlackChannel    string        `mapstructure:"slack_channel" yaml:"slack_channel"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LoggingConfig configures the application logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Load reads configuration from path (or the default search paths when empty),
// applies TENANT_BACKUP_* environment overrides, fills defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tenant-backup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tenant-backup")
		v.AddConfigPath("/etc/tenant-backup")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper decodes an already-populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvKeys registers every known key so AutomaticEnv can see it during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"database.driver", "database.dsn", "database.file_path", "database.export_strategy", "database.max_open_conns",
		"storage.primary_dir", "storage.secondary.mode", "storage.secondary.path", "storage.secondary.temp_subdir",
		"storage.upload_dir", "storage.files_root", "storage.work_dir", "storage.max_upload_bytes",
		"storage.delete_local_after_upload",
		"object_store.provider", "object_store.prefix",
		"object_store.s3.bucket", "object_store.s3.region", "object_store.s3.endpoint",
		"object_store.s3.access_key", "object_store.s3.secret_key", "object_store.s3.force_path_style",
		"object_store.gcs.bucket", "object_store.gcs.credentials_path",
		"object_store.azure.account_name", "object_store.azure.account_key",
		"object_store.azure.container_name", "object_store.azure.service_url",
		"object_store.encryption.enabled", "object_store.encryption.passphrase_env",
		"backup.app_version", "backup.exported_by", "backup.notes", "backup.compression",
		"backup.report_months", "backup.retention.max_per_tenant",
		"restore.raw_file_mode", "restore.max_extract_bytes",
		"scheduler.enabled", "scheduler.cron", "scheduler.offload_to_secondary", "scheduler.upload_to_remote",
		"scheduler.retry.max_attempts", "scheduler.retry.base_delay", "scheduler.retry.max_delay",
		"audit.file", "audit.database",
		"notifications.webhook_url", "notifications.slack_webhook_url", "notifications.slack_channel",
		"notifications.timeout",
		"logging.level", "logging.format", "logging.file",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

// SetDefaults fills every unset value
func (c *Config) SetDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	c.Database.Driver = strings.ToLower(c.Database.Driver)
	if c.Database.Driver == "sqlite" && c.Database.FilePath == "" && c.Database.DSN == "" {
		c.Database.FilePath = "./data/app.db"
	}
	if c.Database.ExportStrategy == "" {
		c.Database.ExportStrategy = "dump"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}

	if c.Storage.PrimaryDir == "" {
		c.Storage.PrimaryDir = "./backups"
	}
	if c.Storage.Secondary.Mode == "" {
		c.Storage.Secondary.Mode = "disabled"
	}
	if c.Storage.Secondary.TempSubdir == "" {
		c.Storage.Secondary.TempSubdir = "tenant-backup-exports"
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = "./uploads/backups"
	}
	if c.Storage.FilesRoot == "" {
		c.Storage.FilesRoot = "./files"
	}
	if c.Storage.WorkDir == "" {
		c.Storage.WorkDir = filepath.Join(os.TempDir(), "tenant-backup-work")
	}
	if c.Storage.MaxUploadBytes == 0 {
		c.Storage.MaxUploadBytes = DefaultMaxUploadBytes
	}

	if c.ObjectStore.Provider == "" {
		c.ObjectStore.Provider = "none"
	}
	c.ObjectStore.Provider = strings.ToLower(c.ObjectStore.Provider)
	if c.ObjectStore.S3.Region == "" {
		c.ObjectStore.S3.Region = "us-east-1"
	}
	if c.ObjectStore.Encryption.PassphraseEnv == "" {
		c.ObjectStore.Encryption.PassphraseEnv = EnvPrefix + "_ENCRYPTION_PASSPHRASE"
	}

	if c.Backup.AppVersion == "" {
		c.Backup.AppVersion = "dev"
	}
	if c.Backup.ExportedBy == "" {
		c.Backup.ExportedBy = "tenant-backup"
	}
	if c.Backup.Compression == "" {
		c.Backup.Compression = "deflate"
	}
	if c.Backup.ReportMonths == 0 {
		c.Backup.ReportMonths = 2
	}

	if c.Restore.RawFileMode == "" {
		c.Restore.RawFileMode = "merge"
	}
	if c.Restore.MaxExtractBytes == 0 {
		c.Restore.MaxExtractBytes = 4 * 1024 * 1024 * 1024
	}

	if c.Scheduler.Cron == "" {
		c.Scheduler.Cron = "0 2 * * *"
	}
	if c.Scheduler.Retry.MaxAttempts == 0 {
		c.Scheduler.Retry.MaxAttempts = 3
	}
	if c.Scheduler.Retry.BaseDelay == 0 {
		c.Scheduler.Retry.BaseDelay = 5 * time.Second
	}
	if c.Scheduler.Retry.MaxDelay == 0 {
		c.Scheduler.Retry.MaxDelay = time.Minute
	}

	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 30 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "normal"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// ValidationError represents a single invalid field
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors accumulates every invalid field
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, ve := range e {
		parts = append(parts, fmt.Sprintf("%s: %s", ve.Field, ve.Message))
	}
	return "configuration validation failed: " + strings.Join(parts, "; ")
}

// Add records a validation error
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	var errs ValidationErrors

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.FilePath == "" && c.Database.DSN == "" {
			errs.Add("database.file_path", "required for sqlite")
		}
	case "mysql", "postgres":
		if c.Database.DSN == "" {
			errs.Add("database.dsn", "required for "+c.Database.Driver)
		}
	default:
		errs.Add("database.driver", fmt.Sprintf("unsupported driver %q", c.Database.Driver))
	}
	if c.Database.ExportStrategy != "dump" && c.Database.ExportStrategy != "file" {
		errs.Add("database.export_strategy", "must be dump or file")
	}

	switch c.Storage.Secondary.Mode {
	case "disabled", "temp":
	case "desktop":
		if c.Storage.Secondary.Path == "" {
			errs.Add("storage.secondary.path", "required when mode is desktop")
		}
	default:
		errs.Add("storage.secondary.mode", "must be desktop, temp or disabled")
	}
	if c.Storage.MaxUploadBytes < 0 {
		errs.Add("storage.max_upload_bytes", "must be positive")
	}

	switch c.ObjectStore.Provider {
	case "none":
	case "s3":
		if c.ObjectStore.S3.Bucket == "" {
			errs.Add("object_store.s3.bucket", "required for s3")
		}
	case "gcs":
		if c.ObjectStore.GCS.Bucket == "" {
			errs.Add("object_store.gcs.bucket", "required for gcs")
		}
	case "azure":
		if c.ObjectStore.Azure.AccountName == "" || c.ObjectStore.Azure.ContainerName == "" {
			errs.Add("object_store.azure", "account_name and container_name are required")
		}
	default:
		errs.Add("object_store.provider", fmt.Sprintf("unsupported provider %q", c.ObjectStore.Provider))
	}

	if c.Backup.Compression != "deflate" && c.Backup.Compression != "zstd" {
		errs.Add("backup.compression", "must be deflate or zstd")
	}
	if c.Backup.Retention.MaxPerTenant < 0 {
		errs.Add("backup.retention.max_per_tenant", "cannot be negative")
	}
	if c.Restore.RawFileMode != "merge" && c.Restore.RawFileMode != "replace" {
		errs.Add("restore.raw_file_mode", "must be merge or replace")
	}
	if c.Scheduler.Retry.MaxAttempts < 1 {
		errs.Add("scheduler.retry.max_attempts", "must be at least 1")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SecondaryPath resolves the configured secondary export directory, or "" when disabled.
func (s StorageConfig) SecondaryPath() string {
	switch s.Secondary.Mode {
	case "desktop":
		return s.Secondary.Path
	case "temp":
		return filepath.Join(os.TempDir(), s.Secondary.TempSubdir)
	default:
		return ""
	}
}

// WriteExample writes a fully defaulted configuration file to path.
func WriteExample(path string) error {
	cfg := &Config{}
	cfg.SetDefaults()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
