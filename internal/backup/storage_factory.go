package backup

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"tenant-backup/internal/config"
)

// Object store provider names
const (
	ProviderNone  = "none"
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

// ObjectInfo describes one stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is a flat key/value blob store. Implementations open and close
// their client on every call. Get and Delete return a NotFound BackupError for
// missing keys.
type ObjectStore interface {
	Name() string
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// NewObjectStore creates the configured provider, or nil when the provider is none.
func NewObjectStore(cfg config.ObjectStoreConfig) (ObjectStore, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderNone:
		return nil, nil
	case ProviderS3:
		return NewS3ObjectStore(cfg.S3)
	case ProviderGCS:
		return NewGCSObjectStore(cfg.GCS)
	case ProviderAzure:
		return NewAzureObjectStore(cfg.Azure)
	default:
		return nil, NewConfigurationError(fmt.Sprintf("unsupported object store provider: %s", cfg.Provider), nil)
	}
}

// ObjectKey builds <prefix>/<name>; the prefix is omitted when empty.
func ObjectKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// listPrefix is the prefix passed to List for a configured key prefix.
func listPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// nameFromKey returns the archive name for keys directly under prefix.
func nameFromKey(prefix, key string) (string, bool) {
	rest := strings.TrimPrefix(key, listPrefix(prefix))
	if rest == key && listPrefix(prefix) != "" {
		return "", false
	}
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return path.Base(rest), true
}
