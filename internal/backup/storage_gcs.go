package backup

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tenant-backup/internal/config"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSObjectStore implements ObjectStore for Google Cloud Storage
type GCSObjectStore struct {
	cfg config.GCSConfig
}

func NewGCSObjectStore(cfg config.GCSConfig) (*GCSObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, NewConfigurationError("GCS bucket is required", nil)
	}
	return &GCSObjectStore{cfg: cfg}, nil
}

func (g *GCSObjectStore) Name() string {
	return fmt.Sprintf("gs://%s", g.cfg.Bucket)
}

func (g *GCSObjectStore) client(ctx context.Context) (*storage.Client, error) {
	var (
		client *storage.Client
		err    error
	)
	if g.cfg.CredentialsPath != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(g.cfg.CredentialsPath))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, NewStorageError("failed to create GCS client", err)
	}
	return client, nil
}

func (g *GCSObjectStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	client, err := g.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	writer := client.Bucket(g.cfg.Bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/zip"
	if _, err := io.Copy(writer, body); err != nil {
		writer.Close()
		return NewNetworkError(fmt.Sprintf("failed to upload %s to GCS", key), err)
	}
	if err := writer.Close(); err != nil {
		return NewNetworkError(fmt.Sprintf("failed to finalize %s in GCS", key), err)
	}
	return nil
}

// gcsReader closes the client together with the object reader.
type gcsReader struct {
	*storage.Reader
	client *storage.Client
}

func (r *gcsReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (g *GCSObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := g.client(ctx)
	if err != nil {
		return nil, err
	}
	reader, err := client.Bucket(g.cfg.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		client.Close()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, NewNotFoundError(fmt.Sprintf("object %s not found", key), err)
		}
		return nil, NewNetworkError(fmt.Sprintf("failed to download %s from GCS", key), err)
	}
	return &gcsReader{Reader: reader, client: client}, nil
}

func (g *GCSObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	client, err := g.client(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	var objects []ObjectInfo
	it := client.Bucket(g.cfg.Bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, NewNetworkError("failed to list objects from GCS", err)
		}
		objects = append(objects, ObjectInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
	return objects, nil
}

func (g *GCSObjectStore) Delete(ctx context.Context, key string) error {
	client, err := g.client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Bucket(g.cfg.Bucket).Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return NewNotFoundError(fmt.Sprintf("object %s not found", key), err)
		}
		return NewNetworkError(fmt.Sprintf("failed to delete %s from GCS", key), err)
	}
	return nil
}
