package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"tenant-backup/internal/config"

	"github.com/Azure/azure-storage-blob-go/azblob"
)

// AzureObjectStore implements ObjectStore for Azure Blob Storage
type AzureObjectStore struct {
	cfg config.AzureConfig
}

func NewAzureObjectStore(cfg config.AzureConfig) (*AzureObjectStore, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" {
		return nil, NewConfigurationError("Azure account name and key are required", nil)
	}
	if cfg.ContainerName == "" {
		return nil, NewConfigurationError("Azure container name is required", nil)
	}
	return &AzureObjectStore{cfg: cfg}, nil
}

func (a *AzureObjectStore) Name() string {
	return fmt.Sprintf("azure://%s/%s", a.cfg.AccountName, a.cfg.ContainerName)
}

// container builds a fresh pipeline for each call
func (a *AzureObjectStore) container() (azblob.ContainerURL, error) {
	credential, err := azblob.NewSharedKeyCredential(a.cfg.AccountName, a.cfg.AccountKey)
	if err != nil {
		return azblob.ContainerURL{}, NewStorageError("failed to create Azure credentials", err)
	}
	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	raw := a.cfg.ServiceURL
	if raw == "" {
		raw = fmt.Sprintf("https://%s.blob.core.windows.net", a.cfg.AccountName)
	}
	serviceURL, err := url.Parse(raw)
	if err != nil {
		return azblob.ContainerURL{}, NewConfigurationError("failed to parse Azure service URL", err)
	}
	return azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(a.cfg.ContainerName), nil
}

func (a *AzureObjectStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	containerURL, err := a.container()
	if err != nil {
		return err
	}
	_, err = azblob.UploadStreamToBlockBlob(ctx, body, containerURL.NewBlockBlobURL(key), azblob.UploadStreamToBlockBlobOptions{
		BufferSize: 4 * 1024 * 1024,
		MaxBuffers: 4,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/zip",
		},
	})
	if err != nil {
		return NewNetworkError(fmt.Sprintf("failed to upload %s to Azure", key), err)
	}
	return nil
}

func (a *AzureObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	containerURL, err := a.container()
	if err != nil {
		return nil, err
	}
	resp, err := containerURL.NewBlockBlobURL(key).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isAzureNotFound(err) {
			return nil, NewNotFoundError(fmt.Sprintf("blob %s not found", key), err)
		}
		return nil, NewNetworkError(fmt.Sprintf("failed to download %s from Azure", key), err)
	}
	return resp.Body(azblob.RetryReaderOptions{MaxRetryRequests: 20}), nil
}

func (a *AzureObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	containerURL, err := a.container()
	if err != nil {
		return nil, err
	}

	var objects []ObjectInfo
	for marker := (azblob.Marker{}); marker.NotDone(); {
		listResponse, err := containerURL.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{
			Prefix: prefix,
		})
		if err != nil {
			return nil, NewNetworkError("failed to list blobs from Azure", err)
		}
		for _, blob := range listResponse.Segment.BlobItems {
			info := ObjectInfo{
				Key:          blob.Name,
				LastModified: blob.Properties.LastModified,
			}
			if blob.Properties.ContentLength != nil {
				info.Size = *blob.Properties.ContentLength
			}
			objects = append(objects, info)
		}
		marker = listResponse.NextMarker
	}
	return objects, nil
}

func (a *AzureObjectStore) Delete(ctx context.Context, key string) error {
	containerURL, err := a.container()
	if err != nil {
		return err
	}
	_, err = containerURL.NewBlockBlobURL(key).Delete(ctx, azblob.DeleteSnapshotsOptionInclude, azblob.BlobAccessConditions{})
	if err != nil {
		if isAzureNotFound(err) {
			return NewNotFoundError(fmt.Sprintf("blob %s not found", key), err)
		}
		return NewNetworkError(fmt.Sprintf("failed to delete %s from Azure", key), err)
	}
	return nil
}

func isAzureNotFound(err error) bool {
	var stgErr azblob.StorageError
	if errors.As(err, &stgErr) {
		return stgErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
	}
	return false
}
