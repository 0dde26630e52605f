package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// RemoteBackend exposes an ObjectStore as a Backend. Downloads land in a
// self-deleting temp file under workDir.
type RemoteBackend struct {
	store   ObjectStore
	prefix  string
	enc     *EncryptionManager
	workDir string
}

// NewRemoteBackend wraps store. enc may be nil.
func NewRemoteBackend(store ObjectStore, prefix string, enc *EncryptionManager, workDir string) *RemoteBackend {
	return &RemoteBackend{store: store, prefix: prefix, enc: enc, workDir: workDir}
}

func (r *RemoteBackend) Location() Location {
	return LocationObjectStore
}

func (r *RemoteBackend) Fetch(ctx context.Context, name string) (*ResolvedArchive, error) {
	body, err := r.store.Get(ctx, ObjectKey(r.prefix, name))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	tmp, err := CreateTempFile(r.workDir, downloadTempPrefix+"*.zip")
	if err != nil {
		return nil, err
	}

	if r.enc.IsEnabled() {
		data, err := io.ReadAll(body)
		if err != nil {
			tmp.Close()
			return nil, NewNetworkError(fmt.Sprintf("failed to read %s", name), err)
		}
		if data, err = r.enc.Decrypt(data); err != nil {
			tmp.Close()
			return nil, err
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return nil, NewStorageError("failed to write temp copy", err)
		}
	} else if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return nil, NewNetworkError(fmt.Sprintf("failed to download %s", name), err)
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		tmp.Close()
		return nil, NewStorageError("failed to size temp copy", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, NewStorageError("failed to rewind temp copy", err)
	}

	return &ResolvedArchive{
		Name:      name,
		Path:      tmp.Path(),
		Location:  LocationObjectStore,
		SizeBytes: size,
		temp:      tmp,
	}, nil
}

func (r *RemoteBackend) List(ctx context.Context) ([]BackupInfo, error) {
	objects, err := r.store.List(ctx, listPrefix(r.prefix))
	if err != nil {
		return nil, err
	}

	var infos []BackupInfo
	for _, obj := range objects {
		name, ok := nameFromKey(r.prefix, obj.Key)
		if !ok || ValidateArchiveName(name) != nil {
			continue
		}
		infos = append(infos, BackupInfo{
			FileName:  name,
			SizeBytes: obj.Size,
			CreatedAt: archiveCreatedAt(name, obj.LastModified),
			Location:  LocationObjectStore,
		})
	}
	return infos, nil
}

func (r *RemoteBackend) Delete(ctx context.Context, name string) error {
	return r.store.Delete(ctx, ObjectKey(r.prefix, name))
}

func (r *RemoteBackend) Put(ctx context.Context, localPath, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open %s", localPath), err)
	}
	defer f.Close()

	var (
		body io.ReadSeeker = f
		size int64
	)
	if r.enc.IsEnabled() {
		data, err := io.ReadAll(f)
		if err != nil {
			return NewStorageError(fmt.Sprintf("failed to read %s", localPath), err)
		}
		sealed, err := r.enc.Encrypt(data)
		if err != nil {
			return err
		}
		body, size = bytes.NewReader(sealed), int64(len(sealed))
	} else {
		info, err := f.Stat()
		if err != nil {
			return NewStorageError(fmt.Sprintf("failed to stat %s", localPath), err)
		}
		size = info.Size()
	}

	return r.store.Put(ctx, ObjectKey(r.prefix, name), body, size)
}
