package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tenant-backup/internal/config"
	"tenant-backup/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Resolver locates archives across backends in precedence order:
// Server, Desktop, ObjectStore.
type Resolver struct {
	backends       []Backend
	uploadDir      string
	maxUploadBytes int64
	logger         *logging.Logger
}

// NewResolver builds the backends described by cfg. store may be nil.
func NewResolver(cfg *config.Config, store ObjectStore, enc *EncryptionManager, logger *logging.Logger) *Resolver {
	backends := []Backend{NewLocalBackend(LocationServer, cfg.Storage.PrimaryDir)}
	if secondary := cfg.Storage.SecondaryPath(); secondary != "" {
		backends = append(backends, NewLocalBackend(LocationDesktop, secondary))
	}
	if store != nil {
		backends = append(backends, NewRemoteBackend(store, cfg.ObjectStore.Prefix, enc, cfg.Storage.WorkDir))
	}
	return NewResolverWithBackends(backends, cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes, logger)
}

// NewResolverWithBackends is the explicit constructor used by tests.
func NewResolverWithBackends(backends []Backend, uploadDir string, maxUploadBytes int64, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = config.DefaultMaxUploadBytes
	}
	return &Resolver{
		backends:       backends,
		uploadDir:      uploadDir,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// Backend returns the backend for loc, if configured
func (r *Resolver) Backend(loc Location) (Backend, bool) {
	for _, b := range r.backends {
		if b.Location() == loc {
			return b, true
		}
	}
	return nil, false
}

// Resolve turns a reference into a local archive. An absolute path is an
// uploaded or already-resolved file; anything else is an archive name looked
// up in each backend in turn. Backend errors are logged and the search moves on.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*ResolvedArchive, error) {
	if filepath.IsAbs(ref) {
		return r.resolvePath(ref)
	}
	if err := ValidateArchiveName(ref); err != nil {
		return nil, err
	}

	var lastErr error
	for _, b := range r.backends {
		archive, err := b.Fetch(ctx, ref)
		if err == nil {
			r.logger.WithFields(map[string]interface{}{
				"archive":  ref,
				"location": string(b.Location()),
			}).Debug("Archive resolved")
			return archive, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !IsKind(err, BackupErrorTypeNotFound) {
			r.logger.WithFields(map[string]interface{}{
				"archive":  ref,
				"location": string(b.Location()),
				"error":    err.Error(),
			}).Warn("Backend lookup failed, trying next backend")
		}
		lastErr = err
	}
	return nil, NewNotFoundError(fmt.Sprintf("backup %s not found", ref), lastErr)
}

// resolvePath accepts files in the upload directory (size capped before
// anything is extracted) or in a local backend directory.
func (r *Resolver) resolvePath(path string) (*ResolvedArchive, error) {
	path = filepath.Clean(path)

	location := LocationUpload
	if r.uploadDir == "" || !pathWithin(r.uploadDir, path) {
		location = ""
		for _, b := range r.backends {
			if lb, ok := b.(*LocalBackend); ok && lb.Contains(path) {
				location = lb.Location()
				break
			}
		}
		if location == "" {
			return nil, NewValidationError(fmt.Sprintf("%s is outside the upload directory", path), nil)
		}
	}

	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return nil, NewInvalidFormatError(fmt.Sprintf("%s is not a .zip archive", filepath.Base(path)), nil)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, NewNotFoundError(fmt.Sprintf("%s does not exist", path), err)
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to stat %s", path), err)
	}
	if info.IsDir() {
		return nil, NewInvalidFormatError(fmt.Sprintf("%s is a directory", path), nil)
	}
	if location == LocationUpload && info.Size() > r.maxUploadBytes {
		return nil, NewTooLargeError(info.Size(), r.maxUploadBytes)
	}

	return &ResolvedArchive{
		Name:      filepath.Base(path),
		Path:      path,
		Location:  location,
		SizeBytes: info.Size(),
	}, nil
}

// List merges every backend's archives. Backends are queried concurrently;
// a failing backend is logged and contributes nothing. Names appearing in
// several backends are reported once, by the highest-precedence backend.
func (r *Resolver) List(ctx context.Context) ([]BackupInfo, error) {
	results := make([][]BackupInfo, len(r.backends))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range r.backends {
		i, b := i, b
		g.Go(func() error {
			infos, err := b.List(gctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.WithFields(map[string]interface{}{
					"location": string(b.Location()),
					"error":    err.Error(),
				}).Warn("Failed to list backend")
				return nil
			}
			results[i] = infos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var merged []BackupInfo
	for _, infos := range results {
		for _, info := range infos {
			if _, dup := seen[info.FileName]; dup {
				continue
			}
			seen[info.FileName] = struct{}{}
			merged = append(merged, info)
		}
	}
	SortNewestFirst(merged)
	return merged, nil
}

// OpenForDownload returns a stream over the archive and its file name.
// Streams over downloaded copies delete the copy when closed.
func (r *Resolver) OpenForDownload(ctx context.Context, name string) (io.ReadCloser, string, error) {
	if err := ValidateArchiveName(name); err != nil {
		return nil, "", err
	}
	archive, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, "", err
	}
	if archive.temp != nil {
		return archive.temp, archive.Name, nil
	}
	f, err := os.Open(archive.Path)
	if err != nil {
		return nil, "", NewStorageError(fmt.Sprintf("failed to open %s", archive.Path), err)
	}
	return f, archive.Name, nil
}

// Delete removes name from every backend holding it. It reports NotFound
// only when no backend had the archive.
func (r *Resolver) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateArchiveName(name); err != nil {
		return false, err
	}

	deleted := false
	for _, b := range r.backends {
		err := b.Delete(ctx, name)
		switch {
		case err == nil:
			deleted = true
			r.logger.WithFields(map[string]interface{}{
				"archive":  name,
				"location": string(b.Location()),
			}).Info("Archive deleted")
		case IsKind(err, BackupErrorTypeNotFound):
		default:
			r.logger.WithFields(map[string]interface{}{
				"archive":  name,
				"location": string(b.Location()),
				"error":    err.Error(),
			}).Warn("Failed to delete archive from backend")
		}
	}
	if !deleted {
		return false, NewNotFoundError(fmt.Sprintf("backup %s not found", name), nil)
	}
	return true, nil
}

// Put stores localPath as name in the backend for loc
func (r *Resolver) Put(ctx context.Context, localPath, name string, loc Location) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}
	b, ok := r.Backend(loc)
	if !ok {
		return NewConfigurationError(fmt.Sprintf("no %s backend is configured", loc), nil)
	}
	return b.Put(ctx, localPath, name)
}
