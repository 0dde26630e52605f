package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ResolvedArchive is an archive available at a local path. Archives fetched
// from a remote backend live in a temp file that Close deletes.
type ResolvedArchive struct {
	Name      string
	Path      string
	Location  Location
	SizeBytes int64
	temp      *TempFile
}

// Temporary reports whether Path is a process-temp copy
func (a *ResolvedArchive) Temporary() bool {
	return a.temp != nil
}

// Close releases any temp copy
func (a *ResolvedArchive) Close() error {
	if a == nil || a.temp == nil {
		return nil
	}
	return a.temp.Close()
}

// Backend is one place archives can live
type Backend interface {
	Location() Location
	Fetch(ctx context.Context, name string) (*ResolvedArchive, error)
	List(ctx context.Context) ([]BackupInfo, error)
	Delete(ctx context.Context, name string) error
	Put(ctx context.Context, localPath, name string) error
}

// LocalBackend stores archives as files in one directory
type LocalBackend struct {
	location Location
	dir      string
}

// NewLocalBackend creates a directory backend tagged with location
func NewLocalBackend(location Location, dir string) *LocalBackend {
	return &LocalBackend{location: location, dir: dir}
}

func (l *LocalBackend) Location() Location {
	return l.location
}

// Dir returns the backend directory
func (l *LocalBackend) Dir() string {
	return l.dir
}

// Contains reports whether path lies inside the backend directory
func (l *LocalBackend) Contains(path string) bool {
	return pathWithin(l.dir, path)
}

func (l *LocalBackend) Fetch(ctx context.Context, name string) (*ResolvedArchive, error) {
	path := filepath.Join(l.dir, name)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, NewNotFoundError(fmt.Sprintf("%s not found in %s", name, l.location), err)
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to stat %s", path), err)
	}
	if info.IsDir() {
		return nil, NewInvalidFormatError(fmt.Sprintf("%s is a directory", path), nil)
	}
	return &ResolvedArchive{Name: name, Path: path, Location: l.location, SizeBytes: info.Size()}, nil
}

func (l *LocalBackend) List(ctx context.Context) ([]BackupInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to read %s", l.dir), err)
	}

	var infos []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".zip") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, BackupInfo{
			FileName:  entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: archiveCreatedAt(entry.Name(), info.ModTime()),
			Location:  l.location,
		})
	}
	return infos, nil
}

func (l *LocalBackend) Delete(ctx context.Context, name string) error {
	err := os.Remove(filepath.Join(l.dir, name))
	if os.IsNotExist(err) {
		return NewNotFoundError(fmt.Sprintf("%s not found in %s", name, l.location), err)
	}
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to delete %s", name), err)
	}
	return nil
}

// Put copies localPath into the directory via a staging file and rename
func (l *LocalBackend) Put(ctx context.Context, localPath, name string) error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return NewStorageError(fmt.Sprintf("failed to create %s", l.dir), err)
	}
	dest := filepath.Join(l.dir, name)
	if samePath(localPath, dest) {
		return nil
	}
	if err := copyFile(localPath, dest+".partial"); err != nil {
		os.Remove(dest + ".partial")
		return NewStorageError(fmt.Sprintf("failed to copy %s to %s", name, l.location), err)
	}
	if err := os.Rename(dest+".partial", dest); err != nil {
		os.Remove(dest + ".partial")
		return NewStorageError(fmt.Sprintf("failed to finalize %s in %s", name, l.location), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// pathWithin reports whether target is dir or lies beneath it.
func pathWithin(dir, target string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absTarget)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
