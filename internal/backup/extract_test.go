package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeEntryPath(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"manifest.json", "manifest.json", false},
		{"data/./db_dump.sql", "data/db_dump.sql", false},
		{"invoices/../invoices/INV-1.pdf", "invoices/INV-1.pdf", false},
		{"../evil.txt", "", true},
		{"data/../../evil.txt", "", true},
		{"/etc/passwd", "", true},
		{`..\evil.txt`, "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := safeEntryPath(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func openTestZip(t *testing.T, entries map[string]string) *zip.ReadCloser {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	writeZip(t, path, entries)
	zr, err := openZip(path)
	require.NoError(t, err)
	t.Cleanup(func() { zr.Close() })
	return zr
}

func TestExtractAllRejectsZipSlip(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "out")
	require.NoError(t, os.MkdirAll(dir, 0755))

	zr := openTestZip(t, map[string]string{
		"manifest.json":     "{}",
		"../../escaped.txt": "pwned",
	})
	err := extractAll(&zr.Reader, dir, 0)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
	_, statErr := os.Stat(filepath.Join(root, "escaped.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractAllEnforcesSizeLimit(t *testing.T) {
	dir := t.TempDir()
	zr := openTestZip(t, map[string]string{
		"a.txt": strings.Repeat("a", 600),
		"b.txt": strings.Repeat("b", 600),
	})
	err := extractAll(&zr.Reader, dir, 1000)
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeTooLarge))
}

func TestExtractAllWritesTree(t *testing.T) {
	dir := t.TempDir()
	zr := openTestZip(t, map[string]string{
		"data/db_dump.sql":           "-- DATA:Customers:[]\n",
		"invoices/INV-1.pdf":         "%PDF",
		"storage/logos/7/a.png":      "png",
		"settings/users.json":        "[]",
		"database/customers.csv":     "id\n",
		"reports/monthly_x.pdf":      "%PDF",
		"statements/statement_1.pdf": "%PDF",
	})
	require.NoError(t, extractAll(&zr.Reader, dir, 1<<20))

	artifact, raw, err := databaseArtifact(dir)
	require.NoError(t, err)
	assert.False(t, raw)
	assert.Equal(t, filepath.Join(dir, "data", "db_dump.sql"), artifact)

	data, err := os.ReadFile(filepath.Join(dir, "storage", "logos", "7", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestDatabaseArtifactMissing(t *testing.T) {
	_, _, err := databaseArtifact(t.TempDir())
	require.Error(t, err)
	assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
}

func TestReadManifestAndCheck(t *testing.T) {
	zr := openTestZip(t, map[string]string{
		ManifestPath: `{"schema_version":"2.0","backup_date":"2026-03-14T09:30:00Z","tenant_id":7,"record_counts":{},"checksums":{}}`,
	})
	m, err := readManifest(&zr.Reader)
	require.NoError(t, err)
	require.NotNil(t, m.TenantID)
	assert.Equal(t, int64(7), *m.TenantID)

	assert.NoError(t, checkManifest(m, 7))
	assert.True(t, IsKind(checkManifest(m, 8), BackupErrorTypeTenantMismatch))

	m.SchemaVersion = "1.0"
	assert.True(t, IsKind(checkManifest(m, 7), BackupErrorTypeSchemaMismatch))
}

func TestReadManifestMissing(t *testing.T) {
	zr := openTestZip(t, map[string]string{"data/db_dump.sql": ""})
	_, err := readManifest(&zr.Reader)
	assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
}

func TestOpenZipRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.zip")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0644))
	_, err := openZip(path)
	assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
}

func TestVerifyChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db_dump.sql")
	require.NoError(t, os.WriteFile(path, []byte("dump"), 0644))
	sum, err := fileSHA256(path)
	require.NoError(t, err)

	ok, err := verifyChecksum(&Manifest{Checksums: map[string]string{ChecksumDatabase: "sha256:" + sum}}, path)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyChecksum(&Manifest{}, path)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = verifyChecksum(&Manifest{Checksums: map[string]string{ChecksumDatabase: "deadbeef"}}, path)
	assert.True(t, IsKind(err, BackupErrorTypeInvalidFormat))
}
