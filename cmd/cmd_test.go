package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tenant-backup/internal/backup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with fresh flag values
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cfgFile, outputFormat, noColor, verbose, quiet, autoApprove = "", "table", true, false, false, false
	tenantID, offloadToSecondary, uploadToRemote, notify = 0, false, false, false
	downloadOutput, resolveFlags, importUserID, metricsAddr = "", nil, 0, ""

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--no-color", "--quiet"))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	cfg := strings.Join([]string{
		"database:",
		"  driver: sqlite",
		"  file_path: " + filepath.Join(root, "app.db"),
		"storage:",
		"  primary_dir: " + filepath.Join(root, "backups"),
		"  upload_dir: " + filepath.Join(root, "uploads"),
		"  files_root: " + filepath.Join(root, "files"),
		"  work_dir: " + filepath.Join(root, "work"),
		"scheduler:",
		"  enabled: false",
		"",
	}, "\n")
	path := filepath.Join(root, "tenant-backup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path, root
}

func TestBackupLifecycleCommands(t *testing.T) {
	cfgPath, root := writeTestConfig(t)

	_, err := execute(t, "", "migrate", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "", "backup", "create", "--tenant", "3", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	var created backup.CreateResult
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.FileName)
	id, _, ok := backup.ParseArchiveName(created.FileName)
	require.True(t, ok)
	assert.Equal(t, int64(3), id)

	out, err = execute(t, "", "backup", "list", "--tenant", "3", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	var infos []backup.BackupInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, backup.LocationServer, infos[0].Location)

	out, err = execute(t, "", "backup", "list", "--tenant", "4", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	dest := filepath.Join(root, "downloads")
	require.NoError(t, os.MkdirAll(dest, 0755))
	_, err = execute(t, "", "backup", "download", created.FileName, "--tenant", "3", "-o", dest, "--config", cfgPath)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, created.FileName))

	out, err = execute(t, "", "import", "preview", created.FileName, "--tenant", "3", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	var preview backup.ImportPreview
	require.NoError(t, json.Unmarshal([]byte(out), &preview))
	require.NotNil(t, preview.Manifest)

	_, err = execute(t, "", "restore", created.FileName, "--tenant", "3", "--yes", "--config", cfgPath)
	require.NoError(t, err)

	_, err = execute(t, "", "restore", created.FileName, "--tenant", "4", "--yes", "--config", cfgPath)
	require.Error(t, err)
	assert.True(t, backup.IsKind(err, backup.BackupErrorTypeTenantMismatch))

	_, err = execute(t, "n\n", "backup", "delete", created.FileName, "--tenant", "3", "--config", cfgPath)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "backups", created.FileName))

	_, err = execute(t, "y\n", "backup", "delete", created.FileName, "--tenant", "3", "--config", cfgPath)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(root, "backups", created.FileName))
}

func TestScheduleRunOnceDisabled(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	out, err := execute(t, "", "schedule", "run-once", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)
	var result backup.SweepResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Skipped)
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "tenant-backup.yaml")
	_, err := execute(t, "", "config", "init", path)
	require.NoError(t, err)
	assert.FileExists(t, path)

	_, err = execute(t, "", "config", "init", path)
	assert.Error(t, err, "refuses to overwrite without --yes")

	_, err = execute(t, "", "config", "validate", "--config", path)
	assert.NoError(t, err)
}

func TestInvalidFormat(t *testing.T) {
	cfgPath, _ := writeTestConfig(t)
	_, err := execute(t, "", "backup", "list", "--config", cfgPath, "--format", "xml")
	assert.Error(t, err)
}

func TestParseResolutions(t *testing.T) {
	res, err := parseResolutions([]string{"Customers=skip", "*=create-new", "Settings=overwrite"})
	require.NoError(t, err)
	assert.Equal(t, backup.ResolutionSkip, res.For("Customers"))
	assert.Equal(t, backup.ResolutionOverwrite, res.For(backup.SettingsKind))
	assert.Equal(t, backup.ResolutionCreateNew, res.For("Products"))
	assert.Equal(t, backup.ResolutionCreateNew, res.For(backup.FilesKind))
	assert.True(t, hasOverwrite(res))

	res, err = parseResolutions(nil)
	require.NoError(t, err)
	assert.Equal(t, backup.ResolutionMerge, res.For("Sales"))
	assert.False(t, hasOverwrite(res))

	_, err = parseResolutions([]string{"Customers"})
	assert.Error(t, err)
	_, err = parseResolutions([]string{"Customers=sometimes"})
	assert.Error(t, err)
}

func TestCopyToFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "a.zip")
	n, err := copyToFile(dest, strings.NewReader("archive"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRestoreHelpDescribesStagingAndNaming(t *testing.T) {
	assert.Contains(t, restoreCmd.Long, "moved into place only after the transaction commits")
	assert.Contains(t, importApplyCmd.Long, "skip        leave the entity untouched")

	for _, text := range []string{rootCmd.Long, restoreCmd.Long, backupCmd.Long} {
		for _, line := range strings.Split(text, "\n") {
			for _, field := range strings.Fields(line) {
				name := filepath.Base(field)
				if !strings.HasPrefix(name, "backup_tenant") || strings.Contains(name, "<") {
					continue
				}
				_, _, ok := backup.ParseArchiveName(name)
				assert.True(t, ok, "example %q is not a valid archive name", name)
			}
		}
	}
}
