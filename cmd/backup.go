package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"

	"github.com/spf13/cobra"
)

var (
	tenantID int64

	// Backup creation flags
	offloadToSecondary bool
	uploadToRemote     bool
	notify             bool

	// Download flags
	downloadOutput string
)

// backupCmd represents the backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create, list, delete and download tenant archives",
	Long: `Create, list, delete and download tenant archives.

Archives are named backup_tenant<id>_<yyyyMMdd_HHmmss>.zip and may live on the
server, in the secondary directory, or in the configured object store.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a full archive for one tenant",
	Long: `Create a full archive for one tenant: database rows, settings, redacted users,
CSV exports, monthly ledger reports, invoices, statements and uploaded files.

Steps that fail (a report, a missing file) are listed and do not abort the archive.

Examples:
  tenant-backup backup create --tenant 7
  tenant-backup backup create --tenant 7 --offload --upload --notify`,
	RunE: runBackupCreate,
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archives across every storage location",
	Long: `List archives across every storage location, newest first.

Without --tenant every tenant's archives are listed.`,
	RunE: runBackupList,
}

var backupDeleteCmd = &cobra.Command{
	Use:   "delete <archive>",
	Short: "Delete an archive from every location holding it",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDelete,
}

var backupDownloadCmd = &cobra.Command{
	Use:   "download <archive>",
	Short: "Copy an archive to a local file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupDownload,
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupDeleteCmd, backupDownloadCmd)

	for _, c := range []*cobra.Command{backupCreateCmd, backupListCmd, backupDeleteCmd, backupDownloadCmd} {
		c.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	}
	backupCreateCmd.MarkFlagRequired("tenant")

	backupCreateCmd.Flags().BoolVar(&offloadToSecondary, "offload", false, "copy the archive to the secondary directory")
	backupCreateCmd.Flags().BoolVar(&uploadToRemote, "upload", false, "upload the archive to the object store")
	backupCreateCmd.Flags().BoolVar(&notify, "notify", false, "send configured notifications")

	backupDownloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "destination file or directory (default ./<archive>)")
}

func runBackupCreate(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		a.printer.Info("Creating backup for tenant %d...", tenantID)
		res, err := a.svc.Create(cmd.Context(), tenantID, backup.CreateOptions{
			OffloadToSecondary: offloadToSecondary,
			UploadToRemote:     uploadToRemote,
			Notify:             notify,
		})
		if err != nil {
			return err
		}

		if err := a.printer.Document(res); err != nil {
			return err
		}
		a.printer.Success("Backup created: %s", res.FileName)
		a.printer.KeyValues([][2]string{
			{"Size", display.FormatBytes(res.SizeBytes)},
			{"Offloaded", strconv.FormatBool(res.Offloaded)},
			{"Uploaded", strconv.FormatBool(res.Uploaded)},
		})
		if res.Manifest != nil && a.printer.Format() == display.FormatTable {
			table := display.NewTable("Entity", "Rows")
			table.SetAlignment(1, display.AlignRight)
			for _, kind := range sortedKeys(res.Manifest.RecordCounts) {
				table.AddRow(kind, strconv.Itoa(res.Manifest.RecordCounts[kind]))
			}
			a.printer.Table(table)
		}
		for _, f := range res.Failures {
			a.printer.Warning("Step %s failed: %s", f.Step, f.Error)
		}
		return nil
	})
}

func runBackupList(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		infos, err := a.svc.List(cmd.Context(), tenantID)
		if err != nil {
			return err
		}
		if a.printer.Format() != display.FormatTable {
			if infos == nil {
				infos = []backup.BackupInfo{}
			}
			return a.printer.Document(infos)
		}
		if len(infos) == 0 {
			a.printer.Info("No backups found")
			return nil
		}

		table := display.NewTable("Archive", "Created", "Size", "Location")
		table.SetAlignment(2, display.AlignRight)
		for _, info := range infos {
			table.AddRow(
				info.FileName,
				info.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				display.FormatBytes(info.SizeBytes),
				string(info.Location),
			)
		}
		a.printer.Table(table)
		a.printer.Info("Total backups: %d", len(infos))
		return nil
	})
}

func runBackupDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withApp(cmd, func(a *app) error {
		ok, err := a.confirm.Confirm(confirmation.Summary{
			Title: "Delete backup",
			Details: [][2]string{
				{"Archive", name},
				{"Tenant", tenantLabel(tenantID)},
			},
			Warnings: []string{"The archive is removed from every location holding it"},
		}, autoApprove)
		if err != nil || !ok {
			return err
		}

		if err := a.svc.Delete(cmd.Context(), tenantID, name); err != nil {
			return err
		}
		a.printer.Success("Backup deleted: %s", name)
		return nil
	})
}

func runBackupDownload(cmd *cobra.Command, args []string) error {
	name := args[0]
	return withApp(cmd, func(a *app) error {
		rc, fileName, err := a.svc.Download(cmd.Context(), tenantID, name)
		if err != nil {
			return err
		}
		defer rc.Close()

		dest := downloadOutput
		if dest == "" {
			dest = fileName
		} else if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
			dest = filepath.Join(dest, fileName)
		}

		start := time.Now()
		n, err := copyToFile(dest, rc)
		if err != nil {
			return err
		}
		a.printer.Success("Downloaded %s to %s (%s in %s)", fileName, dest, display.FormatBytes(n), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

// copyToFile writes r to path through a temp file in the same directory
func copyToFile(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to move download into place: %w", err)
	}
	return n, nil
}

func tenantLabel(id int64) string {
	if id == 0 {
		return "any (platform)"
	}
	return strconv.FormatInt(id, 10)
}
