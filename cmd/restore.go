package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tenant-backup/internal/backup"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"

	"github.com/spf13/cobra"
)

var (
	resolveFlags []string
	importUserID int64
)

var restoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Restore one tenant from an archive",
	Long: `Restore one tenant from an archive. The archive may be named by file name
(searched on the server, secondary and object store locations in that order),
by absolute path, or by a file in the upload directory.

Rows are upserted inside a single transaction. Documents are staged next to
their live copies and moved into place only after the transaction commits, so a
failure leaves both rows and documents as they were. Archives written for
another tenant are rejected.

Examples:
  tenant-backup restore backup_tenant7_20260314_093000.zip --tenant 7
  tenant-backup restore /mnt/usb/backup_tenant7_20260314_093000.zip --tenant 7 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Preview or merge an archive into a live tenant",
}

var importPreviewCmd = &cobra.Command{
	Use:   "preview <archive>",
	Short: "Show conflicts between an archive and the live tenant without writing",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportPreview,
}

var importApplyCmd = &cobra.Command{
	Use:   "apply <archive>",
	Short: "Merge an archive into the live tenant",
	Long: `Merge an archive into the live tenant using a resolution per entity type:

  skip        leave the entity untouched
  overwrite   replace live rows with archived rows
  merge       keep whichever row was updated last (default)
  create_new  insert every archived row under a new id and remap references

Settings and Files accept the same resolutions.

Examples:
  tenant-backup import apply a.zip --tenant 7 --resolve Customers=skip --resolve Products=overwrite
  tenant-backup import apply a.zip --tenant 7 --resolve '*=create_new' --user 42`,
	Args: cobra.ExactArgs(1),
	RunE: runImportApply,
}

func init() {
	rootCmd.AddCommand(restoreCmd, importCmd)
	importCmd.AddCommand(importPreviewCmd, importApplyCmd)

	for _, c := range []*cobra.Command{restoreCmd, importPreviewCmd, importApplyCmd} {
		c.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
		c.MarkFlagRequired("tenant")
	}
	importApplyCmd.Flags().StringArrayVar(&resolveFlags, "resolve", nil, "per-entity resolution as Kind=resolution; '*' sets every kind")
	importApplyCmd.Flags().Int64Var(&importUserID, "user", 0, "id of the user performing the import")
}

func runRestore(cmd *cobra.Command, args []string) error {
	ref := args[0]
	return withApp(cmd, func(a *app) error {
		ok, err := a.confirm.Confirm(confirmation.Summary{
			Title: fmt.Sprintf("Restore tenant %d", tenantID),
			Details: [][2]string{
				{"Archive", ref},
				{"Tenant", strconv.FormatInt(tenantID, 10)},
			},
			Destructive: true,
		}, autoApprove)
		if err != nil || !ok {
			return err
		}

		a.printer.Info("Restoring tenant %d from %s...", tenantID, ref)
		res, err := a.svc.Restore(cmd.Context(), tenantID, ref)
		if err != nil {
			return err
		}
		if err := a.printer.Document(res); err != nil {
			return err
		}
		a.printer.Success("%s", res.Message)
		printEntityStats(a.printer, res.Entities)
		for _, w := range res.Warnings {
			a.printer.Warning("%s", w)
		}
		return nil
	})
}

func runImportPreview(cmd *cobra.Command, args []string) error {
	ref := args[0]
	return withApp(cmd, func(a *app) error {
		preview, err := a.svc.Preview(cmd.Context(), tenantID, ref)
		if err != nil {
			return err
		}
		if a.printer.Format() != display.FormatTable {
			return a.printer.Document(preview)
		}

		if m := preview.Manifest; m != nil {
			archiveTenant := "unknown (legacy archive)"
			if m.TenantID != nil {
				archiveTenant = strconv.FormatInt(*m.TenantID, 10)
			}
			a.printer.Header("Archive")
			a.printer.KeyValues([][2]string{
				{"Schema version", m.SchemaVersion},
				{"Created", m.BackupDate.Local().Format("2006-01-02 15:04:05")},
				{"Tenant", archiveTenant},
			})
		}

		counts := display.NewTable("Entity", "Incoming")
		counts.SetAlignment(1, display.AlignRight)
		for _, kind := range sortedKeys(preview.IncomingCounts) {
			counts.AddRow(kind, strconv.Itoa(preview.IncomingCounts[kind]))
		}
		a.printer.Table(counts)

		if len(preview.Conflicts) == 0 {
			a.printer.Success("No conflicts")
		} else {
			conflicts := display.NewTable("Entity", "Conflict", "Existing", "Incoming", "Description")
			conflicts.SetAlignment(2, display.AlignRight)
			conflicts.SetAlignment(3, display.AlignRight)
			for _, c := range preview.Conflicts {
				conflicts.AddRow(c.EntityType, string(c.Kind), strconv.Itoa(c.Existing), strconv.Itoa(c.Incoming), c.Description)
			}
			a.printer.Table(conflicts)
			a.printer.Warning("%d conflicts found", len(preview.Conflicts))
		}
		if len(preview.UnknownTables) > 0 {
			a.printer.Warning("Unknown tables will be ignored: %s", strings.Join(preview.UnknownTables, ", "))
		}
		return nil
	})
}

func runImportApply(cmd *cobra.Command, args []string) error {
	ref := args[0]
	resolutions, err := parseResolutions(resolveFlags)
	if err != nil {
		return err
	}
	return withApp(cmd, func(a *app) error {
		details := [][2]string{
			{"Archive", ref},
			{"Tenant", strconv.FormatInt(tenantID, 10)},
		}
		for _, kind := range backup.ImportKinds() {
			details = append(details, [2]string{kind, string(resolutions.For(kind))})
		}
		ok, err := a.confirm.Confirm(confirmation.Summary{
			Title:       fmt.Sprintf("Import into tenant %d", tenantID),
			Details:     details,
			Destructive: hasOverwrite(resolutions),
		}, autoApprove)
		if err != nil || !ok {
			return err
		}

		res, err := a.svc.Import(cmd.Context(), tenantID, ref, resolutions, importUserID)
		if err != nil {
			if res != nil {
				for _, e := range res.Errors {
					a.printer.Error("%s", e)
				}
			}
			return err
		}
		if err := a.printer.Document(res); err != nil {
			return err
		}
		a.printer.Success("%s", res.Message)
		printEntityStats(a.printer, res.Entities)
		for _, w := range res.Warnings {
			a.printer.Warning("%s", w)
		}
		return nil
	})
}

// parseResolutions parses repeated Kind=resolution flags. "*" applies to
// every importable kind; explicit kinds win over "*".
func parseResolutions(flags []string) (backup.Resolutions, error) {
	res := backup.Resolutions{}
	var all backup.Resolution
	for _, f := range flags {
		kind, value, ok := strings.Cut(f, "=")
		if !ok || strings.TrimSpace(kind) == "" {
			return nil, fmt.Errorf("invalid --resolve %q, expected Kind=resolution", f)
		}
		r, err := backup.ParseResolution(value)
		if err != nil {
			return nil, err
		}
		kind = strings.TrimSpace(kind)
		if kind == "*" {
			all = r
			continue
		}
		res[kind] = r
	}
	if all != "" {
		for _, kind := range backup.ImportKinds() {
			if _, set := res[kind]; !set {
				res[kind] = all
			}
		}
	}
	return res, nil
}

func hasOverwrite(r backup.Resolutions) bool {
	for _, kind := range backup.ImportKinds() {
		if r.For(kind) == backup.ResolutionOverwrite {
			return true
		}
	}
	return false
}

func printEntityStats(p *display.Printer, entities map[string]backup.EntityStats) {
	if len(entities) == 0 {
		return
	}
	table := display.NewTable("Entity", "Imported", "Updated", "Skipped")
	for i := 1; i <= 3; i++ {
		table.SetAlignment(i, display.AlignRight)
	}
	for _, kind := range sortedKeys(entities) {
		s := entities[kind]
		table.AddRow(kind, strconv.Itoa(s.Imported), strconv.Itoa(s.Updated), strconv.Itoa(s.Skipped))
	}
	p.Table(table)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
