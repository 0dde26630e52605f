package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"tenant-backup/internal/backup"
	apperrors "tenant-backup/internal/errors"

	"github.com/spf13/cobra"
)

var metricsAddr string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run scheduled backups for every Active and Trial tenant",
	Long: `Run scheduled backups for every Active and Trial tenant.

The scheduler runs only when scheduler.enabled is true, or, when that key is
unset, when the platform setting AutoBackupEnabled is "true".`,
}

var scheduleRunOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run a single sweep and exit",
	RunE:  runScheduleOnce,
}

var scheduleServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run sweeps on the configured cron expression until interrupted",
	Long: `Run sweeps on the configured cron expression until interrupted.

With --metrics-addr, Prometheus metrics are served on /metrics and a liveness
probe on /healthz.`,
	RunE: runScheduleServe,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleRunOnceCmd, scheduleServeCmd)
	scheduleServeCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the metrics endpoint, e.g. :9090")
}

func runScheduleOnce(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		result, err := a.svc.NewScheduler().RunScheduledBackup(cmd.Context())
		if err != nil {
			return err
		}
		return printSweep(a, result)
	})
}

func printSweep(a *app, result *backup.SweepResult) error {
	if err := a.printer.Document(result); err != nil {
		return err
	}
	if result.Skipped {
		a.printer.Warning("Sweep skipped: %s", result.Reason)
		return nil
	}
	for _, o := range result.Succeeded {
		if o.Partial {
			a.printer.Warning("Tenant %d: %s (some steps failed)", o.TenantID, o.Archive)
			continue
		}
		a.printer.Success("Tenant %d: %s", o.TenantID, o.Archive)
	}
	for _, o := range result.Failed {
		a.printer.Error("Tenant %d: %s", o.TenantID, o.Error)
	}
	a.printer.Info("Sweep finished in %s: %d succeeded, %d failed",
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond), len(result.Succeeded), len(result.Failed))
	return nil
}

func runScheduleServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		scheduler := a.svc.NewScheduler()
		if err := scheduler.Start(ctx); err != nil {
			return err
		}

		shutdown := apperrors.NewGracefulShutdownHandler()
		shutdown.RegisterShutdownFunc(func() error {
			cancel()
			scheduler.Stop()
			return nil
		})

		if metricsAddr != "" {
			srv := backup.NewMetricsServer(metricsAddr, a.registry)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.WithField("error", err.Error()).Error("Metrics server failed")
				}
			}()
			shutdown.RegisterShutdownFunc(func() error {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				return srv.Shutdown(shutdownCtx)
			})
			a.printer.Info("Serving metrics on %s", metricsAddr)
		}

		shutdown.Start()
		a.printer.Info("Scheduler running on %q, press Ctrl+C to stop", a.cfg.Scheduler.Cron)
		shutdown.WaitForShutdown()
		a.printer.Info("Scheduler stopped")
		return nil
	})
}
