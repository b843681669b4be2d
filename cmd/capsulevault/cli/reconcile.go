package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"capsulevault/internal/reconcile"
	"capsulevault/internal/store"
)

func newReconcileCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile the index against the blobs on disk",
		Long: "Sweep all owners, reporting orphaned blobs and dangling index entries. " +
			"With --repair, orphans are re-indexed and dangling entries removed; " +
			"--verify additionally re-checks every blob's fingerprint. " +
			"--cron and --watch keep sweeping until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			repair, _ := cmd.Flags().GetBool("repair")
			verify, _ := cmd.Flags().GetBool("verify")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			cronExpr, _ := cmd.Flags().GetString("cron")
			watch, _ := cmd.Flags().GetBool("watch")

			return withStore(cmd, logger, func(s *store.Store) error {
				runner, err := reconcile.NewRunner(reconcile.Config{
					Store:       s,
					Options:     store.ReconcileOptions{Repair: repair, Verify: verify},
					Concurrency: concurrency,
					Logger:      logger,
				})
				if err != nil {
					return err
				}

				ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
				defer cancel()

				switch {
				case cronExpr != "":
					return runner.RunCron(ctx, cronExpr)
				case watch:
					return runner.Watch(ctx)
				default:
					report, err := runner.Run(ctx)
					if err != nil {
						return err
					}
					return printReport(cmd, report)
				}
			})
		},
	}
	cmd.Flags().Bool("repair", false, "re-index orphaned blobs and remove dangling index entries")
	cmd.Flags().Bool("verify", false, "re-check every blob's fingerprint")
	cmd.Flags().Int("concurrency", 0, "owners reconciled in parallel (default 4)")
	cmd.Flags().String("cron", "", "sweep on a cron schedule (6-field, leading seconds) until interrupted")
	cmd.Flags().Bool("watch", false, "sweep whenever the objects root changes, until interrupted")
	return cmd
}

func printReport(cmd *cobra.Command, report reconcile.Report) error {
	p := newPrinter(outputFormat(cmd))
	if p.format == "json" {
		return p.json(report)
	}
	p.kv([][2]string{
		{"Scanned", strconv.Itoa(report.Scanned)},
		{"Attention", strconv.Itoa(len(report.Owners))},
		{"Reindexed", strconv.Itoa(report.Reindexed)},
		{"Removed", strconv.Itoa(report.Removed)},
	})
	if len(report.Owners) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(report.Owners))
	for _, rep := range report.Owners {
		rows = append(rows, []string{
			rep.Owner,
			strings.Join(rep.Orphans, ","),
			strings.Join(rep.Dangling, ","),
			strings.Join(rep.Mismatched, ","),
		})
	}
	p.table([]string{"OWNER", "ORPHANS", "DANGLING", "MISMATCHED"}, rows)
	return nil
}
