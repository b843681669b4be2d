// Package reconcile runs reconciliation sweeps over a capsule store:
// one-shot, on a cron schedule, or continuously by watching the objects
// root for filesystem changes. The per-owner diffing and repair logic
// lives in the store; this package only decides when to run it and over
// which owners, and aggregates the per-owner reports.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"capsulevault/internal/logging"
	"capsulevault/internal/store"
)

const (
	defaultConcurrency = 4

	// watchSettle is how long the watcher waits after the last filesystem
	// event before sweeping, so a burst of writes triggers one pass.
	watchSettle = 2 * time.Second
)

// Config configures a reconciliation runner.
type Config struct {
	// Store is the capsule store to reconcile. Required.
	Store *store.Store

	// Options are passed through to every per-owner pass.
	Options store.ReconcileOptions

	// Concurrency bounds how many owners are reconciled in parallel.
	// Defaults to 4.
	Concurrency int

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Report aggregates one sweep over all owners. Owners holds only the
// owners that needed attention.
type Report struct {
	Scanned   int                 `json:"scanned"`
	Reindexed int                 `json:"reindexed"`
	Removed   int                 `json:"removed"`
	Owners    []store.OwnerReport `json:"owners,omitempty"`
}

// Clean reports whether the sweep found nothing to fix.
func (r Report) Clean() bool {
	return len(r.Owners) == 0
}

// Runner executes reconciliation sweeps.
type Runner struct {
	store       *store.Store
	opts        store.ReconcileOptions
	concurrency int
	logger      *slog.Logger
}

func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconcile runner requires a store")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Runner{
		store:       cfg.Store,
		opts:        cfg.Options,
		concurrency: concurrency,
		logger:      logging.Default(cfg.Logger).With("component", "reconciler"),
	}, nil
}

// Run performs one sweep: scan all owners and reconcile each, bounded
// by the configured concurrency. The first per-owner error cancels the
// sweep; the partial report is still returned.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	owners, err := r.store.ScanOwners()
	if err != nil {
		return Report{}, fmt.Errorf("scan owners: %w", err)
	}

	var (
		mu     sync.Mutex
		report = Report{Scanned: len(owners)}
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, owner := range owners {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rep, err := r.store.ReconcileOwner(owner, r.opts)
			if err != nil {
				return fmt.Errorf("reconcile %q: %w", owner, err)
			}
			mu.Lock()
			report.Reindexed += rep.Reindexed
			report.Removed += rep.Removed
			if !rep.Clean() {
				report.Owners = append(report.Owners, rep)
			}
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	slices.SortFunc(report.Owners, func(a, b store.OwnerReport) int {
		return strings.Compare(a.Owner, b.Owner)
	})

	r.logger.Info("reconciliation sweep finished",
		"scanned", report.Scanned,
		"attention", len(report.Owners),
		"reindexed", report.Reindexed,
		"removed", report.Removed)
	return report, err
}

// RunCron runs sweeps on a cron schedule until the context is canceled.
// The expression uses the 6-field form with a leading seconds field.
func (r *Runner) RunCron(ctx context.Context, cronExpr string) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create cron scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(func() {
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("scheduled sweep failed", "error", err)
			}
		}),
		gocron.WithName("reconcile-sweep"),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("create scheduled sweep: %w", err)
	}

	scheduler.Start()
	r.logger.Info("scheduled sweeps started", "cron", cronExpr)

	<-ctx.Done()
	return scheduler.Shutdown()
}

// Watch sweeps once, then watches the objects root and reruns a sweep
// after filesystem activity settles. Runs until the context is canceled.
func (r *Runner) Watch(ctx context.Context) error {
	if _, err := r.Run(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	objectsDir := r.store.ObjectsDir()
	if err := watcher.Add(objectsDir); err != nil {
		return fmt.Errorf("watch %s: %w", objectsDir, err)
	}
	r.logger.Info("watching objects root", "dir", objectsDir)

	// The settle timer starts armed-but-stopped; events reset it.
	settle := time.NewTimer(watchSettle)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// New owner directories appear under the objects root; watch
			// them too so blob-level changes inside are seen.
			if event.Op.Has(fsnotify.Create) {
				if err := watcher.Add(event.Name); err == nil {
					r.logger.Debug("watching new path", "path", event.Name)
				}
			}
			settle.Reset(watchSettle)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", "error", err)

		case <-settle.C:
			if _, err := r.Run(ctx); err != nil {
				r.logger.Error("triggered sweep failed", "error", err)
			}
		}
	}
}
