// Package maintenance runs the background housekeeping loops: sweeping
// abandoned migrations into rollback, advisory revalidation of production,
// operation-log purging and safety-copy pruning.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hybridflow/tristore/pkg/engine"
	"github.com/hybridflow/tristore/pkg/registry"
)

// Lifecycle is the slice of the engine the worker drives. Satisfied by
// *engine.Engine.
type Lifecycle interface {
	Rollback(ctx context.Context, versionID, reason string) error
	Validate(ctx context.Context, versionID string) (*engine.ValidationReport, error)
}

// SafetyPruner drops safety-copy namespaces that are no longer needed.
// Satisfied by *engine.RetentionManager.
type SafetyPruner interface {
	PruneSafetyCopies(ctx context.Context) error
}

// Worker is the periodic maintenance loop. One replica should run it; with
// multiple replicas the sweep's rollback calls still converge because
// rollback is idempotent, but the advisory revalidation would be duplicated.
type Worker struct {
	reg       *registry.Store
	lifecycle Lifecycle
	pruner    SafetyPruner
	cfg       *Config
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewWorker creates a maintenance worker.
func NewWorker(reg *registry.Store, lifecycle Lifecycle, pruner SafetyPruner, cfg *Config, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		reg:       reg,
		lifecycle: lifecycle,
		pruner:    pruner,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run starts the maintenance loop. It blocks until the context is
// cancelled, then waits for an in-flight sweep to finish.
func (w *Worker) Run(ctx context.Context) {
	if !w.cfg.Enabled {
		w.logger.Info("maintenance worker disabled")
		return
	}

	w.logger.Info("maintenance worker starting",
		"interval", w.cfg.Interval.String(),
		"staleDeadline", w.cfg.StaleDeadline.String(),
		"logRetention", w.cfg.LogRetention.String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("maintenance worker shutting down")
	w.wg.Wait()
	w.logger.Info("maintenance worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	sweeps := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeps++
			w.Sweep(ctx, sweeps)
		}
	}
}

// Sweep runs one maintenance pass. Exported so operators can trigger it
// out of band.
func (w *Worker) Sweep(ctx context.Context, iteration int) {
	w.sweepStale(ctx)
	w.purgeOperationLog(ctx)
	w.pruneSafetyCopies(ctx)
	if w.cfg.RevalidateEvery > 0 && iteration%w.cfg.RevalidateEvery == 0 {
		w.revalidateProduction(ctx)
	}
}

// sweepStale rolls back versions stuck in a non-terminal state past the
// stale deadline. A stale pending record never touched the stores and is
// cancelled instead.
func (w *Worker) sweepStale(ctx context.Context) {
	records, _, _, err := w.reg.List(ctx, registry.ListOptions{
		States: []registry.State{
			registry.StatePending,
			registry.StateStaging,
			registry.StateValidating,
			registry.StateRollingBack,
		},
		PageSize: 100,
	})
	if err != nil {
		w.logger.Error("list non-terminal versions", "error", err)
		return
	}

	cutoff := time.Now().Add(-w.cfg.StaleDeadline)
	for _, rec := range records {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		w.logger.Warn("sweeping stale version",
			"versionId", rec.ID,
			"state", rec.State,
			"updatedAt", rec.UpdatedAt)

		if rec.State == registry.StatePending {
			if _, err := w.reg.Transition(ctx, rec.ID, registry.StateCancelled, "abandoned before staging"); err != nil {
				w.logger.Error("cancel stale version", "versionId", rec.ID, "error", err)
			}
			continue
		}
		if err := w.lifecycle.Rollback(ctx, rec.ID, "abandoned migration swept by maintenance"); err != nil {
			w.logger.Error("rollback stale version", "versionId", rec.ID, "error", err)
		}
	}
}

// revalidateProduction runs the battery against the live production
// namespace. Findings are logged, never acted on automatically.
func (w *Worker) revalidateProduction(ctx context.Context) {
	report, err := w.lifecycle.Validate(ctx, "")
	if err != nil {
		w.logger.Error("production revalidation failed to run", "error", err)
		return
	}
	if report.Passed() {
		w.logger.Info("production revalidation passed", "versionId", report.VersionID)
		return
	}
	w.logger.Warn("production revalidation found issues",
		"versionId", report.VersionID,
		"critical", report.Critical,
		"warnings", report.Warning,
		"summary", report.Summary())
}

func (w *Worker) purgeOperationLog(ctx context.Context) {
	cutoff := time.Now().Add(-w.cfg.LogRetention)
	deleted, err := w.reg.OperationLog().DeleteOlderThan(ctx, cutoff)
	if err != nil {
		w.logger.Error("purge operation log", "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("purged operation log entries", "count", deleted, "cutoff", cutoff)
	}
}

func (w *Worker) pruneSafetyCopies(ctx context.Context) {
	if w.pruner == nil {
		return
	}
	if err := w.pruner.PruneSafetyCopies(ctx); err != nil {
		w.logger.Error("prune safety copies", "error", err)
	}
}
