package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/time/rate"

	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
)

// DefaultValidationBudget is the hard wall-clock limit for one battery run.
const DefaultValidationBudget = 15 * time.Minute

// DefaultSampleSize bounds the mismatched-identifier samples in reports.
const DefaultSampleSize = 10

// ValidatorConfig tunes the check battery.
type ValidatorConfig struct {
	// Budget is the wall-clock limit; exceeding it is a critical failure.
	Budget time.Duration
	// SampleSize bounds per-check identifier samples.
	SampleSize int
	// PageSize is the identifier-enumeration page size.
	PageSize int
	// ScanRate throttles page fetches so a battery against the production
	// namespace can run beside live read traffic. Zero means unthrottled.
	ScanRate rate.Limit
}

func (c ValidatorConfig) withDefaults() ValidatorConfig {
	if c.Budget <= 0 {
		c.Budget = DefaultValidationBudget
	}
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	return c
}

// Validator runs the fixed battery of cross-store and intra-store
// consistency checks against one namespace. It only reads; re-running it has
// no side effects.
type Validator struct {
	stores  StoreSet
	cfg     ValidatorConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(stores StoreSet, cfg ValidatorConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	v := &Validator{stores: stores, cfg: cfg, logger: logger}
	if cfg.ScanRate > 0 {
		v.limiter = rate.NewLimiter(cfg.ScanRate, 1)
	}
	return v
}

// namespaceView is everything the checks need, gathered in one scan pass.
type namespaceView struct {
	relGroups int64
	relLeaves int64

	vectorIDs     mapset.Set[string]
	vectorDupes   map[string]int64
	vectorRecords int64

	graphLeaves  []store.LeafInfo
	graphNodeIDs mapset.Set[string]
}

// Validate runs the battery against the namespace for the given version
// record. Returns the report and, when the wall-clock budget is exceeded, a
// *ValidationTimeoutError alongside the partial report.
func (v *Validator) Validate(ctx context.Context, record *registry.VersionRecord, namespace string) (*ValidationReport, error) {
	started := time.Now()
	report := &ValidationReport{VersionID: record.ID, Namespace: namespace}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Budget)
	defer cancel()

	view, err := v.gather(ctx, namespace)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			report.TimedOut = true
			report.finish(started)
			return report, &ValidationTimeoutError{VersionID: record.ID, Budget: v.cfg.Budget}
		}
		return nil, fmt.Errorf("validate %s: %w", record.ID, err)
	}

	report.Counts = StoreCounts{
		RelationalGroups: view.relGroups,
		RelationalLeaves: view.relLeaves,
		VectorPoints:     int64(view.vectorIDs.Cardinality()),
		GraphLeaves:      int64(len(view.graphLeaves)),
	}

	report.Checks = []CheckResult{
		v.checkCardinality(record, view),
		v.checkSetEquality(view),
		v.checkOrphans(view),
		v.checkDuplicates(view),
		v.checkContainment(view),
		v.checkChain(view),
		v.checkCrossRefs(view),
	}
	report.finish(started)

	if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
		report.TimedOut = true
		report.finish(started)
		return report, &ValidationTimeoutError{VersionID: record.ID, Budget: v.cfg.Budget}
	}

	v.logger.Info("validation finished",
		"versionId", record.ID,
		"namespace", namespace,
		"status", report.Status,
		"critical", report.Critical,
		"warnings", report.Warning,
		"elapsed", report.Elapsed.Round(time.Millisecond).String())
	return report, nil
}

func (v *Validator) throttle(ctx context.Context) error {
	if v.limiter == nil {
		return nil
	}
	return v.limiter.Wait(ctx)
}

func (v *Validator) gather(ctx context.Context, ns string) (*namespaceView, error) {
	view := &namespaceView{
		vectorIDs:    mapset.NewThreadUnsafeSet[string](),
		vectorDupes:  make(map[string]int64),
		graphNodeIDs: mapset.NewThreadUnsafeSet[string](),
	}

	var err error
	if view.relGroups, err = v.stores.Relational.CountGroups(ctx, ns); err != nil {
		return nil, fmt.Errorf("relational group count: %w", err)
	}
	if view.relLeaves, err = v.stores.Relational.CountLeaves(ctx, ns); err != nil {
		return nil, fmt.Errorf("relational leaf count: %w", err)
	}

	token := ""
	for {
		if err := v.throttle(ctx); err != nil {
			return nil, err
		}
		ids, next, err := v.stores.Vector.ListIdentifiers(ctx, ns, token, v.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("vector identifiers: %w", err)
		}
		for _, id := range ids {
			view.vectorRecords++
			if !view.vectorIDs.Add(id) {
				view.vectorDupes[id]++
			}
		}
		if next == "" {
			break
		}
		token = next
	}

	token = ""
	for {
		if err := v.throttle(ctx); err != nil {
			return nil, err
		}
		leaves, next, err := v.stores.Graph.ListLeaves(ctx, ns, token, v.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("graph leaves: %w", err)
		}
		view.graphLeaves = append(view.graphLeaves, leaves...)
		if next == "" {
			break
		}
		token = next
	}

	token = ""
	for {
		if err := v.throttle(ctx); err != nil {
			return nil, err
		}
		ids, next, err := v.stores.Graph.ListIdentifiers(ctx, ns, token, v.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("graph identifiers: %w", err)
		}
		for _, id := range ids {
			view.graphNodeIDs.Add(id)
		}
		if next == "" {
			break
		}
		token = next
	}

	return view, nil
}
