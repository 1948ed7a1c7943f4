// Package engine implements the version lifecycle and cross-store
// consistency protocol: stage in isolation, validate cross-store agreement,
// promote or compensate. No store transaction spans the three backends; the
// register-then-verify-then-commit flow here is the deliberate substitute.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hybridflow/tristore/pkg/content"
	"github.com/hybridflow/tristore/pkg/store"
	"github.com/hybridflow/tristore/pkg/version"
)

// StoreSet bundles the three adapters the engine operates on.
type StoreSet struct {
	Relational store.RelationalAdapter
	Vector     store.VectorAdapter
	Graph      store.GraphAdapter
}

// ForEach runs fn once per adapter.
func (s StoreSet) ForEach(fn func(a store.Adapter) error) error {
	for _, a := range []store.Adapter{s.Relational, s.Vector, s.Graph} {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

// StagingHandle describes a populated staging namespace.
type StagingHandle struct {
	VersionID string `json:"versionId"`
	Namespace string `json:"namespace"`
	Groups    int64  `json:"groups"`
	Leaves    int64  `json:"leaves"`
}

// stagingPlan is the store-agnostic write set derived from a content bundle:
// relational rows, vector points and graph nodes, with the sequential
// NEXT/PREV chain already threaded through the ordered leaf sequence.
type stagingPlan struct {
	groups []store.GroupRecord
	leaves []store.LeafMetadata
	points []store.Point
	nodes  []store.Node
}

func buildPlan(bundle *content.Bundle) (*stagingPlan, error) {
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	plan := &stagingPlan{}

	// Flatten the ordered leaf sequence first so the chain crosses group
	// boundaries the way readers traverse the content.
	type seqLeaf struct {
		leaf  content.Leaf
		group string
	}
	var seq []seqLeaf
	for _, g := range bundle.Groups {
		plan.groups = append(plan.groups, store.GroupRecord{
			ID:        g.ID,
			Title:     g.Title,
			Ordinal:   g.Ordinal,
			LeafCount: len(g.Leaves),
		})
		plan.nodes = append(plan.nodes, store.Node{
			ID:      g.ID,
			Kind:    store.NodeKindGroup,
			Ordinal: g.Ordinal,
		})
		for _, l := range g.Leaves {
			seq = append(seq, seqLeaf{leaf: l, group: g.ID})
		}
	}

	for i, sl := range seq {
		l := sl.leaf
		digest := sha256.Sum256([]byte(l.Text))
		plan.leaves = append(plan.leaves, store.LeafMetadata{
			ID:            l.ID,
			GroupID:       sl.group,
			Ordinal:       l.Ordinal,
			ContentDigest: hex.EncodeToString(digest[:]),
			CharCount:     len(l.Text),
		})
		plan.points = append(plan.points, store.Point{
			ID:     l.ID,
			Vector: l.Vector,
			Payload: map[string]any{
				"groupId": sl.group,
				"ordinal": l.Ordinal,
			},
		})

		node := store.Node{
			ID:       l.ID,
			ParentID: sl.group,
			Kind:     store.NodeKindLeaf,
			Ordinal:  l.Ordinal,
		}
		if i > 0 {
			node.PrevID = seq[i-1].leaf.ID
		}
		if i < len(seq)-1 {
			node.NextID = seq[i+1].leaf.ID
		}
		if len(l.CrossRefs) > 0 {
			refs, err := json.Marshal(l.CrossRefs)
			if err != nil {
				return nil, fmt.Errorf("encode cross refs for %s: %w", l.ID, err)
			}
			node.CrossRefs = string(refs)
		}
		plan.nodes = append(plan.nodes, node)
	}

	return plan, nil
}

// Stager materializes content into isolated per-store staging namespaces.
// All writes are upserts keyed by the stable content identifier, so a
// resumed run after a crash converges instead of duplicating.
type Stager struct {
	stores StoreSet
	logger *slog.Logger
}

// NewStager creates a Stager.
func NewStager(stores StoreSet, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{stores: stores, logger: logger}
}

// Stage populates the version's staging namespace in all three stores,
// fanning out one goroutine per store. Partial failure is expected and
// tolerated: successfully staged stores are left intact and the error names
// the failed ones, leaving the inconsistency for the validator to flag.
func (s *Stager) Stage(ctx context.Context, versionID string, source content.Source) (*StagingHandle, error) {
	bundle, err := source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("stage %s: load content: %w", versionID, err)
	}
	plan, err := buildPlan(bundle)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", versionID, err)
	}

	ns := version.StagingNamespace(versionID)
	s.logger.Info("staging version",
		"versionId", versionID,
		"namespace", ns,
		"groups", len(plan.groups),
		"leaves", len(plan.leaves))

	var mu sync.Mutex
	failed := make(map[string]error)
	record := func(name string, err error) {
		mu.Lock()
		failed[name] = err
		mu.Unlock()
	}

	// One failure must not cancel the other stores: partial staging is
	// valid input for the validator, so each goroutine runs to its own
	// conclusion and reports into the failed map.
	var g errgroup.Group
	g.Go(func() error {
		if err := s.stageRelational(ctx, ns, plan); err != nil {
			record(s.stores.Relational.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.stageVector(ctx, ns, plan); err != nil {
			record(s.stores.Vector.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.stageGraph(ctx, ns, plan); err != nil {
			record(s.stores.Graph.Name(), err)
		}
		return nil
	})
	_ = g.Wait()

	if len(failed) > 0 {
		for name, err := range failed {
			s.logger.Error("staging failed for store", "versionId", versionID, "store", name, "error", err)
		}
		return nil, &PartialWriteError{VersionID: versionID, Failed: failed}
	}

	return &StagingHandle{
		VersionID: versionID,
		Namespace: ns,
		Groups:    int64(len(plan.groups)),
		Leaves:    int64(len(plan.leaves)),
	}, nil
}

// Cleanup drops the version's staging namespace from every store. Idempotent.
func (s *Stager) Cleanup(ctx context.Context, versionID string) error {
	ns := version.StagingNamespace(versionID)
	return s.stores.ForEach(func(a store.Adapter) error {
		if err := a.DropNamespace(ctx, ns); err != nil {
			return fmt.Errorf("cleanup staging for %s: %s store: %w", versionID, a.Name(), err)
		}
		return nil
	})
}

func (s *Stager) stageRelational(ctx context.Context, ns string, plan *stagingPlan) error {
	if err := s.stores.Relational.EnsureNamespace(ctx, ns); err != nil {
		return err
	}
	for _, g := range plan.groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.stores.Relational.UpsertGroup(ctx, ns, g); err != nil {
			return err
		}
	}
	for _, l := range plan.leaves {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.stores.Relational.UpsertLeaf(ctx, ns, l); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) stageVector(ctx context.Context, ns string, plan *stagingPlan) error {
	if err := s.stores.Vector.EnsureNamespace(ctx, ns); err != nil {
		return err
	}
	for _, p := range plan.points {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.stores.Vector.UpsertPoint(ctx, ns, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stager) stageGraph(ctx context.Context, ns string, plan *stagingPlan) error {
	if err := s.stores.Graph.EnsureNamespace(ctx, ns); err != nil {
		return err
	}
	// Group nodes first: leaf upserts fail loudly on a missing parent.
	for _, n := range plan.nodes {
		if n.Kind != store.NodeKindGroup {
			continue
		}
		if err := s.stores.Graph.UpsertNode(ctx, ns, n); err != nil {
			return err
		}
	}
	for _, n := range plan.nodes {
		if n.Kind == store.NodeKindGroup {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.stores.Graph.UpsertNode(ctx, ns, n); err != nil {
			return err
		}
	}
	return nil
}
