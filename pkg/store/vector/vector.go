// Package vector implements the vector store adapter on an embedded vecgo
// index. Each namespace owns its own flat cosine index; the production
// namespace is resolved through an in-process alias, so promotion is a
// pointer swap exactly like the gorm-backed adapters.
package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/vecgo"

	"github.com/hybridflow/tristore/pkg/store"
)

const adapterName = "vector"

// namespaceIndex holds one namespace's vecgo index plus the external-ID
// bookkeeping vecgo does not do itself: its insert IDs are engine-assigned,
// so the adapter maps the stable content identifier to the internal ID.
type namespaceIndex struct {
	db        *vecgo.Vecgo[string]
	internal  map[string]uint64
	points    map[string]store.Point
	createdAt time.Time
}

// Store is the vector adapter.
type Store struct {
	mu         sync.RWMutex
	dimension  int
	namespaces map[string]*namespaceIndex
	production string
}

// New creates a vector adapter for vectors of the given dimension.
func New(dimension int) *Store {
	return &Store{
		dimension:  dimension,
		namespaces: make(map[string]*namespaceIndex),
	}
}

// Name implements store.Adapter.
func (s *Store) Name() string { return adapterName }

// Dimension returns the vector dimension the adapter enforces.
func (s *Store) Dimension() int { return s.dimension }

// EnsureNamespace implements store.Adapter.
func (s *Store) EnsureNamespace(_ context.Context, ns string) error {
	if ns == "" {
		return fmt.Errorf("vector store: empty namespace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[ns]; ok {
		return nil
	}
	db, err := vecgo.Flat[string](s.dimension).Cosine().Build()
	if err != nil {
		return fmt.Errorf("vector store: build index for %s: %w", ns, err)
	}
	s.namespaces[ns] = &namespaceIndex{
		db:        db,
		internal:  make(map[string]uint64),
		points:    make(map[string]store.Point),
		createdAt: time.Now(),
	}
	return nil
}

// DropNamespace implements store.Adapter.
func (s *Store) DropNamespace(_ context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, ns)
	if s.production == ns {
		s.production = ""
	}
	return nil
}

func (s *Store) namespace(ns string) (*namespaceIndex, error) {
	idx, ok := s.namespaces[ns]
	if !ok {
		return nil, &store.NamespaceNotFoundError{Store: adapterName, Namespace: ns}
	}
	return idx, nil
}

// UpsertPoint implements store.VectorAdapter. Repeated upserts for the same
// identifier update in place; the internal-ID map makes duplicates
// impossible within a namespace.
func (s *Store) UpsertPoint(ctx context.Context, ns string, point store.Point) error {
	if point.ID == "" {
		return fmt.Errorf("vector store: upsert in %s: empty point id", ns)
	}
	if len(point.Vector) != s.dimension {
		return fmt.Errorf("vector store: upsert %s in %s: dimension %d, want %d",
			point.ID, ns, len(point.Vector), s.dimension)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.namespace(ns)
	if err != nil {
		return err
	}

	item := vecgo.VectorWithData[string]{Vector: point.Vector, Data: point.ID}
	if internal, ok := idx.internal[point.ID]; ok {
		if err := idx.db.Update(ctx, internal, item); err != nil {
			return fmt.Errorf("vector store: update %s in %s: %w", point.ID, ns, err)
		}
		idx.points[point.ID] = point
		return nil
	}

	internal, err := idx.db.Insert(ctx, item)
	if err != nil {
		return fmt.Errorf("vector store: insert %s in %s: %w", point.ID, ns, err)
	}
	idx.internal[point.ID] = internal
	idx.points[point.ID] = point
	return nil
}

// Count implements store.Adapter.
func (s *Store) Count(_ context.Context, ns string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, err := s.namespace(ns)
	if err != nil {
		return 0, err
	}
	return int64(len(idx.points)), nil
}

// ListIdentifiers implements store.Adapter. Identifiers are enumerated in
// sorted order; the page token is the last identifier of the previous page.
func (s *Store) ListIdentifiers(_ context.Context, ns string, pageToken string, pageSize int) ([]string, string, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, err := s.namespace(ns)
	if err != nil {
		return nil, "", err
	}

	all := make([]string, 0, len(idx.points))
	for id := range idx.points {
		all = append(all, id)
	}
	sort.Strings(all)

	start := 0
	if pageToken != "" {
		start = sort.SearchStrings(all, pageToken)
		if start < len(all) && all[start] == pageToken {
			start++
		}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	page := all[start:end]
	var next string
	if end < len(all) && len(page) > 0 {
		next = page[len(page)-1]
	}
	return page, next, nil
}

// Search implements store.VectorAdapter.
func (s *Store) Search(ctx context.Context, ns string, query []float32, k int) ([]string, error) {
	s.mu.RLock()
	idx, err := s.namespace(ns)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	results, err := idx.db.KNNSearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("vector store: search in %s: %w", ns, err)
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Data
	}
	return ids, nil
}

// Promote implements store.Adapter.
func (s *Store) Promote(_ context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.namespace(ns); err != nil {
		return err
	}
	s.production = ns
	return nil
}

// ProductionNamespace implements store.Adapter.
func (s *Store) ProductionNamespace(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.production, nil
}

// RenameNamespace moves a namespace to a new name. Renaming onto an existing
// namespace replaces it; renaming an absent source is a no-op when the
// destination already exists, which keeps the committer's rename step
// idempotent across retries.
func (s *Store) RenameNamespace(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.namespaces[from]
	if !ok {
		if _, done := s.namespaces[to]; done {
			return nil
		}
		return &store.NamespaceNotFoundError{Store: adapterName, Namespace: from}
	}
	s.namespaces[to] = idx
	delete(s.namespaces, from)
	if s.production == from {
		s.production = to
	}
	return nil
}

// Snapshot implements store.Adapter. The production namespace is copied
// point by point into a fresh index under destNS.
func (s *Store) Snapshot(ctx context.Context, destNS string) (store.SnapshotRef, error) {
	s.mu.RLock()
	prod := s.production
	var points []store.Point
	if prod != "" {
		idx, err := s.namespace(prod)
		if err != nil {
			s.mu.RUnlock()
			return store.SnapshotRef{}, err
		}
		points = make([]store.Point, 0, len(idx.points))
		for _, p := range idx.points {
			points = append(points, p)
		}
	}
	s.mu.RUnlock()

	if prod == "" {
		return store.SnapshotRef{}, nil
	}

	if err := s.DropNamespace(ctx, destNS); err != nil {
		return store.SnapshotRef{}, err
	}
	if err := s.EnsureNamespace(ctx, destNS); err != nil {
		return store.SnapshotRef{}, err
	}
	for _, p := range points {
		if err := s.UpsertPoint(ctx, destNS, p); err != nil {
			return store.SnapshotRef{}, err
		}
	}

	count, digest, err := store.DigestNamespace(ctx, func(token string, size int) ([]string, string, error) {
		return s.ListIdentifiers(ctx, destNS, token, size)
	})
	if err != nil {
		return store.SnapshotRef{}, err
	}
	return store.SnapshotRef{
		Store:     adapterName,
		Namespace: destNS,
		Count:     count,
		Digest:    digest,
		TakenAt:   time.Now(),
	}, nil
}

// VerifySnapshot implements store.Adapter.
func (s *Store) VerifySnapshot(ctx context.Context, ref store.SnapshotRef) error {
	if ref.Empty() {
		return nil
	}
	count, digest, err := store.DigestNamespace(ctx, func(token string, size int) ([]string, string, error) {
		return s.ListIdentifiers(ctx, ref.Namespace, token, size)
	})
	if err != nil {
		return err
	}
	if count != ref.Count || digest != ref.Digest {
		return &store.IntegrityError{
			Store:      adapterName,
			Namespace:  ref.Namespace,
			WantCount:  ref.Count,
			GotCount:   count,
			WantDigest: ref.Digest,
			GotDigest:  digest,
		}
	}
	return nil
}

// Restore implements store.Adapter.
func (s *Store) Restore(ctx context.Context, ref store.SnapshotRef) error {
	if ref.Empty() {
		s.mu.Lock()
		s.production = ""
		s.mu.Unlock()
		return nil
	}
	if err := s.VerifySnapshot(ctx, ref); err != nil {
		return err
	}
	return s.Promote(ctx, ref.Namespace)
}

// HealthCheck implements store.Adapter. The embedded index is process-local,
// so it is unavailable only if the process itself is gone; the check reports
// degraded when an index lookup stalls on the lock for too long.
func (s *Store) HealthCheck(_ context.Context) (store.HealthStatus, error) {
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if time.Since(start) > 500*time.Millisecond {
		return store.HealthDegraded, nil
	}
	return store.HealthOK, nil
}

// Stats reports per-namespace point counts, production first.
func (s *Store) Stats() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.namespaces))
	for ns, idx := range s.namespaces {
		out[ns] = int64(len(idx.points))
	}
	return out
}

var _ store.VectorAdapter = (*Store)(nil)
