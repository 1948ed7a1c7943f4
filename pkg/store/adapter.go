// Package store defines the capability contracts the consistency engine
// requires from each backing store. The engine is written purely against
// these interfaces; concrete adapters live in the subpackages.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HealthStatus is the coarse health of a backing store.
type HealthStatus string

const (
	HealthOK          HealthStatus = "ok"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnavailable HealthStatus = "unavailable"
)

// SnapshotRef is an opaque handle to a point-in-time copy of a store's
// production namespace. Count and Digest are captured at snapshot time and
// rechecked before the snapshot is trusted for recovery.
type SnapshotRef struct {
	Store     string    `json:"store"`
	Namespace string    `json:"namespace"`
	Count     int64     `json:"count"`
	Digest    uint32    `json:"digest"`
	TakenAt   time.Time `json:"takenAt"`
}

// Empty reports whether the ref points at nothing, which is the case when a
// snapshot was taken before any version was ever promoted.
func (r SnapshotRef) Empty() bool { return r.Namespace == "" }

// Encode serializes the ref for storage in a registry column.
func (r SnapshotRef) Encode() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// DecodeSnapshotRef parses a ref previously produced by Encode.
func DecodeSnapshotRef(s string) (SnapshotRef, error) {
	var r SnapshotRef
	if s == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return r, fmt.Errorf("decode snapshot ref: %w", err)
	}
	return r, nil
}

// Adapter is the store-agnostic capability surface every backing store must
// satisfy. Namespace creation and dropping are idempotent. ListIdentifiers
// must enumerate every physical record, including duplicates should the
// store hold any, with stable pagination.
type Adapter interface {
	// Name identifies the adapter in reports and errors ("relational",
	// "vector", "graph").
	Name() string

	EnsureNamespace(ctx context.Context, ns string) error
	DropNamespace(ctx context.Context, ns string) error

	Count(ctx context.Context, ns string) (int64, error)
	ListIdentifiers(ctx context.Context, ns string, pageToken string, pageSize int) ([]string, string, error)

	// Promote atomically repoints the store's production alias at ns. The
	// previously promoted namespace is left intact.
	Promote(ctx context.Context, ns string) error
	// ProductionNamespace resolves the alias; empty before the first promote.
	ProductionNamespace(ctx context.Context) (string, error)

	// Snapshot copies the current production namespace into destNS and
	// returns a verified handle to it. Before the first promote it returns
	// an empty ref.
	Snapshot(ctx context.Context, destNS string) (SnapshotRef, error)
	// VerifySnapshot recounts and re-digests the snapshot namespace and
	// fails with *IntegrityError on any mismatch.
	VerifySnapshot(ctx context.Context, ref SnapshotRef) error
	// Restore repoints production at the verified snapshot namespace. An
	// empty ref restores the pre-first-promote state (no production).
	Restore(ctx context.Context, ref SnapshotRef) error

	HealthCheck(ctx context.Context) (HealthStatus, error)
}

// GroupRecord is a top-level content group in the relational store.
type GroupRecord struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Ordinal   int    `json:"ordinal"`
	LeafCount int    `json:"leafCount"`
}

// LeafMetadata is the relational row for one leaf record.
type LeafMetadata struct {
	ID            string `json:"id"`
	GroupID       string `json:"groupId"`
	Ordinal       int    `json:"ordinal"`
	ContentDigest string `json:"contentDigest"`
	CharCount     int    `json:"charCount"`
}

// RelationalAdapter persists group and leaf metadata.
type RelationalAdapter interface {
	Adapter
	// UpsertGroup is keyed by (namespace, group id) and never duplicates.
	UpsertGroup(ctx context.Context, ns string, group GroupRecord) error
	// UpsertLeaf fails loudly when the referenced group does not exist in
	// the namespace instead of silently creating an orphan row.
	UpsertLeaf(ctx context.Context, ns string, leaf LeafMetadata) error
	CountGroups(ctx context.Context, ns string) (int64, error)
	CountLeaves(ctx context.Context, ns string) (int64, error)
}

// Point is one vector store entry.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// VectorAdapter persists embedding points.
type VectorAdapter interface {
	Adapter
	UpsertPoint(ctx context.Context, ns string, point Point) error
	// Search returns the ids of the k nearest points. The retrieval query
	// path proper is out of engine scope; this exists for smoke checks and
	// namespace statistics.
	Search(ctx context.Context, ns string, vector []float32, k int) ([]string, error)
}

// Node kinds in the graph store.
const (
	NodeKindGroup   = "group"
	NodeKindSection = "section"
	NodeKindLeaf    = "leaf"
)

// Node is one graph store entry. NextID/PrevID form the sequential chain
// between leaves; CrossRefs carries an optional JSON array of referenced
// leaf identifiers.
type Node struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId"`
	Kind      string `json:"kind"`
	Ordinal   int    `json:"ordinal"`
	NextID    string `json:"nextId,omitempty"`
	PrevID    string `json:"prevId,omitempty"`
	CrossRefs string `json:"crossRefs,omitempty"`
}

// LeafInfo is the projection of a leaf node the validator consumes.
type LeafInfo struct {
	ID        string
	ParentID  string
	NextID    string
	PrevID    string
	CrossRefs string
}

// GraphAdapter persists the content hierarchy.
type GraphAdapter interface {
	Adapter
	// UpsertNode fails loudly when ParentID names a node absent from the
	// namespace. Group nodes have an empty ParentID.
	UpsertNode(ctx context.Context, ns string, node Node) error
	// ListLeaves enumerates leaf nodes with stable pagination, duplicates
	// included.
	ListLeaves(ctx context.Context, ns string, pageToken string, pageSize int) ([]LeafInfo, string, error)
	// CountLeaves counts leaf nodes only; Count covers all nodes.
	CountLeaves(ctx context.Context, ns string) (int64, error)
}

// NamespaceRenamer is implemented by adapters that can rename a namespace in
// place. The committer uses it to move a promoted staging namespace under the
// retained-version name; adapters without it keep the staging name. Renaming
// must be idempotent: a retried rename whose source is gone but whose
// destination exists is a no-op.
type NamespaceRenamer interface {
	RenameNamespace(ctx context.Context, from, to string) error
}

// NamespaceNotFoundError reports an operation against a namespace the store
// does not know.
type NamespaceNotFoundError struct {
	Store     string
	Namespace string
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("%s store: namespace %q does not exist", e.Store, e.Namespace)
}

// MissingParentError reports an upsert whose parent identifier does not
// exist. Silent no-ops here are how orphaned records are born, so the
// contract requires a loud failure.
type MissingParentError struct {
	Store     string
	Namespace string
	ID        string
	ParentID  string
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("%s store: upsert %s in %s: parent %q does not exist", e.Store, e.ID, e.Namespace, e.ParentID)
}

// IntegrityError reports a snapshot whose current content no longer matches
// the count and digest recorded when it was taken.
type IntegrityError struct {
	Store      string
	Namespace  string
	WantCount  int64
	GotCount   int64
	WantDigest uint32
	GotDigest  uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s store: snapshot %s integrity mismatch: count %d != %d or digest %08x != %08x",
		e.Store, e.Namespace, e.GotCount, e.WantCount, e.GotDigest, e.WantDigest)
}
