// Package neo4jstore implements the graph store adapter against a Neo4j
// server. Namespaces are node labels; production is resolved through a
// singleton alias node, so promotion stays a pointer swap and committed
// namespaces survive until retention drops them. Labels cannot be
// parameterized in Cypher, so namespace names are sanitized before being
// spliced into queries.
package neo4jstore

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/hybridflow/tristore/pkg/store"
)

const adapterName = "graph"

var labelPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Store is the Neo4j graph adapter.
type Store struct {
	driver neo4j.DriverWithContext
	dbName string
}

// New creates an adapter over an existing driver. dbName may be empty for
// the default database.
func New(driver neo4j.DriverWithContext, dbName string) *Store {
	return &Store{driver: driver, dbName: dbName}
}

// Connect dials a Neo4j server and verifies connectivity.
func Connect(ctx context.Context, uri, user, password, dbName string) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	return New(driver, dbName), nil
}

// Close releases the underlying driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Name implements store.Adapter.
func (s *Store) Name() string { return adapterName }

func label(ns string) (string, error) {
	if !labelPattern.MatchString(ns) {
		return "", fmt.Errorf("neo4j: namespace %q is not a valid label", ns)
	}
	return "ns_" + ns, nil
}

func (s *Store) session(ctx context.Context) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.dbName})
}

func (s *Store) write(ctx context.Context, cypher string, params map[string]any) error {
	session := s.session(ctx)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, cypher, params)
	})
	return err
}

func (s *Store) readInt(ctx context.Context, cypher string, params map[string]any) (int64, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		return rec.Values[0], nil
	})
	if err != nil {
		return 0, err
	}
	n, ok := out.(int64)
	if !ok {
		return 0, fmt.Errorf("neo4j: unexpected count type %T", out)
	}
	return n, nil
}

// EnsureNamespace implements store.Adapter. Namespaces are tracked on
// marker nodes so an empty namespace still exists.
func (s *Store) EnsureNamespace(ctx context.Context, ns string) error {
	if _, err := label(ns); err != nil {
		return err
	}
	return s.write(ctx,
		"MERGE (m:TristoreNamespace {name: $ns}) ON CREATE SET m.createdAt = datetime()",
		map[string]any{"ns": ns})
}

// DropNamespace implements store.Adapter.
func (s *Store) DropNamespace(ctx context.Context, ns string) error {
	lbl, err := label(ns)
	if err != nil {
		return err
	}
	if err := s.write(ctx, fmt.Sprintf("MATCH (n:`%s`) DETACH DELETE n", lbl), nil); err != nil {
		return fmt.Errorf("neo4j: drop namespace %s: %w", ns, err)
	}
	return s.write(ctx, "MATCH (m:TristoreNamespace {name: $ns}) DELETE m", map[string]any{"ns": ns})
}

func (s *Store) namespaceExists(ctx context.Context, ns string) error {
	n, err := s.readInt(ctx, "MATCH (m:TristoreNamespace {name: $ns}) RETURN count(m)", map[string]any{"ns": ns})
	if err != nil {
		return fmt.Errorf("neo4j: check namespace %s: %w", ns, err)
	}
	if n == 0 {
		return &store.NamespaceNotFoundError{Store: adapterName, Namespace: ns}
	}
	return nil
}

// UpsertNode implements store.GraphAdapter. The parent is matched first;
// an absent parent fails loudly instead of MERGE-ing a floating node.
func (s *Store) UpsertNode(ctx context.Context, ns string, node store.Node) error {
	lbl, err := label(ns)
	if err != nil {
		return err
	}
	if err := s.namespaceExists(ctx, ns); err != nil {
		return err
	}

	params := map[string]any{
		"id":        node.ID,
		"parentId":  node.ParentID,
		"kind":      node.Kind,
		"ordinal":   node.Ordinal,
		"nextId":    node.NextID,
		"prevId":    node.PrevID,
		"crossRefs": node.CrossRefs,
	}

	if node.ParentID == "" {
		return s.write(ctx, fmt.Sprintf(
			"MERGE (n:`%s` {id: $id}) SET n.kind = $kind, n.ordinal = $ordinal, "+
				"n.nextId = $nextId, n.prevId = $prevId, n.crossRefs = $crossRefs, n.parentId = ''",
			lbl), params)
	}

	parents, err := s.readInt(ctx, fmt.Sprintf("MATCH (p:`%s` {id: $parentId}) RETURN count(p)", lbl), params)
	if err != nil {
		return fmt.Errorf("neo4j: check parent %s in %s: %w", node.ParentID, ns, err)
	}
	if parents == 0 {
		return &store.MissingParentError{Store: adapterName, Namespace: ns, ID: node.ID, ParentID: node.ParentID}
	}

	return s.write(ctx, fmt.Sprintf(
		"MATCH (p:`%s` {id: $parentId}) "+
			"MERGE (n:`%s` {id: $id}) SET n.kind = $kind, n.ordinal = $ordinal, "+
			"n.nextId = $nextId, n.prevId = $prevId, n.crossRefs = $crossRefs, n.parentId = $parentId "+
			"MERGE (p)-[:HAS_CHILD]->(n)",
		lbl, lbl), params)
}

// Count implements store.Adapter.
func (s *Store) Count(ctx context.Context, ns string) (int64, error) {
	lbl, err := label(ns)
	if err != nil {
		return 0, err
	}
	if err := s.namespaceExists(ctx, ns); err != nil {
		return 0, err
	}
	return s.readInt(ctx, fmt.Sprintf("MATCH (n:`%s`) RETURN count(n)", lbl), nil)
}

// CountLeaves implements store.GraphAdapter.
func (s *Store) CountLeaves(ctx context.Context, ns string) (int64, error) {
	lbl, err := label(ns)
	if err != nil {
		return 0, err
	}
	if err := s.namespaceExists(ctx, ns); err != nil {
		return 0, err
	}
	return s.readInt(ctx,
		fmt.Sprintf("MATCH (n:`%s` {kind: $kind}) RETURN count(n)", lbl),
		map[string]any{"kind": store.NodeKindLeaf})
}

// ListIdentifiers implements store.Adapter. The page token is a SKIP offset.
func (s *Store) ListIdentifiers(ctx context.Context, ns string, pageToken string, pageSize int) ([]string, string, error) {
	rows, next, err := s.listLeafRows(ctx, ns, "", pageToken, pageSize)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, next, nil
}

// ListLeaves implements store.GraphAdapter.
func (s *Store) ListLeaves(ctx context.Context, ns string, pageToken string, pageSize int) ([]store.LeafInfo, string, error) {
	return s.listLeafRows(ctx, ns, store.NodeKindLeaf, pageToken, pageSize)
}

func (s *Store) listLeafRows(ctx context.Context, ns, kind, pageToken string, pageSize int) ([]store.LeafInfo, string, error) {
	lbl, err := label(ns)
	if err != nil {
		return nil, "", err
	}
	if err := s.namespaceExists(ctx, ns); err != nil {
		return nil, "", err
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	offset := 0
	if pageToken != "" {
		offset, err = strconv.Atoi(pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token %q: %w", pageToken, err)
		}
	}

	match := fmt.Sprintf("MATCH (n:`%s`)", lbl)
	params := map[string]any{"skip": offset, "limit": pageSize}
	if kind != "" {
		match = fmt.Sprintf("MATCH (n:`%s` {kind: $kind})", lbl)
		params["kind"] = kind
	}
	cypher := match + " RETURN n.id, n.parentId, n.nextId, n.prevId, n.crossRefs " +
		"ORDER BY n.id, elementId(n) SKIP $skip LIMIT $limit"

	session := s.session(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var leaves []store.LeafInfo
		for res.Next(ctx) {
			vals := res.Record().Values
			leaves = append(leaves, store.LeafInfo{
				ID:        asString(vals[0]),
				ParentID:  asString(vals[1]),
				NextID:    asString(vals[2]),
				PrevID:    asString(vals[3]),
				CrossRefs: asString(vals[4]),
			})
		}
		return leaves, res.Err()
	})
	if err != nil {
		return nil, "", fmt.Errorf("neo4j: list nodes in %s: %w", ns, err)
	}

	leaves := out.([]store.LeafInfo)
	var next string
	if len(leaves) == pageSize {
		next = strconv.Itoa(offset + pageSize)
	}
	return leaves, next, nil
}

// RenameNamespace implements store.NamespaceRenamer via a label swap.
func (s *Store) RenameNamespace(ctx context.Context, from, to string) error {
	fromLbl, err := label(from)
	if err != nil {
		return err
	}
	toLbl, err := label(to)
	if err != nil {
		return err
	}
	if err := s.namespaceExists(ctx, from); err != nil {
		if nsErr := s.namespaceExists(ctx, to); nsErr == nil {
			return nil
		}
		return err
	}
	if err := s.EnsureNamespace(ctx, to); err != nil {
		return err
	}
	if err := s.write(ctx,
		fmt.Sprintf("MATCH (n:`%s`) SET n:`%s` REMOVE n:`%s`", fromLbl, toLbl, fromLbl), nil); err != nil {
		return fmt.Errorf("neo4j: rename %s to %s: %w", from, to, err)
	}
	if err := s.write(ctx,
		"MATCH (a:TristoreAlias {name: 'production', namespace: $from}) SET a.namespace = $to",
		map[string]any{"from": from, "to": to}); err != nil {
		return err
	}
	return s.write(ctx, "MATCH (m:TristoreNamespace {name: $ns}) DELETE m", map[string]any{"ns": from})
}

// Promote implements store.Adapter.
func (s *Store) Promote(ctx context.Context, ns string) error {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return err
	}
	return s.write(ctx,
		"MERGE (a:TristoreAlias {name: 'production'}) SET a.namespace = $ns, a.updatedAt = datetime()",
		map[string]any{"ns": ns})
}

// ProductionNamespace implements store.Adapter.
func (s *Store) ProductionNamespace(ctx context.Context) (string, error) {
	session := s.session(ctx)
	defer session.Close(ctx)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (a:TristoreAlias {name: 'production'}) RETURN a.namespace", nil)
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return "", res.Err()
		}
		return res.Record().Values[0], nil
	})
	if err != nil {
		return "", fmt.Errorf("neo4j: resolve production alias: %w", err)
	}
	return asString(out), nil
}

// Snapshot implements store.Adapter. Nodes are cloned under the destination
// label in pure Cypher; relationships are not needed for recovery since
// Restore is an alias swap and parent links live in node properties.
func (s *Store) Snapshot(ctx context.Context, destNS string) (store.SnapshotRef, error) {
	prod, err := s.ProductionNamespace(ctx)
	if err != nil {
		return store.SnapshotRef{}, err
	}
	if prod == "" {
		return store.SnapshotRef{}, nil
	}
	prodLbl, err := label(prod)
	if err != nil {
		return store.SnapshotRef{}, err
	}
	destLbl, err := label(destNS)
	if err != nil {
		return store.SnapshotRef{}, err
	}

	if err := s.DropNamespace(ctx, destNS); err != nil {
		return store.SnapshotRef{}, err
	}
	if err := s.EnsureNamespace(ctx, destNS); err != nil {
		return store.SnapshotRef{}, err
	}
	if err := s.write(ctx, fmt.Sprintf(
		"MATCH (n:`%s`) CREATE (m:`%s`) SET m = properties(n)", prodLbl, destLbl), nil); err != nil {
		return store.SnapshotRef{}, fmt.Errorf("neo4j: snapshot %s: %w", prod, err)
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
		return s.write(ctx, "MATCH (a:TristoreAlias {name: 'production'}) DELETE a", nil)
	}
	if err := s.VerifySnapshot(ctx, ref); err != nil {
		return err
	}
	return s.Promote(ctx, ref.Namespace)
}

// HealthCheck implements store.Adapter.
func (s *Store) HealthCheck(ctx context.Context) (store.HealthStatus, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.driver.VerifyConnectivity(pingCtx); err != nil {
		return store.HealthUnavailable, err
	}
	if time.Since(start) > 500*time.Millisecond {
		return store.HealthDegraded, nil
	}
	return store.HealthOK, nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

var (
	_ store.GraphAdapter     = (*Store)(nil)
	_ store.NamespaceRenamer = (*Store)(nil)
)
