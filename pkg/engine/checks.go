package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/version"
)

// sample returns at most n identifiers, sorted for stable reports.
func (v *Validator) sample(ids []string) []string {
	sort.Strings(ids)
	if len(ids) > v.cfg.SampleSize {
		ids = ids[:v.cfg.SampleSize]
	}
	return ids
}

// checkCardinality (critical): the relational store's counts must match the
// version's expected targets, and the vector point count must equal the
// graph leaf count exactly.
func (v *Validator) checkCardinality(record *registry.VersionRecord, view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckCardinality, Severity: SeverityCritical}

	var mismatches int64
	var details []string
	if record.ExpectedGroups > 0 && view.relGroups != record.ExpectedGroups {
		mismatches++
		details = append(details, fmt.Sprintf("relational groups %d != expected %d", view.relGroups, record.ExpectedGroups))
	}
	if record.ExpectedLeaves > 0 && view.relLeaves != record.ExpectedLeaves {
		mismatches++
		details = append(details, fmt.Sprintf("relational leaves %d != expected %d", view.relLeaves, record.ExpectedLeaves))
	}
	vectorCount := int64(view.vectorIDs.Cardinality())
	graphCount := int64(len(view.graphLeaves))
	if vectorCount != graphCount {
		mismatches++
		details = append(details, fmt.Sprintf("vector points %d != graph leaves %d", vectorCount, graphCount))
	}

	res.Count = mismatches
	res.Passed = mismatches == 0
	if res.Passed {
		res.Detail = fmt.Sprintf("groups=%d leaves=%d points=%d graph_leaves=%d",
			view.relGroups, view.relLeaves, vectorCount, graphCount)
	} else {
		res.Detail = strings.Join(details, "; ")
	}
	return res
}

// checkSetEquality (critical): the symmetric difference of the primary
// identifier sets held by the vector and graph stores must be empty on both
// sides. A bounded sample of the missing identifiers is reported per side.
func (v *Validator) checkSetEquality(view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckSetEquality, Severity: SeverityCritical}

	graphIDs := mapset.NewThreadUnsafeSet[string]()
	for _, l := range view.graphLeaves {
		graphIDs.Add(l.ID)
	}

	missingFromGraph := view.vectorIDs.Difference(graphIDs)
	missingFromVector := graphIDs.Difference(view.vectorIDs)

	res.Count = int64(missingFromGraph.Cardinality() + missingFromVector.Cardinality())
	res.Passed = res.Count == 0
	if res.Passed {
		res.Detail = fmt.Sprintf("%d/%d identifiers agree", view.vectorIDs.Cardinality(), graphIDs.Cardinality())
		return res
	}

	res.Detail = fmt.Sprintf("%d missing from graph, %d missing from vector",
		missingFromGraph.Cardinality(), missingFromVector.Cardinality())
	res.Sample = v.sample(append(missingFromGraph.ToSlice(), missingFromVector.ToSlice()...))
	return res
}

// checkOrphans (critical): every graph leaf must be reachable through a
// parent link. A leaf with no parent, or whose parent is absent from the
// namespace, counts as an orphan.
func (v *Validator) checkOrphans(view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckOrphans, Severity: SeverityCritical}

	var orphans []string
	for _, l := range view.graphLeaves {
		if l.ParentID == "" || !view.graphNodeIDs.Contains(l.ParentID) {
			orphans = append(orphans, l.ID)
		}
	}
	res.Count = int64(len(orphans))
	res.Passed = res.Count == 0
	if !res.Passed {
		res.Detail = "leaves with no reachable parent"
		res.Sample = v.sample(orphans)
	}
	return res
}

// checkDuplicates (critical): no identifier may appear more than once within
// a namespace, in either the graph enumeration or the vector enumeration.
// The count is the number of surplus physical records.
func (v *Validator) checkDuplicates(view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckDuplicates, Severity: SeverityCritical}

	graphSeen := make(map[string]int64, len(view.graphLeaves))
	for _, l := range view.graphLeaves {
		graphSeen[l.ID]++
	}

	var count int64
	var dupes []string
	for id, n := range graphSeen {
		if n > 1 {
			count += n - 1
			dupes = append(dupes, id)
		}
	}
	for id, n := range view.vectorDupes {
		count += n
		dupes = append(dupes, id)
	}

	res.Count = count
	res.Passed = count == 0
	if !res.Passed {
		res.Detail = "identifiers held by more than one physical record"
		res.Sample = v.sample(dupes)
	}
	return res
}

// checkContainment (critical): a child identifier must extend its parent's
// identifier by the separator. A leaf built from the wrong ancestor fails.
func (v *Validator) checkContainment(view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckContainment, Severity: SeverityCritical}

	var violations []string
	for _, l := range view.graphLeaves {
		if l.ParentID == "" {
			// Already counted by the orphan check.
			continue
		}
		if !version.Contained(l.ID, l.ParentID) {
			violations = append(violations, l.ID)
		}
	}
	res.Count = int64(len(violations))
	res.Passed = res.Count == 0
	if !res.Passed {
		res.Detail = "child identifiers not prefixed by their parent"
		res.Sample = v.sample(violations)
	}
	return res
}

// checkChain (warning): every NEXT link between two leaves needs a matching
// PREV link on the other side, and vice versa. One-directional links are
// counted but never block commit.
func (v *Validator) checkChain(view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckChain, Severity: SeverityWarning}

	prevOf := make(map[string]string, len(view.graphLeaves))
	nextOf := make(map[string]string, len(view.graphLeaves))
	for _, l := range view.graphLeaves {
		prevOf[l.ID] = l.PrevID
		nextOf[l.ID] = l.NextID
	}

	var oneWay []string
	for _, l := range view.graphLeaves {
		if l.NextID != "" {
			if back, ok := prevOf[l.NextID]; !ok || back != l.ID {
				oneWay = append(oneWay, l.ID)
			}
		}
		if l.PrevID != "" {
			if fwd, ok := nextOf[l.PrevID]; !ok || fwd != l.ID {
				oneWay = append(oneWay, l.ID)
			}
		}
	}
	res.Count = int64(len(oneWay))
	res.Passed = res.Count == 0
	if !res.Passed {
		res.Detail = "sequential links without a matching reverse link"
		res.Sample = v.sample(oneWay)
	}
	return res
}

// checkCrossRefs (warning): optional cross-reference payloads must parse as
// JSON arrays of strings. Malformed values are counted, never blocking.
func (v *Validator) checkCrossRefs(view *namespaceView) CheckResult {
	res := CheckResult{Name: CheckCrossRefs, Severity: SeverityWarning}

	var malformed []string
	for _, l := range view.graphLeaves {
		if l.CrossRefs == "" {
			continue
		}
		var refs []string
		if err := json.Unmarshal([]byte(l.CrossRefs), &refs); err != nil {
			malformed = append(malformed, l.ID)
		}
	}
	res.Count = int64(len(malformed))
	res.Passed = res.Count == 0
	if !res.Passed {
		res.Detail = "cross-reference payloads that are not JSON string arrays"
		res.Sample = v.sample(malformed)
	}
	return res
}
