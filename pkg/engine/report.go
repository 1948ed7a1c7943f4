package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Check severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Overall report statuses.
const (
	StatusValid       = "valid"
	StatusIssuesFound = "issues_found"
)

// Check names, in battery order.
const (
	CheckCardinality = "cardinality_parity"
	CheckSetEquality = "cross_store_set_equality"
	CheckOrphans     = "orphan_detection"
	CheckDuplicates  = "duplicate_identity"
	CheckContainment = "hierarchical_id_containment"
	CheckChain       = "bidirectional_chain"
	CheckCrossRefs   = "referential_payload"
)

// CheckResult is the outcome of one consistency check. Count is the number
// of offending records; Sample holds a bounded set of offending identifiers
// for diagnosis.
type CheckResult struct {
	Name     string   `json:"name"`
	Severity string   `json:"severity"`
	Passed   bool     `json:"passed"`
	Count    int64    `json:"count"`
	Detail   string   `json:"detail,omitempty"`
	Sample   []string `json:"sample,omitempty"`
}

// StoreCounts are the primary-record counts observed per store.
type StoreCounts struct {
	RelationalGroups int64 `json:"relationalGroups"`
	RelationalLeaves int64 `json:"relationalLeaves"`
	VectorPoints     int64 `json:"vectorPoints"`
	GraphLeaves      int64 `json:"graphLeaves"`
}

// ValidationReport is the result of one run of the check battery. It is
// ephemeral: beyond the in-memory value it survives only as JSON in the
// operation log and as a summary line on the version record.
type ValidationReport struct {
	VersionID  string        `json:"versionId"`
	Namespace  string        `json:"namespace"`
	Checks     []CheckResult `json:"checks"`
	Counts     StoreCounts   `json:"counts"`
	Status     string        `json:"status"`
	Critical   int           `json:"criticalIssues"`
	Warning    int           `json:"warnings"`
	StartedAt  time.Time     `json:"startedAt"`
	Elapsed    time.Duration `json:"elapsed"`
	TimedOut   bool          `json:"timedOut,omitempty"`
}

// finish derives the aggregate fields from the individual check results.
func (r *ValidationReport) finish(started time.Time) {
	r.StartedAt = started
	r.Elapsed = time.Since(started)
	r.Critical = 0
	r.Warning = 0
	for _, c := range r.Checks {
		if c.Passed {
			continue
		}
		if c.Severity == SeverityCritical {
			r.Critical++
		} else {
			r.Warning++
		}
	}
	if r.Critical > 0 || r.TimedOut {
		r.Status = StatusIssuesFound
	} else {
		r.Status = StatusValid
	}
}

// Passed reports whether the battery found no critical issues.
func (r *ValidationReport) Passed() bool { return r.Status == StatusValid }

// Summary returns the one-line form recorded on the version record.
func (r *ValidationReport) Summary() string {
	if r.TimedOut {
		return fmt.Sprintf("validation timed out after %s", r.Elapsed.Round(time.Millisecond))
	}
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, fmt.Sprintf("%s=%d", c.Name, c.Count))
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("validation passed (%d/%d/%d)",
			r.Counts.RelationalLeaves, r.Counts.VectorPoints, r.Counts.GraphLeaves)
	}
	return fmt.Sprintf("validation %s: %s", r.Status, strings.Join(failed, ", "))
}

// JSON serializes the report for the operation log.
func (r *ValidationReport) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}
