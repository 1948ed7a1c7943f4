package engine

import (
	"fmt"
	"strings"
	"time"
)

// PartialWriteError reports that staging reached some stores but not all.
// Successful staging namespaces are left in place for the validator.
type PartialWriteError struct {
	VersionID string
	Failed    map[string]error
}

func (e *PartialWriteError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	return fmt.Sprintf("staging %s reached only part of the stores; failed: %s", e.VersionID, strings.Join(names, ", "))
}

// Code returns the machine-readable error code.
func (e *PartialWriteError) Code() string { return "PARTIAL_WRITE" }

// CriticalConsistencyError reports that one or more commit-blocking
// validation checks failed. The full report travels with the error.
type CriticalConsistencyError struct {
	VersionID string
	Report    *ValidationReport
}

func (e *CriticalConsistencyError) Error() string {
	return fmt.Sprintf("version %s failed %d critical consistency check(s)", e.VersionID, e.Report.Critical)
}

// Code returns the machine-readable error code.
func (e *CriticalConsistencyError) Code() string { return "CRITICAL_CONSISTENCY" }

// AdvisoryConsistencyWarning flags advisory checks. It is recorded and
// surfaced but never blocks a commit; it is not returned as a hard error.
type AdvisoryConsistencyWarning struct {
	VersionID string
	Report    *ValidationReport
}

func (e *AdvisoryConsistencyWarning) Error() string {
	return fmt.Sprintf("version %s passed with %d advisory warning(s)", e.VersionID, e.Report.Warning)
}

// Code returns the machine-readable error code.
func (e *AdvisoryConsistencyWarning) Code() string { return "ADVISORY_CONSISTENCY" }

// ValidationTimeoutError reports that the check battery exceeded its
// wall-clock budget. Treated as a critical failure.
type ValidationTimeoutError struct {
	VersionID string
	Budget    time.Duration
}

func (e *ValidationTimeoutError) Error() string {
	return fmt.Sprintf("validation of %s exceeded the %s budget", e.VersionID, e.Budget)
}

// Code returns the machine-readable error code.
func (e *ValidationTimeoutError) Code() string { return "VALIDATION_TIMEOUT" }

// CommitError reports a partial multi-store promotion. Step names which
// commit step broke so a resumed commit or a rollback knows where it stands.
type CommitError struct {
	VersionID string
	Step      string
	Store     string
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s: step %s (%s store): %v", e.VersionID, e.Step, e.Store, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Code returns the machine-readable error code.
func (e *CommitError) Code() string { return "COMMIT_FAILURE" }

// RecoveryUnavailableError is fatal: a rollback could not verify the
// integrity of the production backup, so no further automated recovery may
// run. Operator intervention is required.
type RecoveryUnavailableError struct {
	VersionID string
	Store     string
	Err       error
}

func (e *RecoveryUnavailableError) Error() string {
	return fmt.Sprintf("rollback %s: %s store backup integrity unverifiable, manual intervention required: %v",
		e.VersionID, e.Store, e.Err)
}

func (e *RecoveryUnavailableError) Unwrap() error { return e.Err }

// Code returns the machine-readable error code.
func (e *RecoveryUnavailableError) Code() string { return "RECOVERY_UNAVAILABLE" }

// RetentionViolationError rejects an attempt to archive the baseline or the
// version production currently points at.
type RetentionViolationError struct {
	VersionID string
	Reason    string
}

func (e *RetentionViolationError) Error() string {
	return fmt.Sprintf("refusing to archive %s: %s", e.VersionID, e.Reason)
}

// Code returns the machine-readable error code.
func (e *RetentionViolationError) Code() string { return "RETENTION_VIOLATION" }

// Coder is satisfied by every engine and registry error carrying a
// machine-readable code. The HTTP layer and the CLI map codes to statuses
// and exit codes.
type Coder interface {
	error
	Code() string
}
