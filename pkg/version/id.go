// Package version defines the version identifier scheme and the hierarchical
// content identifiers shared by the registry, the store adapters and the
// consistency engine.
package version

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID format: v<seq>_<YYYYMMDD>_<HHMMSS>, e.g. "v0007_20250318_143025".
// The zero-padded sequence makes lexical order match creation order.
const (
	idPrefix     = "v"
	idTimeLayout = "20060102_150405"

	stagingPrefix = "staging_"
	retainPrefix  = "v_"
	safetyPrefix  = "latest_copy_"
)

// FormatID builds a version identifier from a sequence number and a
// creation timestamp. The timestamp is normalized to UTC.
func FormatID(seq int64, created time.Time) string {
	return fmt.Sprintf("%s%04d_%s", idPrefix, seq, created.UTC().Format(idTimeLayout))
}

// ParseID splits a version identifier into its sequence number and
// creation timestamp.
func ParseID(id string) (int64, time.Time, error) {
	if !strings.HasPrefix(id, idPrefix) {
		return 0, time.Time{}, fmt.Errorf("invalid version id %q: missing %q prefix", id, idPrefix)
	}
	rest := strings.TrimPrefix(id, idPrefix)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, fmt.Errorf("invalid version id %q: want v<seq>_<timestamp>", id)
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid version id %q: bad sequence: %w", id, err)
	}
	ts, err := time.Parse(idTimeLayout, parts[1])
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("invalid version id %q: bad timestamp: %w", id, err)
	}
	return seq, ts, nil
}

// ValidID reports whether id parses as a version identifier.
func ValidID(id string) bool {
	_, _, err := ParseID(id)
	return err == nil
}

// StagingNamespace returns the isolated staging namespace for a version.
func StagingNamespace(versionID string) string {
	return stagingPrefix + versionID
}

// RetainedNamespace returns the namespace a version occupies once committed.
func RetainedNamespace(versionID string) string {
	return retainPrefix + versionID
}

// SafetyNamespace returns the namespace used for the pre-change safety copy
// of production taken before a version is staged.
func SafetyNamespace(versionID string) string {
	return safetyPrefix + versionID
}

// IsStagingNamespace reports whether ns is a staging namespace.
func IsStagingNamespace(ns string) bool {
	return strings.HasPrefix(ns, stagingPrefix)
}

// IsSafetyNamespace reports whether ns is a safety-copy namespace.
func IsSafetyNamespace(ns string) bool {
	return strings.HasPrefix(ns, safetyPrefix)
}

// FromNamespace extracts the version identifier a namespace was derived from.
// Returns the empty string for namespaces that do not embed one.
func FromNamespace(ns string) string {
	for _, p := range []string{stagingPrefix, safetyPrefix, retainPrefix} {
		if strings.HasPrefix(ns, p) {
			id := strings.TrimPrefix(ns, p)
			if ValidID(id) {
				return id
			}
			return ""
		}
	}
	return ""
}
