package main

import "time"

// Wire types for the operations API. Kept local so the CLI tracks the JSON
// contract rather than server internals.

type versionRecord struct {
	ID               string    `json:"id"`
	Seq              int64     `json:"seq"`
	Type             string    `json:"type"`
	State            string    `json:"state"`
	StatusMessage    string    `json:"statusMessage,omitempty"`
	ExpectedGroups   int64     `json:"expectedGroups"`
	ExpectedLeaves   int64     `json:"expectedLeaves"`
	ArchiveURI       string    `json:"archiveUri,omitempty"`
	ValidationPassed bool      `json:"validationPassed"`
	Actor            string    `json:"actor"`
	Notes            string    `json:"notes,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type versionPage struct {
	Items         []versionRecord `json:"items"`
	NextPageToken string          `json:"nextPageToken"`
	TotalSize     int             `json:"totalSize"`
}

type operationEntry struct {
	ID          string     `json:"ID"`
	VersionID   string     `json:"VersionID"`
	Operation   string     `json:"Operation"`
	Status      string     `json:"Status"`
	Details     string     `json:"Details"`
	StartedAt   time.Time  `json:"StartedAt"`
	CompletedAt *time.Time `json:"CompletedAt"`
}

type operationPage struct {
	Items         []operationEntry `json:"items"`
	NextPageToken string           `json:"nextPageToken"`
	TotalSize     int              `json:"totalSize"`
}

type checkResult struct {
	Name     string   `json:"name"`
	Severity string   `json:"severity"`
	Passed   bool     `json:"passed"`
	Count    int64    `json:"count"`
	Detail   string   `json:"detail,omitempty"`
	Sample   []string `json:"sample,omitempty"`
}

type validationReport struct {
	VersionID string        `json:"versionId"`
	Namespace string        `json:"namespace"`
	Checks    []checkResult `json:"checks"`
	Counts    struct {
		RelationalGroups int64 `json:"relationalGroups"`
		RelationalLeaves int64 `json:"relationalLeaves"`
		VectorPoints     int64 `json:"vectorPoints"`
		GraphLeaves      int64 `json:"graphLeaves"`
	} `json:"counts"`
	Status   string `json:"status"`
	Critical int    `json:"criticalIssues"`
	Warning  int    `json:"warnings"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

type migrationResult struct {
	Record  *versionRecord    `json:"record"`
	Report  *validationReport `json:"report,omitempty"`
	Outcome string            `json:"outcome"`
	Error   string            `json:"error,omitempty"`
}

type engineStatus struct {
	Active          *versionRecord `json:"active,omitempty"`
	LatestCommitted *versionRecord `json:"latestCommitted,omitempty"`
	Baseline        *versionRecord `json:"baseline,omitempty"`
	Pointer         *struct {
		VersionID string    `json:"VersionID"`
		Token     int64     `json:"Token"`
		UpdatedAt time.Time `json:"UpdatedAt"`
	} `json:"pointer,omitempty"`
	RetainedInWindow int `json:"retainedInWindow"`
	Window           int `json:"window"`
}

type storeStats struct {
	Store     string `json:"store"`
	Namespace string `json:"namespace"`
	Count     int64  `json:"count"`
	Health    string `json:"health"`
	Error     string `json:"error,omitempty"`
}

type statsResponse struct {
	Stores []storeStats `json:"stores"`
}
