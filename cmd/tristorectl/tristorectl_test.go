package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func withServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	oldURL, oldFmt, oldExit := serverURL, outputFmt, exitCode
	serverURL = srv.URL
	outputFmt = "json"
	exitCode = 0
	t.Cleanup(func() {
		serverURL, outputFmt, exitCode = oldURL, oldFmt, oldExit
	})
}

func TestVersionsList(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/versions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("state"); got != "committed" {
			t.Errorf("state query = %q, want committed", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":     []map[string]any{{"id": "v1_20260101_000000", "state": "committed"}},
			"totalSize": 1,
		})
	})

	listState = "committed"
	defer func() { listState = "" }()

	if err := runVersionsList(versionsListCmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVersionsGetNotFound(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "NOT_FOUND",
			"message": "version v9_20260101_000000 not found",
		})
	})

	err := runVersionsGet(versionsGetCmd, []string{"v9_20260101_000000"})
	if err == nil {
		t.Fatal("expected error for missing version")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("expected *apiError, got %T", err)
	}
	if apiErr.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", apiErr.Code)
	}
}

func TestValidateWarningsExitCode(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"versionId": "v3_20260103_000000",
			"status":    "valid",
			"warnings":  1,
			"checks": []map[string]any{
				{"name": "referential_payload", "severity": "warning", "passed": false, "count": 2},
			},
		})
	})

	if err := runValidate(validateCmd, []string{"v3_20260103_000000"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exitCode != 2 {
		t.Errorf("exitCode = %d, want 2 for passed-with-warnings", exitCode)
	}
}

func TestValidateCriticalFails(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"versionId":      "v3_20260103_000000",
			"status":         "issues_found",
			"criticalIssues": 1,
		})
	})

	if err := runValidate(validateCmd, []string{"v3_20260103_000000"}); err == nil {
		t.Fatal("expected error for critical validation failure")
	}
}

func TestMigrateRolledBackFails(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["actor"] != "tester" {
			t.Errorf("actor = %v, want tester", body["actor"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"outcome": "rolled_back",
			"error":   "critical consistency failure",
		})
	})

	migrateSource, migrateActor = "/data/manifest", "tester"
	defer func() { migrateSource, migrateActor = "", "" }()

	if err := runMigrate(migrateCmd, nil); err == nil {
		t.Fatal("expected error for rolled-back migration")
	}
}

func TestAuthTokenHeader(t *testing.T) {
	withServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{})
	})

	authToken = "sekrit"
	defer func() { authToken = "" }()

	if err := runStatus(statusCmd, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
