package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hybridflow/tristore/pkg/content"
	"github.com/hybridflow/tristore/pkg/engine"
	"github.com/hybridflow/tristore/pkg/ha"
	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
)

// Lifecycle is the slice of the engine the HTTP layer drives. Satisfied by
// *engine.Engine.
type Lifecycle interface {
	Migrate(ctx context.Context, req engine.MigrateRequest) (*engine.MigrationResult, error)
	Validate(ctx context.Context, versionID string) (*engine.ValidationReport, error)
	Rollback(ctx context.Context, versionID, reason string) error
	Status(ctx context.Context) (*engine.EngineStatus, error)
	Stats(ctx context.Context, versionID string) ([]engine.StoreStats, error)
	Registry() *registry.Store
}

func listVersionsHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := registry.ListOptions{
			Filter:    r.URL.Query().Get("filter"),
			PageToken: r.URL.Query().Get("pageToken"),
		}
		if v := r.URL.Query().Get("pageSize"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid pageSize: "+v)
				return
			}
			opts.PageSize = n
		}
		if v := r.URL.Query().Get("state"); v != "" {
			opts.States = []registry.State{registry.State(v)}
		}

		records, nextToken, totalSize, err := eng.Registry().List(r.Context(), opts)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":         records,
			"nextPageToken": nextToken,
			"totalSize":     totalSize,
		})
	}
}

func getVersionHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		record, err := eng.Registry().Get(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "version "+id+" not found")
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func listOperationsHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		pageSize := 0
		if v := r.URL.Query().Get("pageSize"); v != "" {
			pageSize, _ = strconv.Atoi(v)
		}
		entries, nextToken, totalSize, err := eng.Registry().OperationLog().ListByVersion(
			r.Context(), id, pageSize, r.URL.Query().Get("pageToken"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items":         entries,
			"nextPageToken": nextToken,
			"totalSize":     totalSize,
		})
	}
}

func statusHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := eng.Status(r.Context())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func statsHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.Stats(r.Context(), r.URL.Query().Get("versionId"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stores": stats})
	}
}

// migrationRequest is the POST /migrations body. Source is a local manifest
// directory or a git URL; git sources may pin a branch.
type migrationRequest struct {
	Type           string `json:"type"`
	Source         string `json:"source"`
	Branch         string `json:"branch,omitempty"`
	ExpectedGroups int64  `json:"expectedGroups"`
	ExpectedLeaves int64  `json:"expectedLeaves"`
	Actor          string `json:"actor"`
	Notes          string `json:"notes,omitempty"`
}

func startMigrationHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req migrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
			return
		}
		if req.Source == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "source is required")
			return
		}
		if req.Actor == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "actor is required")
			return
		}

		src, err := resolveSource(req.Source, req.Branch)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		}

		result, err := eng.Migrate(r.Context(), engine.MigrateRequest{
			Type:           registry.VersionType(req.Type),
			Source:         src,
			ExpectedGroups: req.ExpectedGroups,
			ExpectedLeaves: req.ExpectedLeaves,
			Actor:          req.Actor,
			Notes:          req.Notes,
		})
		if err != nil && result == nil {
			writeEngineError(w, err)
			return
		}
		// A rolled-back migration is still a completed request: the outcome
		// and error detail ride in the result body.
		writeJSON(w, http.StatusOK, result)
	}
}

// resolveSource maps a source string to a content source: git for URL-ish
// values, a manifest directory otherwise.
func resolveSource(source, branch string) (content.Source, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") ||
		strings.HasPrefix(source, "git@") || strings.HasPrefix(source, "ssh://") {
		var opts []content.GitOption
		if branch != "" {
			opts = append(opts, content.WithBranch(branch))
		}
		return content.NewGitSource(source, opts...), nil
	}
	if branch != "" {
		return nil, fmt.Errorf("branch is only valid for git sources")
	}
	return content.NewDirSource(source), nil
}

func validateVersionHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		report, err := eng.Validate(r.Context(), id)
		if err != nil && report == nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func rollbackVersionHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req rollbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body: "+err.Error())
			return
		}
		if req.Reason == "" {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "reason is required")
			return
		}
		if err := eng.Rollback(r.Context(), id, req.Reason); err != nil {
			writeEngineError(w, err)
			return
		}
		record, err := eng.Registry().Get(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// readyzHandler reports ready only while every store answers its health
// check as something other than unavailable.
func readyzHandler(eng Lifecycle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := eng.Stats(r.Context(), "")
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", err.Error())
			return
		}
		for _, st := range stats {
			if st.Health == store.HealthUnavailable {
				writeError(w, http.StatusServiceUnavailable, "NOT_READY",
					st.Store+" store is unavailable")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// writeEngineError maps typed engine and registry errors to the JSON error
// envelope.
func writeEngineError(w http.ResponseWriter, err error) {
	code := "INTERNAL"
	status := http.StatusInternalServerError

	var coder engine.Coder
	var transition *registry.TransitionError
	switch {
	case errors.Is(err, ha.ErrLockHeld):
		code, status = "MIGRATION_IN_PROGRESS", http.StatusConflict
	case errors.As(err, &transition):
		code, status = transition.Code, http.StatusConflict
	case errors.As(err, &coder):
		code = coder.Code()
		switch code {
		case "REGISTRATION_CONFLICT", "BASELINE_EXISTS", "POINTER_CONFLICT":
			status = http.StatusConflict
		case "RETENTION_VIOLATION":
			status = http.StatusUnprocessableEntity
		case "VALIDATION_TIMEOUT":
			status = http.StatusGatewayTimeout
		}
	}

	writeError(w, status, code, err.Error())
}
