package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hybridflow/tristore/pkg/engine"
	"github.com/hybridflow/tristore/pkg/registry"
	"github.com/hybridflow/tristore/pkg/store"
)

// stubEngine implements Lifecycle over a real registry with canned engine
// responses.
type stubEngine struct {
	reg           *registry.Store
	migrateResult *engine.MigrationResult
	migrateErr    error
	report        *engine.ValidationReport
	validateErr   error
	rollbackErr   error
	status        *engine.EngineStatus
	stats         []engine.StoreStats
	statsErr      error
}

func (s *stubEngine) Migrate(_ context.Context, _ engine.MigrateRequest) (*engine.MigrationResult, error) {
	return s.migrateResult, s.migrateErr
}

func (s *stubEngine) Validate(_ context.Context, _ string) (*engine.ValidationReport, error) {
	return s.report, s.validateErr
}

func (s *stubEngine) Rollback(_ context.Context, _, _ string) error { return s.rollbackErr }

func (s *stubEngine) Status(_ context.Context) (*engine.EngineStatus, error) {
	return s.status, nil
}

func (s *stubEngine) Stats(_ context.Context, _ string) ([]engine.StoreStats, error) {
	return s.stats, s.statsErr
}

func (s *stubEngine) Registry() *registry.Store { return s.reg }

func newStubEngine(t *testing.T) *stubEngine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	reg := registry.NewStore(db)
	require.NoError(t, reg.AutoMigrate())
	return &stubEngine{
		reg: reg,
		stats: []engine.StoreStats{
			{Store: "relational", Health: store.HealthOK},
			{Store: "vector", Health: store.HealthOK},
			{Store: "graph", Health: store.HealthOK},
		},
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	router := NewRouter(newStubEngine(t), Options{})
	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	eng := newStubEngine(t)
	router := NewRouter(eng, Options{})

	rec := doRequest(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	eng.stats[2].Health = store.HealthUnavailable
	rec = doRequest(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var envelope map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "NOT_READY", envelope["code"])
	assert.Contains(t, envelope["message"], "graph")
}

func TestListAndGetVersions(t *testing.T) {
	eng := newStubEngine(t)
	router := NewRouter(eng, Options{})

	rec1, err := eng.reg.Register(context.Background(), registry.TypeBaseline, registry.ExpectedCounts{}, "tester", "")
	require.NoError(t, err)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items     []registry.VersionRecord `json:"items"`
		TotalSize int                      `json:"totalSize"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, rec1.ID, page.Items[0].ID)
	assert.Equal(t, 1, page.TotalSize)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/versions/"+rec1.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/versions/v999_20260101_000000", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var envelope map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "NOT_FOUND", envelope["code"])
}

func TestListVersionsBadFilter(t *testing.T) {
	router := NewRouter(newStubEngine(t), Options{})
	rec := doRequest(t, router, http.MethodGet, "/api/v1/versions?pageSize=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartMigrationValidation(t *testing.T) {
	eng := newStubEngine(t)
	router := NewRouter(eng, Options{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/migrations",
		`{"type":"minor","actor":"tester"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/migrations",
		`{"type":"minor","source":"/data/manifest"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A branch makes no sense for a directory source.
	rec = doRequest(t, router, http.MethodPost, "/api/v1/migrations",
		`{"type":"minor","source":"/data/manifest","branch":"main","actor":"tester"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartMigrationConflict(t *testing.T) {
	eng := newStubEngine(t)
	eng.migrateErr = &registry.RegistrationConflictError{ActiveVersionID: "v1_20260101_000000", ActiveState: registry.StateStaging}
	router := NewRouter(eng, Options{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/migrations",
		`{"type":"minor","source":"/data/manifest","actor":"tester"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var envelope map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "REGISTRATION_CONFLICT", envelope["code"])
}

func TestStartMigrationReturnsRolledBackResult(t *testing.T) {
	eng := newStubEngine(t)
	eng.migrateResult = &engine.MigrationResult{
		Outcome: engine.OutcomeRolledBack,
		Error:   "critical consistency failure",
	}
	eng.migrateErr = &engine.CriticalConsistencyError{VersionID: "v2_20260102_000000"}
	router := NewRouter(eng, Options{})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/migrations",
		`{"type":"minor","source":"/data/manifest","actor":"tester"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result engine.MigrationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, engine.OutcomeRolledBack, result.Outcome)
}

func TestRollbackRequiresReason(t *testing.T) {
	router := NewRouter(newStubEngine(t), Options{})
	rec := doRequest(t, router, http.MethodPost, "/api/v1/versions/v1_20260101_000000/rollback", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	const secret = "test-secret"
	router := NewRouter(newStubEngine(t), Options{AuthSecret: secret})

	// Probes stay open.
	rec := doRequest(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// API requires a token.
	rec = doRequest(t, router, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// A token signed with the wrong key is rejected.
	bad, err := token.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
