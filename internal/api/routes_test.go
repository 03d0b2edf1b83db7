package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradepilot/engine/internal/models"
)

type fakeChecker struct {
	err error
}

func (f fakeChecker) HealthCheck(context.Context) error { return f.err }

type fakeQueueLister struct {
	tasks []models.OptimizationTask
	limit int
}

func (f *fakeQueueLister) List(_ context.Context, limit int) ([]models.OptimizationTask, error) {
	f.limit = limit
	return f.tasks, nil
}

type fakeExperimentLister struct {
	tests []models.ABTest
}

func (f *fakeExperimentLister) List(context.Context, int) ([]models.ABTest, error) {
	return f.tests, nil
}

type fakeEventLister struct {
	events []models.ImprovementEvent
	err    error
}

func (f *fakeEventLister) Recent(context.Context, int) ([]models.ImprovementEvent, error) {
	return f.events, f.err
}

type fakeModelReader struct {
	production map[string]*models.ModelVersion
}

func (f *fakeModelReader) CurrentProduction(_ context.Context, modelType string) (*models.ModelVersion, error) {
	return f.production[modelType], nil
}

type fakeTrigger struct {
	calls int
}

func (f *fakeTrigger) TriggerCycle() { f.calls++ }

func newTestRouter(dbErr, redisErr error, deps Dependencies) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, fakeChecker{dbErr}, fakeChecker{redisErr}, deps)
	return router
}

func defaultDeps() Dependencies {
	return Dependencies{
		Queue:       &fakeQueueLister{},
		Experiments: &fakeExperimentLister{},
		Events:      &fakeEventLister{},
		Models:      &fakeModelReader{production: map[string]*models.ModelVersion{}},
		Engine:      &fakeTrigger{},
	}
}

func TestHealthCheckOK(t *testing.T) {
	router := newTestRouter(nil, nil, defaultDeps())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "ok", response.Services.Database)
	assert.Equal(t, "ok", response.Services.Redis)
}

func TestHealthCheckDegraded(t *testing.T) {
	router := newTestRouter(errors.New("connection refused"), nil, defaultDeps())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "degraded", response.Status)
	assert.Equal(t, "error", response.Services.Database)
	assert.Equal(t, "ok", response.Services.Redis)
}

func TestListTasks(t *testing.T) {
	deps := defaultDeps()
	queue := &fakeQueueLister{tasks: []models.OptimizationTask{
		{ID: "t1", Type: models.OptimizationHyperparameter, ComponentID: "momentum"},
		{ID: "t2", Type: models.OptimizationStrategyWeights, ComponentID: "portfolio"},
	}}
	deps.Queue = queue
	router := newTestRouter(nil, nil, deps)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/tasks?limit=10", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, queue.limit)

	var body struct {
		Tasks []models.OptimizationTask `json:"tasks"`
		Count int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "t1", body.Tasks[0].ID)
}

func TestListEventsError(t *testing.T) {
	deps := defaultDeps()
	deps.Events = &fakeEventLister{err: errors.New("query failed")}
	router := newTestRouter(nil, nil, deps)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetProductionModel(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps := defaultDeps()
	deps.Models = &fakeModelReader{production: map[string]*models.ModelVersion{
		"direction": {ID: "mv1", ModelType: "direction", Version: "v20260301-abcd1234",
			Status: models.ModelProduction, CreatedAt: now, PromotedAt: &now},
	}}
	router := newTestRouter(nil, nil, deps)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/models/direction/production", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var mv models.ModelVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &mv))
	assert.Equal(t, "v20260301-abcd1234", mv.Version)

	// Unknown model type has no production model.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/models/volatility/production", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunCycleAccepted(t *testing.T) {
	deps := defaultDeps()
	trigger := &fakeTrigger{}
	deps.Engine = trigger
	router := newTestRouter(nil, nil, deps)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycle/run", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, trigger.calls)
}

func TestLimitParamBounds(t *testing.T) {
	deps := defaultDeps()
	queue := &fakeQueueLister{}
	deps.Queue = queue
	router := newTestRouter(nil, nil, deps)

	for _, tc := range []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=abc", 50},
		{"?limit=-3", 50},
		{"?limit=9999", 500},
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/tasks"+tc.query, nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, tc.want, queue.limit, "query %q", tc.query)
	}
}
