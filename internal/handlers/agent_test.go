package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/dante-gpu/dante-mesh/internal/errors"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAgent struct {
	mu        sync.Mutex
	results   []models.TaskResult
	submitted []models.TaskMessage
	submitErr error
	stopped   int
	connected bool
}

func (f *fakeAgent) Status(context.Context) models.AgentStatus {
	return models.AgentStatus{NodeID: "node-1", Workers: 2, Stopping: f.Stopping()}
}

func (f *fakeAgent) Tasks(filter models.TaskFilter) []models.TaskResult {
	out := []models.TaskResult{}
	for _, r := range f.results {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeAgent) Task(taskID string) (models.TaskResult, error) {
	for i := len(f.results) - 1; i >= 0; i-- {
		if f.results[i].TaskID == taskID {
			return f.results[i], nil
		}
	}
	return models.TaskResult{}, apperrors.NewTaskError("Get", taskID, "no result recorded", apperrors.ErrNotFound)
}

func (f *fakeAgent) Submit(_ context.Context, msg models.TaskMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(msg.TaskID) == "" {
		return apperrors.NewTaskError("Parse", "", "task_id is required", apperrors.ErrMalformedTask)
	}
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, msg)
	return nil
}

func (f *fakeAgent) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakeAgent) Stopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped > 0
}

func (f *fakeAgent) TransportConnected() bool { return f.connected }

func newTestRouter(agent Agent) http.Handler {
	r := chi.NewRouter()
	NewAgentHandler(agent, zap.NewNop()).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleResults() []models.TaskResult {
	now := time.Now().UTC()
	return []models.TaskResult{
		{TaskID: "a", InternalID: "1", Status: models.StatusSucceeded, ReceivedAt: now, Stdout: "2\n", ExitCode: models.PtrInt(0)},
		{TaskID: "b", InternalID: "2", Status: models.StatusFailed, ReceivedAt: now, Reason: "queue full"},
		{TaskID: "c", InternalID: "3", Status: models.StatusRunning, ReceivedAt: now},
	}
}

func TestHealth(t *testing.T) {
	agent := &fakeAgent{connected: true}
	h := newTestRouter(agent)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", TransportConnected: true}, resp)

	agent.Stop()
	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	rec := do(t, newTestRouter(&fakeAgent{}), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st models.AgentStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "node-1", st.NodeID)
	assert.Equal(t, 2, st.Workers)
}

func TestListTasks(t *testing.T) {
	h := newTestRouter(&fakeAgent{results: sampleResults()})

	var all []models.TaskResult
	rec := do(t, h, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	var failed []models.TaskResult
	rec = do(t, h, http.MethodGet, "/tasks?status=failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failed))
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].TaskID)

	rec = do(t, h, http.MethodGet, "/tasks?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasks_EmptyIsArray(t *testing.T) {
	rec := do(t, newTestRouter(&fakeAgent{}), http.MethodGet, "/tasks", "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetTask(t *testing.T) {
	h := newTestRouter(&fakeAgent{results: sampleResults()})

	rec := do(t, h, http.MethodGet, "/tasks/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var r models.TaskResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	assert.Equal(t, models.StatusSucceeded, r.Status)
	assert.Equal(t, "2\n", r.Stdout)

	rec = do(t, h, http.MethodGet, "/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"task not found"}`, rec.Body.String())
}

func TestSubmitTask(t *testing.T) {
	agent := &fakeAgent{}
	h := newTestRouter(agent)

	rec := do(t, h, http.MethodPost, "/tasks", `{"task_id":"t1","instruction":"print(1)"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.TaskID)
	assert.Equal(t, []models.TaskMessage{{TaskID: "t1", Instruction: "print(1)"}}, agent.submitted)

	rec = do(t, h, http.MethodPost, "/tasks", `{"task_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/tasks", `{"task_id":"","instruction":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	agent.submitErr = apperrors.ErrTransportUnavailable
	rec = do(t, h, http.MethodPost, "/tasks", `{"task_id":"t2","instruction":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStop(t *testing.T) {
	agent := &fakeAgent{}
	h := newTestRouter(agent)

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/stop", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/stop", "").Code)
	assert.True(t, agent.Stopping())
}
