package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/concave-dev/nexa/internal/api/handlers"
	"github.com/concave-dev/nexa/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, mux *http.ServeMux) *NexaAPIClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewNexaAPIClient(strings.TrimPrefix(srv.URL, "http://"), 2)
}

func TestHealthWithoutLeaderIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, handlers.HealthResponse{Status: "no_leader", Role: "follower"})
	})
	api := newTestClient(t, mux)

	health, err := api.Health()
	require.NoError(t, err)
	assert.Equal(t, "no_leader", health.Status)
}

func TestErrorsCarryKind(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, handlers.ErrorResponse{
			Error: protocol.ErrorBody{Kind: "NotFound", Message: "agent " + r.PathValue("id") + " not found"},
		})
	})
	api := newTestClient(t, mux)

	_, err := api.Agent("a-1")
	require.Error(t, err)
	assert.True(t, IsKind(err, "NotFound"))
	assert.Contains(t, err.Error(), "agent a-1 not found")
}

func TestLeaveReportsLeaderHint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/cluster/members/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMisdirectedRequest, map[string]any{
			"error":           protocol.ErrorBody{Kind: "NotLeader", Message: "not the leader"},
			"leader_id":       "node-1",
			"leader_api_addr": "10.0.0.1:8008",
		})
	})
	api := newTestClient(t, mux)

	err := api.Leave("node-3")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusMisdirectedRequest, apiErr.StatusCode)
	assert.Equal(t, "node-1", apiErr.LeaderID)
	assert.Contains(t, err.Error(), "10.0.0.1:8008")
}

func TestSubmitTaskAcceptsQueued(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var task protocol.TaskInfo
		if err := json.Unmarshal(body, &task); err != nil {
			writeJSON(w, http.StatusBadRequest, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": task.ID, "state": "queued"})
	})
	api := newTestClient(t, mux)

	placement, err := api.SubmitTask(protocol.TaskInfo{ID: "t-1", Type: "summarize"})
	require.NoError(t, err)
	assert.Equal(t, "t-1", placement.TaskID)
	assert.Equal(t, protocol.TaskQueued, placement.State)
}

func TestListFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "queued", r.URL.Query().Get("state"))
		writeJSON(w, http.StatusOK, map[string]any{
			"tasks": []handlers.TaskView{{TaskInfo: protocol.TaskInfo{ID: "t-1", Type: "x", State: protocol.TaskQueued}}},
			"count": 1,
		})
	})
	mux.HandleFunc("GET /api/v1/metrics", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cluster", r.URL.Query().Get("scope"))
		writeJSON(w, http.StatusOK, handlers.NodeMetrics{NodeID: "node-1"})
	})
	api := newTestClient(t, mux)

	tasks, err := api.Tasks("queued")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t-1", tasks[0].ID)

	metrics, err := api.Metrics(true)
	require.NoError(t, err)
	assert.Equal(t, "node-1", metrics.NodeID)
}

func TestConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	api := NewNexaAPIClient(addr, 1)
	api.client.SetRetryCount(0)

	_, err := api.Status()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}
