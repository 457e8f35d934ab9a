package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/internal/concurrency"
	"github.com/subflowhq/subflow/internal/llmhealth"
)

func TestHealthEndpoint(t *testing.T) {
	monitor := llmhealth.NewMonitor(nil, "", nil)
	monitor.Register("fast", "openai", "gpt-4o-mini")
	monitor.ReportSuccess(context.Background(), "fast", 400*time.Millisecond)

	tracker := concurrency.NewTracker(map[string]int{
		concurrency.ServiceASR: 4,
	})

	srv := New(monitor, tracker, nil, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, llmhealth.StatusHealthy, resp.Status)
	require.Len(t, resp.LLM.Profiles, 1)
	assert.Equal(t, llmhealth.StatusOK, resp.LLM.Profiles[0].Status)
	assert.EqualValues(t, 400, resp.LLM.Profiles[0].LastLatencyMS)
	require.Len(t, resp.Concurrency, 1)
	assert.Equal(t, 4, resp.Concurrency[0].Limit)
}

func TestHealthEndpointUnhealthy(t *testing.T) {
	monitor := llmhealth.NewMonitor(nil, "", nil)
	monitor.ReportError(context.Background(), "fast", time.Second, errors.New("upstream 500"))

	srv := New(monitor, concurrency.NewTracker(nil), nil, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, llmhealth.StatusUnhealthy, resp.Status)
}
