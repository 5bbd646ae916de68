package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	snap Snapshot
}

func (s staticSource) Snapshot() Snapshot { return s.snap }

func serve(t *testing.T, handler http.HandlerFunc, method string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, "/healthz", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestHandlerReturnsStatusOK(t *testing.T) {
	w, _ := serve(t, Handler("docker", "memory", nil), http.MethodGet)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	_, resp := serve(t, Handler("gcp", "etcd", nil), http.MethodGet)

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "gpuwarden", resp.ServiceName)
	assert.Equal(t, "gcp", resp.Engine)
	assert.Equal(t, "etcd", resp.Store)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.GoVersion)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Nil(t, resp.LastReapAt)
	assert.Empty(t, resp.InFlightJob)
}

func TestHandlerReportsSnapshot(t *testing.T) {
	reap := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	src := staticSource{snap: Snapshot{
		QueueDepth:    2,
		QueueCapacity: 16,
		InFlightJob:   "job-7",
		LastReap:      reap,
	}}

	_, resp := serve(t, Handler("ec2", "dynamo", src), http.MethodGet)

	assert.Equal(t, 2, resp.QueueDepth)
	assert.Equal(t, 16, resp.QueueCapacity)
	assert.Equal(t, "job-7", resp.InFlightJob)
	require.NotNil(t, resp.LastReapAt)
	assert.True(t, reap.Equal(*resp.LastReapAt))
	assert.Equal(t, time.UTC, resp.LastReapAt.Location())
}

func TestHandlerIgnoresMethod(t *testing.T) {
	handler := Handler("docker", "memory", nil)
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			w, _ := serve(t, handler, method)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}
