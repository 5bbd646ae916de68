package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type recordedRequest struct {
	Method string
	Path   string
	Range  string
	Body   string
}

type ClientSuite struct {
	suite.Suite
	ctx    context.Context
	server *httptest.Server
	client *Client

	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

func (s *ClientSuite) SetupTest() {
	s.ctx = context.Background()
	s.requests = nil
	s.handler = func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Range:  r.Header.Get("Range"),
			Body:   string(body),
		})
		h := s.handler
		s.mu.Unlock()
		h(w, r)
	}))
	s.client = New(Config{RetryMax: -1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.client.http.RetryMax = 0
}

func (s *ClientSuite) TearDownTest() {
	s.server.Close()
}

func (s *ClientSuite) respond(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

// ---------------------------------------------------------------------------
// Readiness
// ---------------------------------------------------------------------------

func (s *ClientSuite) TestReady_PartialContent() {
	s.respond(http.StatusPartialContent, "<")

	ready, err := s.client.Ready(s.ctx, s.server.URL)
	require.NoError(s.T(), err)
	assert.True(s.T(), ready)
	require.Len(s.T(), s.requests, 1)
	assert.Equal(s.T(), "/", s.requests[0].Path)
	assert.Equal(s.T(), "bytes=0-0", s.requests[0].Range)
}

func (s *ClientSuite) TestReady_OK() {
	s.respond(http.StatusOK, "<html>")

	ready, err := s.client.Ready(s.ctx, s.server.URL)
	require.NoError(s.T(), err)
	assert.True(s.T(), ready)
}

func (s *ClientSuite) TestReady_ServiceStillBooting() {
	s.respond(http.StatusBadGateway, "")

	ready, err := s.client.Ready(s.ctx, s.server.URL)
	require.NoError(s.T(), err)
	assert.False(s.T(), ready)
	assert.Len(s.T(), s.requests, 1, "probes must not be retried internally")
}

func (s *ClientSuite) TestReady_ConnectionRefused() {
	url := s.server.URL
	s.server.Close()

	ready, err := s.client.Ready(s.ctx, url)
	assert.Error(s.T(), err)
	assert.False(s.T(), ready)
}

// ---------------------------------------------------------------------------
// Submit / Status
// ---------------------------------------------------------------------------

func (s *ClientSuite) TestSubmit() {
	s.respond(http.StatusOK, `{"prompt_id":"p-1","number":3,"node_errors":{}}`)

	resp, err := s.client.Submit(s.ctx, s.server.URL, SubmitRequest{
		ClientID: "c-1",
		Prompt:   json.RawMessage(`{"3":{"class_type":"KSampler"}}`),
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "p-1", resp.PromptID)
	assert.Equal(s.T(), 3, resp.Number)

	require.Len(s.T(), s.requests, 1)
	assert.Equal(s.T(), http.MethodPost, s.requests[0].Method)
	assert.Equal(s.T(), "/prompt", s.requests[0].Path)
	assert.JSONEq(s.T(), `{"client_id":"c-1","prompt":{"3":{"class_type":"KSampler"}}}`, s.requests[0].Body)
}

func (s *ClientSuite) TestSubmit_NotOK() {
	s.respond(http.StatusBadRequest, `{"error":"invalid prompt"}`)

	_, err := s.client.Submit(s.ctx, s.server.URL, SubmitRequest{ClientID: "c", Prompt: json.RawMessage(`{}`)})
	require.Error(s.T(), err)

	var apiErr *APIError
	require.True(s.T(), errors.As(err, &apiErr))
	assert.Equal(s.T(), http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(s.T(), "/prompt", apiErr.Path)
	assert.Contains(s.T(), apiErr.Body, "invalid prompt")
}

func (s *ClientSuite) TestStatus_Absent() {
	s.respond(http.StatusOK, `{}`)

	st, err := s.client.Status(s.ctx, s.server.URL, "p-1")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), st)
	assert.Equal(s.T(), "/history/p-1", s.requests[0].Path)
}

func (s *ClientSuite) TestStatus_EntryWithoutStatus() {
	s.respond(http.StatusOK, `{"p-1":{"outputs":{}}}`)

	st, err := s.client.Status(s.ctx, s.server.URL, "p-1")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), st)
}

func (s *ClientSuite) TestStatus_Success() {
	s.respond(http.StatusOK, `{"p-1":{"status":{"status_str":"success","completed":true,"messages":[]}}}`)

	st, err := s.client.Status(s.ctx, s.server.URL, "p-1")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), st)
	assert.Equal(s.T(), "success", st.StatusStr)
	assert.True(s.T(), st.Completed)
}

func (s *ClientSuite) TestStatus_OtherPromptIgnored() {
	s.respond(http.StatusOK, `{"p-2":{"status":{"status_str":"success"}}}`)

	st, err := s.client.Status(s.ctx, s.server.URL, "p-1")
	require.NoError(s.T(), err)
	assert.Nil(s.T(), st)
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func (s *ClientSuite) TestInterruptAndDequeue() {
	s.respond(http.StatusOK, ``)

	require.NoError(s.T(), s.client.Interrupt(s.ctx, s.server.URL, "p-9"))
	require.NoError(s.T(), s.client.Dequeue(s.ctx, s.server.URL, "p-9"))

	require.Len(s.T(), s.requests, 2)
	assert.Equal(s.T(), "/interrupt", s.requests[0].Path)
	assert.JSONEq(s.T(), `{"prompt_id":"p-9"}`, s.requests[0].Body)
	assert.Equal(s.T(), "/queue", s.requests[1].Path)
	assert.JSONEq(s.T(), `{"delete":["p-9"]}`, s.requests[1].Body)
}

func (s *ClientSuite) TestRetriesServerErrors() {
	s.client.http.RetryMax = 2
	s.client.http.RetryWaitMin = 0
	s.client.http.RetryWaitMax = 0

	calls := 0
	s.mu.Lock()
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
	s.mu.Unlock()

	require.NoError(s.T(), s.client.Interrupt(s.ctx, s.server.URL, "p-1"))
	assert.Equal(s.T(), 3, calls)
}

func (s *ClientSuite) TestSubmit_NeverRetried() {
	s.client.http.RetryMax = 2
	s.client.http.RetryWaitMin = 0
	s.client.http.RetryWaitMax = 0

	calls := 0
	s.mu.Lock()
	s.handler = func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"prompt_id":"p-2"}`)
	}
	s.mu.Unlock()

	_, err := s.client.Submit(s.ctx, s.server.URL, SubmitRequest{ClientID: "c", Prompt: json.RawMessage(`{}`)})
	require.Error(s.T(), err)

	var apiErr *APIError
	require.True(s.T(), errors.As(err, &apiErr))
	assert.Equal(s.T(), http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(s.T(), 1, calls)
	require.Len(s.T(), s.requests, 1)
	assert.Equal(s.T(), "/prompt", s.requests[0].Path)
}

func (s *ClientSuite) TestSubmit_ConnectionErrorNotRetried() {
	s.client.http.RetryMax = 2
	s.client.http.RetryWaitMin = 0
	s.client.http.RetryWaitMax = 0
	s.server.Close()

	_, err := s.client.Submit(s.ctx, s.server.URL, SubmitRequest{ClientID: "c", Prompt: json.RawMessage(`{}`)})
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "/prompt")
}
