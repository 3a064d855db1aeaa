package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connies-uploader/sidecar/internal/dispatch"
	"github.com/connies-uploader/sidecar/internal/history"
)

type fakeStats struct{ snap dispatch.Snapshot }

func (f *fakeStats) Snapshot() dispatch.Snapshot { return f.snap }

type fakeTokens struct{ tokens map[string]float64 }

func (f *fakeTokens) Tokens() map[string]float64 { return f.tokens }

type fakeRecent struct {
	entries   []history.Entry
	err       error
	gotLimit  int
	gotCalled bool
}

func (f *fakeRecent) Recent(_ context.Context, limit int) ([]history.Entry, error) {
	f.gotCalled = true
	f.gotLimit = limit
	return f.entries, f.err
}

func newTestServer() (*Server, *fakeRecent) {
	stats := &fakeStats{snap: dispatch.Snapshot{
		QueueDepth: 3, Active: 2, Succeeded: 10, Failed: 1, TimedOut: 1, Rejected: 0,
	}}
	tokens := &fakeTokens{tokens: map[string]float64{"pixhost": 4.5}}
	recent := &fakeRecent{entries: []history.Entry{{
		JobID: "j-1", Service: "pixhost.to", File: "/tmp/a.jpg",
		Status: "Success", ViewerURL: "https://x/v/1",
	}}}
	return New("127.0.0.1:0", stats, tokens, recent), recent
}

func TestHealthzReportsQueueState(t *testing.T) {
	s, _ := newTestServer()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.QueueDepth)
	assert.Equal(t, int64(2), resp.Active)
}

func TestStatsIncludesCountersAndTokens(t *testing.T) {
	s, _ := newTestServer()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(10), resp.Succeeded)
	assert.Equal(t, int64(1), resp.TimedOut)
	assert.InDelta(t, 4.5, resp.RateTokens["pixhost"], 0.001)
}

func TestRecentReturnsHistoryEntries(t *testing.T) {
	s, recent := newTestServer()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recent?limit=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, recent.gotCalled)
	assert.Equal(t, 5, recent.gotLimit)

	var entries []history.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "pixhost.to", entries[0].Service)
	assert.Equal(t, "https://x/v/1", entries[0].ViewerURL)
}

func TestRecentDefaultsAndCapsLimit(t *testing.T) {
	s, recent := newTestServer()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recent", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultRecentLimit, recent.gotLimit)

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recent?limit=9999", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxRecentLimit, recent.gotLimit)

	rec = httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recent?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecentWithoutHistoryIs404(t *testing.T) {
	stats := &fakeStats{}
	tokens := &fakeTokens{}
	s := New("127.0.0.1:0", stats, tokens, nil)

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/recent", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownPathIs404(t *testing.T) {
	s, _ := newTestServer()

	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queues", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
