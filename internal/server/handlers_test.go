package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwire/syncwire/internal/catchup"
	"github.com/syncwire/syncwire/internal/delivery"
	"github.com/syncwire/syncwire/internal/eventlog"
	"github.com/syncwire/syncwire/internal/sequence"
	"github.com/syncwire/syncwire/internal/snapshot"
)

func newTestServer(t *testing.T) (*Server, *sequence.Store, eventlog.Log) {
	t.Helper()
	logger := zap.NewNop()
	log := eventlog.NewMemoryLog()
	seq := sequence.NewStore(nil, logger)
	committer := delivery.NewCommitter(seq, log, delivery.NopPusher{}, 0, logger)
	fetcher := catchup.NewService(log, 10, logger)
	snapshots := snapshot.NewEncoder(log, seq, 100, logger)
	return NewServer(committer, fetcher, seq, snapshots, logger), seq, log
}

func commitEvents(t *testing.T, srv *Server, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		body := fmt.Sprintf(`{"userId":%q,"channel":"primary","payload":{"n":%d}}`, userID, i)
		req := httptest.NewRequest(http.MethodPost, "/v1/commit", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		srv.handleCommit(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func TestHandleCommit(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/commit",
		bytes.NewBufferString(`{"userId":"alice","channel":"primary","payload":{"text":"hi"}}`))
	rec := httptest.NewRecorder()
	srv.handleCommit(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var ev eventlog.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, uint64(1), ev.StepCount)
	assert.Equal(t, eventlog.ChannelPrimary, ev.Channel)
}

func TestHandleCommitValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"userId":`},
		{"missing user", `{"channel":"primary"}`},
		{"bad channel", `{"userId":"alice","channel":"tertiary"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/commit", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			srv.handleCommit(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleCatchUp(t *testing.T) {
	srv, _, _ := newTestServer(t)
	commitEvents(t, srv, "alice", 8)

	req := httptest.NewRequest(http.MethodGet, "/v1/catchup?userId=alice&channel=primary&lastKnownSequence=5", nil)
	rec := httptest.NewRecorder()
	srv.handleCatchUp(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp catchUpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.ResyncRequired)
	assert.Equal(t, uint64(8), resp.Sequence)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, uint64(6), resp.Events[0].Sequence)
	assert.Equal(t, uint64(8), resp.Events[2].Sequence)
}

func TestHandleCatchUpUpToDate(t *testing.T) {
	srv, _, _ := newTestServer(t)
	commitEvents(t, srv, "alice", 3)

	req := httptest.NewRequest(http.MethodGet, "/v1/catchup?userId=alice&channel=primary&lastKnownSequence=3", nil)
	rec := httptest.NewRecorder()
	srv.handleCatchUp(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp catchUpResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Events)
	assert.False(t, resp.ResyncRequired)
	assert.Equal(t, uint64(3), resp.Sequence)
}

func TestHandleCatchUpResyncRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)
	commitEvents(t, srv, "alice", 20) // max range is 10 in tests

	tests := []struct {
		name      string
		lastKnown string
	}{
		{"range over cap", "2"},
		{"client ahead of server", "99"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/v1/catchup?userId=alice&channel=primary&lastKnownSequence=" + tt.lastKnown
			req := httptest.NewRequest(http.MethodGet, target, nil)
			rec := httptest.NewRecorder()
			srv.handleCatchUp(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			var resp catchUpResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.True(t, resp.ResyncRequired)
			assert.Equal(t, uint64(20), resp.Sequence)
			assert.Empty(t, resp.Events)
		})
	}
}

func TestHandleCatchUpBadRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		target string
	}{
		{"missing user", "/v1/catchup?channel=primary&lastKnownSequence=1"},
		{"bad channel", "/v1/catchup?userId=alice&channel=x&lastKnownSequence=1"},
		{"missing cursor", "/v1/catchup?userId=alice&channel=primary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			rec := httptest.NewRecorder()
			srv.handleCatchUp(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleSequence(t *testing.T) {
	srv, _, _ := newTestServer(t)
	commitEvents(t, srv, "alice", 4)

	req := httptest.NewRequest(http.MethodGet, "/v1/sequence?userId=alice&channel=primary", nil)
	rec := httptest.NewRecorder()
	srv.handleSequence(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]uint64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, uint64(4), resp["sequence"])
}

func TestHandleResetRequiresMaintenance(t *testing.T) {
	srv, seq, _ := newTestServer(t)
	commitEvents(t, srv, "alice", 2)

	body := `{"userId":"alice","channel":"primary"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/reset", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.handleReset(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	seq.SetMaintenanceMode(true)
	req = httptest.NewRequest(http.MethodPost, "/v1/reset", bytes.NewBufferString(body))
	rec = httptest.NewRecorder()
	srv.handleReset(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	current, err := seq.Current("alice", "primary")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), current)
}

func TestHandleResync(t *testing.T) {
	srv, _, _ := newTestServer(t)
	commitEvents(t, srv, "alice", 6)

	req := httptest.NewRequest(http.MethodGet, "/v1/resync?userId=alice&channel=primary", nil)
	rec := httptest.NewRecorder()
	srv.handleResync(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zstd", rec.Header().Get("Content-Type"))

	snap, err := snapshot.Read(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "alice", snap.UserID)
	assert.Equal(t, uint64(6), snap.Sequence)
	assert.Len(t, snap.Events, 6)
}

func TestRouterWiring(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := NewRouter(srv, nil, zap.NewNop())

	ts := httptest.NewServer(router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	metricsResp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
}
