package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/history"
	"github.com/hdlci/coreci/internal/pipeline"
)

type fakeStore struct {
	runs   []history.RunSummary
	stages map[string][]pipeline.StageRecord
}

func (f *fakeStore) Recent(ctx context.Context, limit int) ([]history.RunSummary, error) {
	if limit > len(f.runs) {
		limit = len(f.runs)
	}
	return f.runs[:limit], nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (history.RunSummary, []pipeline.StageRecord, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, f.stages[id], nil
		}
	}
	return history.RunSummary{}, nil, history.ErrNotFound
}

func newTestServer(hub *events.Hub) (*Server, *fakeStore) {
	store := &fakeStore{
		runs: []history.RunSummary{
			{ID: "run-2", Core: "riscv-mini", Verdict: pipeline.VerdictFailure, StartedAt: time.Now()},
			{ID: "run-1", Core: "riscv-mini", Verdict: pipeline.VerdictSuccess, StartedAt: time.Now().Add(-time.Hour)},
		},
		stages: map[string][]pipeline.StageRecord{
			"run-2": {
				{Branch: pipeline.PrefixBranch, Stage: "clone", Outcome: pipeline.OutcomeSuccess},
				{Branch: "boardA", Stage: "synth", Outcome: pipeline.OutcomeFailure, ExitCode: 2},
			},
		},
	}
	srv := New(Config{Listen: "127.0.0.1:0"}, store, hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv, store
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := doGet(t, srv.Handler(), "/healthz")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestListRuns(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := doGet(t, srv.Handler(), "/v1/runs?limit=1")

	require.Equal(t, http.StatusOK, rec.Code)
	var runs []history.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-2", runs[0].ID)
}

func TestListRunsBadLimit(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := doGet(t, srv.Handler(), "/v1/runs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := doGet(t, srv.Handler(), "/v1/runs/run-2")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "riscv-mini", resp.Core)
	require.Len(t, resp.Stages, 2)
	assert.Equal(t, pipeline.OutcomeFailure, resp.Stages[1].Outcome)
}

func TestGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := doGet(t, srv.Handler(), "/v1/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsSnapshot(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.TypeRunStarted, map[string]any{"run_id": "run-1"})
	hub.Publish(events.TypeRunFinished, map[string]any{"run_id": "run-1"})

	srv, _ := newTestServer(hub)
	rec := doGet(t, srv.Handler(), "/v1/events?since=1")

	require.Equal(t, http.StatusOK, rec.Code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeRunFinished, evs[0].Type)
}

func TestEventsWithoutHub(t *testing.T) {
	srv, _ := newTestServer(nil)
	rec := doGet(t, srv.Handler(), "/v1/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
