package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdlci/coreci/internal/pipeline"
	"github.com/hdlci/coreci/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func sampleResult(runID string, startedAt time.Time) pipeline.Result {
	return pipeline.Result{
		RunID:       runID,
		Core:        "riscv-mini",
		Verdict:     pipeline.VerdictFailure,
		StartedAt:   startedAt,
		CompletedAt: startedAt.Add(2 * time.Minute),
		Records: []pipeline.StageRecord{
			{Branch: pipeline.PrefixBranch, Stage: "clone", Outcome: pipeline.OutcomeSuccess, Duration: 3 * time.Second},
			{Branch: "boardA", Stage: "synth", Outcome: pipeline.OutcomeFailure, ExitCode: 2,
				Duration: 90 * time.Second, Detail: "exit status 2", OutputPath: "/tmp/synth.log"},
			{Branch: "boardA", Stage: "test", Outcome: pipeline.OutcomeSkipped, ExitCode: -1},
		},
	}
}

func TestRecordAndGet(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	res := sampleResult("run-1", time.Now().UTC())
	require.NoError(t, s.Record(ctx, res, "blake3:abc"))

	sum, recs, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "riscv-mini", sum.Core)
	assert.Equal(t, pipeline.VerdictFailure, sum.Verdict)
	assert.Equal(t, "blake3:abc", sum.ConfigHash)

	require.Len(t, recs, 3)
	assert.Equal(t, "clone", recs[0].Stage)
	assert.Equal(t, pipeline.OutcomeFailure, recs[1].Outcome)
	assert.Equal(t, 2, recs[1].ExitCode)
	assert.Equal(t, "exit status 2", recs[1].Detail)
	assert.Equal(t, "/tmp/synth.log", recs[1].OutputPath)
	assert.Equal(t, -1, recs[2].ExitCode)
}

func TestRecentOrderAndLimit(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		res := sampleResult("run-"+string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.Record(ctx, res, ""))
	}

	runs, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-e", runs[0].ID)
	assert.Equal(t, "run-d", runs[1].ID)
	assert.Equal(t, "run-c", runs[2].ID)
	assert.Empty(t, runs[0].ConfigHash)
}

func TestGetUnknownRun(t *testing.T) {
	s := newStore(t)

	_, _, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRejectsEmptyRunID(t *testing.T) {
	s := newStore(t)
	err := s.Record(context.Background(), pipeline.Result{}, "")
	assert.Error(t, err)
}
