package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdlci/coreci/internal/boardlock"
	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/executor"
	"github.com/hdlci/coreci/internal/log"
	"github.com/hdlci/coreci/internal/pipeline"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

// testRig wires a scheduler against real bash scripts in a temp sandbox.
type testRig struct {
	sched *Scheduler
	dir   string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()

	exec, err := executor.New(filepath.Join(dir, "artifacts"))
	require.NoError(t, err)
	locks, err := boardlock.NewRegistry(filepath.Join(dir, "locks"))
	require.NoError(t, err)

	return &testRig{
		sched: New(exec, locks, nil, events.NewHub(256)),
		dir:   dir,
	}
}

// stage creates a bash-backed stage that exits with the given code.
func (r *testRig) stage(t *testing.T, name string, exitCode int) pipeline.Stage {
	t.Helper()
	return r.script(t, name, fmt.Sprintf("echo %s running\nexit %d\n", name, exitCode))
}

func (r *testRig) script(t *testing.T, name, body string) pipeline.Stage {
	t.Helper()
	path := filepath.Join(r.dir, name+"-"+fmt.Sprint(time.Now().UnixNano())+".sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/bash\n"+body), 0o755))
	return pipeline.Stage{
		Name:    name,
		Command: pipeline.Command{Program: path, Dir: r.dir},
	}
}

func outcomes(stages []pipeline.StageRecord) []pipeline.Outcome {
	var out []pipeline.Outcome
	for _, s := range stages {
		out = append(out, s.Outcome)
	}
	return out
}

func TestRunAllSuccess(t *testing.T) {
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0), r.stage(t, "simulate", 0), r.stage(t, "label", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{
				r.stage(t, "synth", 0), r.stage(t, "flash", 0), r.stage(t, "test", 0),
			}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)

	assert.Equal(t, pipeline.VerdictSuccess, res.Verdict)
	assert.Len(t, res.Records, 6)
	for _, rec := range res.Records {
		assert.Equal(t, pipeline.OutcomeSuccess, rec.Outcome, rec.Stage)
	}
}

func TestPrefixFailureSkipsBranches(t *testing.T) {
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0), r.stage(t, "simulate", 1), r.stage(t, "label", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{r.stage(t, "synth", 0)}},
			{Name: "boardB", Resource: "boardB", Stages: []pipeline.Stage{r.stage(t, "synth", 0)}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)

	assert.Equal(t, pipeline.VerdictFailure, res.Verdict)
	require.Len(t, res.Branches, 2)
	for _, br := range res.Branches {
		assert.Equal(t, pipeline.OutcomeSkipped, br.Outcome, br.Branch)
		for _, st := range br.Stages {
			assert.Equal(t, pipeline.OutcomeSkipped, st.Outcome)
		}
	}

	// Prefix: clone success, simulate failure, label skipped.
	prefix := res.Records[:3]
	assert.Equal(t,
		[]pipeline.Outcome{pipeline.OutcomeSuccess, pipeline.OutcomeFailure, pipeline.OutcomeSkipped},
		outcomes(prefix))
}

func TestPartialFailureIsolation(t *testing.T) {
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{
				r.stage(t, "synth", 0), r.stage(t, "flash", 0), r.stage(t, "test", 0),
			}},
			{Name: "boardB", Resource: "boardB", Stages: []pipeline.Stage{
				r.stage(t, "synth", 0), r.stage(t, "flash", 2), r.stage(t, "test", 0),
			}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)

	assert.Equal(t, pipeline.VerdictFailure, res.Verdict)

	a, b := res.Branches[0], res.Branches[1]
	assert.Equal(t, pipeline.OutcomeSuccess, a.Outcome)
	assert.Equal(t,
		[]pipeline.Outcome{pipeline.OutcomeSuccess, pipeline.OutcomeSuccess, pipeline.OutcomeSuccess},
		outcomes(a.Stages))

	assert.Equal(t, pipeline.OutcomeFailure, b.Outcome)
	assert.Equal(t,
		[]pipeline.Outcome{pipeline.OutcomeSuccess, pipeline.OutcomeFailure, pipeline.OutcomeSkipped},
		outcomes(b.Stages))
}

func TestOrderingDeterminism(t *testing.T) {
	r := newTestRig(t)
	// board1 takes measurably longer than board2, so board2 finishes first.
	slow := r.script(t, "synth", "sleep 0.3\n")
	fast := r.script(t, "synth", "true\n")

	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0)},
		Branches: []pipeline.Branch{
			{Name: "board1", Resource: "board1", Stages: []pipeline.Stage{slow}},
			{Name: "board2", Resource: "board2", Stages: []pipeline.Stage{fast}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)

	require.Len(t, res.Branches, 2)
	assert.Equal(t, "board1", res.Branches[0].Branch)
	assert.Equal(t, "board2", res.Branches[1].Branch)
	assert.Equal(t, "board1", res.Records[1].Branch)
	assert.Equal(t, "board2", res.Records[2].Branch)
}

func TestSharedResourceSerializesBranches(t *testing.T) {
	r := newTestRig(t)
	trace := filepath.Join(r.dir, "trace")

	// Both branches contend for the same board class. Strict alternation of
	// start/end markers in the trace proves no overlap.
	mk := func(name string) pipeline.Stage {
		return r.script(t, name, fmt.Sprintf("echo start >> %s\nsleep 0.1\necho end >> %s\n", trace, trace))
	}

	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0)},
		Branches: []pipeline.Branch{
			{Name: "rig-a", Resource: "ulx3s", Stages: []pipeline.Stage{mk("test")}},
			{Name: "rig-b", Resource: "ulx3s", Stages: []pipeline.Stage{mk("test")}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)
	assert.Equal(t, pipeline.VerdictSuccess, res.Verdict)

	data, err := os.ReadFile(trace)
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.Equal(t, []string{"start", "end", "start", "end"}, lines)
}

func TestLockReleasedAfterBranchFailure(t *testing.T) {
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{r.stage(t, "synth", 1)}},
		},
	}

	// Two consecutive runs: a leaked lock would deadlock the second run.
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		res, err := r.sched.Run(ctx, fmt.Sprintf("run-%d", i), g)
		cancel()
		require.NoError(t, err)
		assert.Equal(t, pipeline.VerdictFailure, res.Verdict)
	}
}

func TestLockWaitTimeoutFailsBranchWithoutWork(t *testing.T) {
	r := newTestRig(t)

	// An external holder occupies the board for the whole test.
	locks := r.sched.locks
	h, err := locks.Acquire(context.Background(), "busy-board", "external", 0)
	require.NoError(t, err)
	defer h.Release()

	g := pipeline.Graph{
		Core:     "riscv-mini",
		Prefix:   []pipeline.Stage{r.stage(t, "clone", 0)},
		LockWait: 100 * time.Millisecond,
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "busy-board", Stages: []pipeline.Stage{
				r.stage(t, "synth", 0), r.stage(t, "test", 0),
			}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)

	assert.Equal(t, pipeline.VerdictFailure, res.Verdict)
	br := res.Branches[0]
	assert.Equal(t, pipeline.OutcomeFailure, br.Outcome)
	assert.Contains(t, br.Detail, "lock wait timeout")
	// No stage ever started.
	assert.Equal(t, []pipeline.Outcome{pipeline.OutcomeSkipped, pipeline.OutcomeSkipped}, outcomes(br.Stages))
}

func TestCancellationReleasesLocksAndReports(t *testing.T) {
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{
				r.script(t, "test", "sleep 30\n"), r.stage(t, "report", 0),
			}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := r.sched.Run(ctx, "run-1", g)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 20*time.Second)

	assert.Equal(t, pipeline.VerdictFailure, res.Verdict)
	br := res.Branches[0]
	assert.Equal(t, pipeline.OutcomeCancelled, br.Outcome)
	assert.Equal(t, []pipeline.Outcome{pipeline.OutcomeCancelled, pipeline.OutcomeSkipped}, outcomes(br.Stages))

	// The board must be free again.
	assert.Equal(t, "", r.sched.locks.Holder("boardA"))
}

func TestRepeatedRunsHaveIdenticalStructure(t *testing.T) {
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0), r.stage(t, "simulate", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{r.stage(t, "synth", 0)}},
		},
	}

	res1, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)
	res2, err := r.sched.Run(context.Background(), "run-2", g)
	require.NoError(t, err)

	require.Equal(t, len(res1.Records), len(res2.Records))
	for i := range res1.Records {
		assert.Equal(t, res1.Records[i].Branch, res2.Records[i].Branch)
		assert.Equal(t, res1.Records[i].Stage, res2.Records[i].Stage)
		assert.Equal(t, res1.Records[i].Outcome, res2.Records[i].Outcome)
	}
	assert.Equal(t, res1.Verdict, res2.Verdict)
}

func TestInvalidGraphRejected(t *testing.T) {
	r := newTestRig(t)
	_, err := r.sched.Run(context.Background(), "run-1", pipeline.Graph{Core: ""})
	assert.Error(t, err)
}

func TestEndToEndScenario(t *testing.T) {
	// A healthy prefix with one branch whose hardware test fails after
	// synth and flash both succeed.
	r := newTestRig(t)
	g := pipeline.Graph{
		Core:   "riscv-mini",
		Prefix: []pipeline.Stage{r.stage(t, "clone", 0), r.stage(t, "simulate", 0), r.stage(t, "label", 0)},
		Branches: []pipeline.Branch{
			{Name: "boardA", Resource: "boardA", Stages: []pipeline.Stage{
				r.stage(t, "synth", 0), r.stage(t, "flash", 0), r.stage(t, "test", 1),
			}},
		},
	}

	res, err := r.sched.Run(context.Background(), "run-1", g)
	require.NoError(t, err)

	assert.Equal(t, pipeline.VerdictFailure, res.Verdict)

	var failures, skipped []string
	for _, rec := range res.Records {
		switch rec.Outcome {
		case pipeline.OutcomeFailure:
			failures = append(failures, rec.Stage)
		case pipeline.OutcomeSkipped:
			skipped = append(skipped, rec.Stage)
		}
	}
	assert.Equal(t, []string{"test"}, failures)
	assert.Empty(t, skipped)
}
