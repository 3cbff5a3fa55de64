package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hdlci/coreci/internal/boardlock"
	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/executor"
	"github.com/hdlci/coreci/internal/log"
	"github.com/hdlci/coreci/internal/pipeline"
	"github.com/hdlci/coreci/internal/report"
	"github.com/hdlci/coreci/internal/workspace"
)

// Scheduler executes pipeline graphs: the prefix strictly in order, then the
// branch matrix concurrently under board locks, then report assembly.
//
// State machine per run:
//
//	Pending -> RunningPrefix -> (PrefixFailed | RunningParallel) -> Reporting -> Done
//
// Done is reached exactly once; the returned Result is immutable after that.
type Scheduler struct {
	exec   *executor.Executor
	locks  *boardlock.Registry
	ws     workspace.Manager // optional; nil means stages run in their configured dirs
	hub    *events.Hub
	logger *slog.Logger
}

// New creates a Scheduler. ws may be nil when stage commands carry their own
// working directories.
func New(exec *executor.Executor, locks *boardlock.Registry, ws workspace.Manager, hub *events.Hub) *Scheduler {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Scheduler{
		exec:   exec,
		locks:  locks,
		ws:     ws,
		hub:    hub,
		logger: log.WithComponent("scheduler"),
	}
}

// Events exposes the hub the scheduler publishes progress on.
func (s *Scheduler) Events() *events.Hub {
	return s.hub
}

// Run executes one graph to completion and returns the aggregated result.
// An error is returned only for setup problems (invalid graph, workspace
// creation); execution failures and cancellation are expressed in the
// Result itself, with a definite outcome for every stage.
func (s *Scheduler) Run(ctx context.Context, runID string, graph pipeline.Graph) (pipeline.Result, error) {
	if err := graph.Validate(); err != nil {
		return pipeline.Result{}, err
	}

	logger := s.logger.With("run_id", runID, "core", graph.Core)
	startedAt := time.Now().UTC()
	state := pipeline.StatePending

	s.hub.Publish(events.TypeRunStarted, map[string]any{
		"run_id": runID,
		"core":   graph.Core,
	})

	var checkoutDir string
	if s.ws != nil {
		ws, err := s.ws.Create(ctx, runID)
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("create run workspace: %w", err)
		}
		checkoutDir = ws.Dir
	}

	state = pipeline.StateRunningPrefix
	logger.Info("running prefix", "stages", len(graph.Prefix), "state", state)
	prefixRecords, prefixOK := s.runPrefix(ctx, runID, graph, checkoutDir)

	var branchResults []pipeline.BranchResult
	if !prefixOK {
		state = pipeline.StatePrefixFailed
		logger.Warn("prefix failed, skipping branch matrix", "state", state)
		for _, b := range graph.Branches {
			branchResults = append(branchResults, pipeline.SkippedBranchResult(b))
		}
	} else {
		state = pipeline.StateRunningParallel
		logger.Info("dispatching branch matrix", "branches", len(graph.Branches), "state", state)
		branchResults = s.runGroup(ctx, runID, graph, checkoutDir)
	}

	state = pipeline.StateReporting
	res := report.Aggregate(runID, graph, startedAt, prefixRecords, branchResults)
	state = pipeline.StateDone

	s.hub.Publish(events.TypeRunFinished, map[string]any{
		"run_id":  runID,
		"core":    graph.Core,
		"verdict": res.Verdict,
	})
	logger.Info("run finished", "verdict", res.Verdict, "state", state,
		"duration", res.CompletedAt.Sub(res.StartedAt))
	return res, nil
}

// runPrefix executes the prefix stages strictly in order. The first stage
// that does not succeed stops the sequence; the remainder is recorded as
// Skipped. Returns false when the parallel phase must not be entered.
func (s *Scheduler) runPrefix(ctx context.Context, runID string, graph pipeline.Graph, checkoutDir string) ([]pipeline.StageRecord, bool) {
	var records []pipeline.StageRecord
	ok := true

	for _, stage := range graph.Prefix {
		if !ok {
			records = append(records, pipeline.StageRecord{
				Branch:   pipeline.PrefixBranch,
				Stage:    stage.Name,
				Outcome:  pipeline.OutcomeSkipped,
				ExitCode: -1,
			})
			continue
		}

		records = append(records, s.runStage(ctx, runID, pipeline.PrefixBranch, stage, checkoutDir))
		if last := records[len(records)-1]; last.Outcome != pipeline.OutcomeSuccess {
			ok = false
		}
	}
	return records, ok
}

// runStage fills in the default working directory and delegates to the
// executor, publishing transition events around it.
func (s *Scheduler) runStage(ctx context.Context, runID, branch string, stage pipeline.Stage, defaultDir string) pipeline.StageRecord {
	if stage.Command.Dir == "" {
		stage.Command.Dir = defaultDir
	}

	s.hub.Publish(events.TypeStageStarted, map[string]any{
		"run_id": runID,
		"branch": branch,
		"stage":  stage.Name,
	})

	rec := s.exec.Run(ctx, runID, branch, stage)

	s.hub.Publish(events.TypeStageFinished, map[string]any{
		"run_id":  runID,
		"branch":  branch,
		"stage":   stage.Name,
		"outcome": rec.Outcome,
	})
	return rec
}
