package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/hdlci/coreci/internal/boardlock"
	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/pipeline"
)

// runBranch executes one branch to a terminal BranchResult: acquire the
// board lock, run stages strictly in order, stop-and-skip on the first
// failure. The lock is released on every exit path, including panics in the
// executor, so a crashed branch can never strand a physical board.
func (s *Scheduler) runBranch(ctx context.Context, runID string, graph pipeline.Graph, b pipeline.Branch, checkoutDir string) pipeline.BranchResult {
	logger := s.logger.With("run_id", runID, "branch", b.Name, "resource", b.Resource)
	holder := runID + "/" + b.Name

	s.hub.Publish(events.TypeLockWaiting, map[string]any{
		"run_id":   runID,
		"branch":   b.Name,
		"resource": b.Resource,
	})
	logger.Debug("waiting for board lock")

	handle, err := s.locks.Acquire(ctx, b.Resource, holder, graph.LockWait)
	if err != nil {
		switch {
		case errors.Is(err, boardlock.ErrAcquireTimeout):
			logger.Warn("board lock wait exceeded, branch fails without starting")
			res := pipeline.SkippedBranchResult(b)
			res.Outcome = pipeline.OutcomeFailure
			res.Detail = err.Error()
			return res
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			logger.Warn("cancelled while waiting for board lock")
			res := pipeline.SkippedBranchResult(b)
			res.Outcome = pipeline.OutcomeCancelled
			res.Detail = "cancelled while waiting for board"
			return res
		default:
			logger.Error("board lock acquisition failed", "error", err)
			res := pipeline.SkippedBranchResult(b)
			res.Outcome = pipeline.OutcomeFailure
			res.Detail = fmt.Sprintf("acquire board lock: %v", err)
			return res
		}
	}

	defer func() {
		handle.Release()
		s.hub.Publish(events.TypeLockReleased, map[string]any{
			"run_id":   runID,
			"branch":   b.Name,
			"resource": b.Resource,
		})
		logger.Debug("board lock released")
	}()

	s.hub.Publish(events.TypeLockAcquired, map[string]any{
		"run_id":   runID,
		"branch":   b.Name,
		"resource": b.Resource,
	})
	s.hub.Publish(events.TypeBranchStarted, map[string]any{
		"run_id": runID,
		"branch": b.Name,
	})
	logger.Info("branch started", "stages", len(b.Stages))

	branchDir := checkoutDir
	if s.ws != nil {
		ws, err := s.ws.CloneForBranch(ctx, runID, b.Name)
		if err != nil {
			logger.Error("branch workspace clone failed", "error", err)
			res := pipeline.SkippedBranchResult(b)
			res.Outcome = pipeline.OutcomeFailure
			res.Detail = fmt.Sprintf("clone workspace: %v", err)
			return res
		}
		branchDir = ws.Dir
	}

	res := pipeline.BranchResult{Branch: b.Name}
	stopped := false
	for _, stage := range b.Stages {
		if stopped {
			res.Stages = append(res.Stages, pipeline.StageRecord{
				Branch:   b.Name,
				Stage:    stage.Name,
				Outcome:  pipeline.OutcomeSkipped,
				ExitCode: -1,
			})
			continue
		}

		rec := s.runStage(ctx, runID, b.Name, stage, branchDir)
		res.Stages = append(res.Stages, rec)
		if rec.Outcome != pipeline.OutcomeSuccess {
			stopped = true
		}
	}

	res.Outcome = pipeline.BranchVerdict(res.Stages)
	s.hub.Publish(events.TypeBranchDone, map[string]any{
		"run_id":  runID,
		"branch":  b.Name,
		"outcome": res.Outcome,
	})
	logger.Info("branch done", "outcome", res.Outcome)
	return res
}
