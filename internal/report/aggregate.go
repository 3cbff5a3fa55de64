package report

import (
	"time"

	"github.com/hdlci/coreci/internal/pipeline"
)

// Aggregate merges per-stage outcomes into one immutable pipeline result.
// Records are ordered deterministically regardless of how the branches
// actually interleaved: prefix first, then branches in declared order, each
// branch's stages in executed order. Overall verdict is Failure if the
// prefix failed or any branch reports anything other than Success.
func Aggregate(runID string, graph pipeline.Graph, startedAt time.Time, prefix []pipeline.StageRecord, branches []pipeline.BranchResult) pipeline.Result {
	res := pipeline.Result{
		RunID:       runID,
		Core:        graph.Core,
		StartedAt:   startedAt,
		CompletedAt: time.Now().UTC(),
		Branches:    branches,
	}

	verdict := pipeline.VerdictSuccess

	for _, rec := range prefix {
		if rec.Outcome != pipeline.OutcomeSuccess {
			verdict = pipeline.VerdictFailure
		}
		res.Records = append(res.Records, rec)
	}

	for _, br := range branches {
		if br.Outcome != pipeline.OutcomeSuccess {
			verdict = pipeline.VerdictFailure
		}
		res.Records = append(res.Records, br.Stages...)
	}

	res.Verdict = verdict
	return res
}
