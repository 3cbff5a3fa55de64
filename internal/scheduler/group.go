package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/hdlci/coreci/internal/pipeline"
)

// runGroup launches every branch concurrently and waits for all of them to
// reach a terminal state. A failure or fault in one branch never cancels or
// blocks its siblings; only an external cancellation stops the group, and
// even then every branch releases its lock before the group reports back.
// Results come back in declared order regardless of completion order.
func (s *Scheduler) runGroup(ctx context.Context, runID string, graph pipeline.Graph, checkoutDir string) []pipeline.BranchResult {
	results := make([]pipeline.BranchResult, len(graph.Branches))

	var wg sync.WaitGroup
	for i, b := range graph.Branches {
		wg.Add(1)
		go func(i int, b pipeline.Branch) {
			defer wg.Done()
			defer func() {
				// A panicking branch is a defect in an external-tool
				// wrapper, not a reason to take down the siblings.
				if r := recover(); r != nil {
					s.logger.Error("branch panicked", "run_id", runID, "branch", b.Name, "panic", r)
					res := pipeline.SkippedBranchResult(b)
					res.Outcome = pipeline.OutcomeFailure
					res.Detail = fmt.Sprintf("internal fault: %v", r)
					results[i] = res
				}
			}()
			results[i] = s.runBranch(ctx, runID, graph, b, checkoutDir)
		}(i, b)
	}
	wg.Wait()

	return results
}
